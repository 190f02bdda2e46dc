package layout

import (
	"industrial-andon/internal/types"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlace_DefaultAreas(t *testing.T) {
	t.Parallel()
	l := Default()

	cases := []struct {
		line  types.LineID
		area  string
		index int
		name  string
	}{
		{1, "Assembly", 1, "Assembly 01"},
		{40, "Assembly", 40, "Assembly 40"},
		{41, "Panel", 1, "Panel 01"},
		{52, "Panel", 12, "Panel 12"},
		{53, "Visor", 1, "Visor 01"},
		{57, "Visor", 5, "Visor 05"},
	}
	for _, c := range cases {
		p := l.Place(c.line)
		assert.Equal(t, c.area, p.Area, "line %d", c.line)
		assert.Equal(t, c.index, p.Index, "line %d", c.line)
		assert.Equal(t, c.name, p.DisplayName, "line %d", c.line)
	}
}

func TestPlace_UnknownLine(t *testing.T) {
	t.Parallel()
	l := Default()

	require.False(t, l.Contains(58))
	require.False(t, l.Contains(0))

	p := l.Place(58)
	assert.Equal(t, UnknownArea, p.Area)
	assert.Equal(t, "Line 58", p.DisplayName)
}

func TestLines(t *testing.T) {
	t.Parallel()
	lines := Default().Lines()
	require.Len(t, lines, 57)
	assert.Equal(t, types.LineID(1), lines[0])
	assert.Equal(t, types.LineID(57), lines[56])
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	_, err = New([]Area{{Name: "A", From: 1, To: 10}, {Name: "B", From: 10, To: 12}})
	require.Error(t, err, "重叠区间应被拒绝")

	_, err = New([]Area{{Name: "A", From: 5, To: 1}})
	require.Error(t, err)

	// 顺序无关，按起始编号排序
	l, err := New([]Area{{Name: "B", From: 11, To: 12}, {Name: "A", From: 1, To: 10}})
	require.NoError(t, err)
	assert.Equal(t, "B 02", l.Place(12).DisplayName)
	assert.Equal(t, "A", l.Areas()[0].Name)
}

func TestLineCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "05", types.LineID(5).Code())
	assert.Equal(t, "57", types.LineID(57).Code())
}
