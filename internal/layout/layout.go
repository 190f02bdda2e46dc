package layout

import (
	"fmt"
	"industrial-andon/internal/types"
	"sort"
)

// UnknownArea 是不属于任何区域的产线所使用的区域名
const UnknownArea = "Unknown"

// Area 定义一个连续编号区间对应的车间区域
// 区间为闭区间 [From, To]
type Area struct {
	Name string `mapstructure:"name" json:"name"`
	From int    `mapstructure:"from" json:"from"`
	To   int    `mapstructure:"to" json:"to"`
}

// DefaultAreas 是工厂默认的区域划分
var DefaultAreas = []Area{
	{Name: "Assembly", From: 1, To: 40},
	{Name: "Panel", From: 41, To: 52},
	{Name: "Visor", From: 53, To: 57},
}

// Placement 描述一条产线在看板上的位置
type Placement struct {
	Line        types.LineID
	Area        string
	Index       int // 区域内从 1 开始的序号
	DisplayName string
}

// Layout 是有序的区域表，决定产线编号空间
type Layout struct {
	areas []Area
}

// New 校验并创建区域表
// 区间必须非空、互不重叠，且编号从 1 开始
func New(areas []Area) (*Layout, error) {
	if len(areas) == 0 {
		return nil, fmt.Errorf("区域表为空")
	}
	sorted := make([]Area, len(areas))
	copy(sorted, areas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	for i, a := range sorted {
		if a.Name == "" {
			return nil, fmt.Errorf("区域 #%d 缺少名称", i)
		}
		if a.From < 1 || a.To < a.From {
			return nil, fmt.Errorf("区域 %s 的区间非法: [%d, %d]", a.Name, a.From, a.To)
		}
		if i > 0 && a.From <= sorted[i-1].To {
			return nil, fmt.Errorf("区域 %s 与 %s 的区间重叠", a.Name, sorted[i-1].Name)
		}
	}
	return &Layout{areas: sorted}, nil
}

// MustNew 与 New 相同，但在配置非法时 panic，仅用于默认值和测试
func MustNew(areas []Area) *Layout {
	l, err := New(areas)
	if err != nil {
		panic(err)
	}
	return l
}

// Default 返回默认区域表
func Default() *Layout {
	return MustNew(DefaultAreas)
}

// Areas 返回区域表副本
func (l *Layout) Areas() []Area {
	out := make([]Area, len(l.areas))
	copy(out, l.areas)
	return out
}

// Contains 判断产线编号是否落在某个区域内
func (l *Layout) Contains(line types.LineID) bool {
	_, ok := l.find(int(line))
	return ok
}

// Place 计算产线的区域、区内序号和显示名称
func (l *Layout) Place(line types.LineID) Placement {
	n := int(line)
	a, ok := l.find(n)
	if !ok {
		return Placement{
			Line:        line,
			Area:        UnknownArea,
			Index:       n,
			DisplayName: fmt.Sprintf("Line %02d", n),
		}
	}
	idx := n - a.From + 1
	return Placement{
		Line:        line,
		Area:        a.Name,
		Index:       idx,
		DisplayName: fmt.Sprintf("%s %02d", a.Name, idx),
	}
}

// Lines 按编号顺序返回所有已配置的产线
func (l *Layout) Lines() []types.LineID {
	var lines []types.LineID
	for _, a := range l.areas {
		for n := a.From; n <= a.To; n++ {
			lines = append(lines, types.LineID(n))
		}
	}
	return lines
}

func (l *Layout) find(n int) (Area, bool) {
	i := sort.Search(len(l.areas), func(i int) bool { return l.areas[i].To >= n })
	if i < len(l.areas) && l.areas[i].From <= n {
		return l.areas[i], true
	}
	return Area{}, false
}
