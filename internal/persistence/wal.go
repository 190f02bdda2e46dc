package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"industrial-andon/internal/types"
	"io"
	"os"
	"sync"
)

const entryTypeEvent = "EVENT"

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type  string               `json:"type"`            // 日志类型: "EVENT"
	Event *types.IncidentEvent `json:"event,omitempty"` // 事故事件
}

// WAL (Write-Ahead Log) 基于 JSON Lines 文件实现只追加的事件日志
// 打开时回放文件重建内存索引，之后每次追加都 fsync 落盘
type WAL struct {
	file  *os.File   // 日志文件句柄
	mu    sync.Mutex // 互斥锁，保证文件写入的原子性
	index *MemoryStore
	torn  bool         // 上次写入失败，可能留下半行
	fsync func() error // 刷盘
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{file: file, index: NewMemoryStore(), fsync: file.Sync}
	if err := w.recover(); err != nil {
		file.Close()
		return nil, fmt.Errorf("回放 WAL 失败: %w", err)
	}
	return w, nil
}

// recover 从日志文件中重建索引
func (w *WAL) recover() error {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		if entry.Type == entryTypeEvent && entry.Event != nil {
			w.index.index(*entry.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// Append 将事件写入日志并更新索引
// 写文件和刷盘只持有 w.mu，读取索引不会等待 fsync
func (w *WAL) Append(_ context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 序号只在 w.mu 内推进，释放索引锁后不会被其他写入占用
	w.index.mu.RLock()
	e, dup := w.index.prepare(e)
	w.index.mu.RUnlock()
	if dup {
		return e, nil
	}

	data, err := json.Marshal(LogEntry{Type: entryTypeEvent, Event: &e})
	if err != nil {
		return types.IncidentEvent{}, err
	}
	data = append(data, '\n')
	if w.torn {
		// 用换行隔开上次失败留下的半行，回放时会被忽略
		data = append([]byte{'\n'}, data...)
	}

	if _, err = w.file.Write(data); err != nil {
		w.torn = true
		return types.IncidentEvent{}, fmt.Errorf("写入 WAL 失败: %w", err)
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	if err = w.fsync(); err != nil {
		w.torn = true
		return types.IncidentEvent{}, fmt.Errorf("刷新 WAL 失败: %w", err)
	}
	w.torn = false

	w.index.mu.Lock()
	w.index.index(e)
	w.index.mu.Unlock()
	return e, nil
}

// LatestPerLine 返回每条产线最近的事件
func (w *WAL) LatestPerLine(ctx context.Context) (map[types.LineID]types.IncidentEvent, error) {
	return w.index.LatestPerLine(ctx)
}

// QueryRange 返回区间内的事件
func (w *WAL) QueryRange(ctx context.Context, f RangeFilter) ([]types.IncidentEvent, error) {
	return w.index.QueryRange(ctx, f)
}

// Recent 返回最近的事件
func (w *WAL) Recent(ctx context.Context, limit int) ([]types.IncidentEvent, error) {
	return w.index.Recent(ctx, limit)
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
