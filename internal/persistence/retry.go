package persistence

import (
	"context"
	"fmt"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/types"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy 定义追加写入的重试策略
type RetryPolicy struct {
	Attempts   int           `mapstructure:"attempts"`    // 总尝试次数 (含首次)
	Backoff    time.Duration `mapstructure:"backoff"`     // 首次重试前的等待时间，之后指数增长
	MaxBackoff time.Duration `mapstructure:"max_backoff"` // 单次等待上限
}

// DefaultRetryPolicy 默认重试策略
var DefaultRetryPolicy = RetryPolicy{
	Attempts:   5,
	Backoff:    50 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
}

// RetryingStore 为 Append 增加透明重试
// 每次追加在首次尝试前分配幂等键，重试不会产生重复事件
type RetryingStore struct {
	EventStore
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryingStore 包装一个事件存储
func NewRetryingStore(inner EventStore, policy RetryPolicy, logger *slog.Logger) *RetryingStore {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy.Backoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	return &RetryingStore{
		EventStore: inner,
		policy:     policy,
		logger:     logger.With("component", "event-store"),
	}
}

// Append 追加事件，遇到暂时性错误时按指数退避重试
// 重试耗尽或遇到不可重试错误时返回包装了 ErrStorageFatal 的错误
func (s *RetryingStore) Append(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}

	b := retry.NewExponential(s.policy.Backoff)
	b = retry.WithCappedDuration(s.policy.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(s.policy.Attempts-1), b)

	var (
		saved   types.IncidentEvent
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		saved, err = s.EventStore.Append(ctx, e)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		metrics.StorageRetriesTotal.Inc()
		s.logger.Warn("事件写入暂时失败，准备重试",
			"line", e.Line, "phase", e.Phase, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		metrics.StorageFailuresTotal.Inc()
		return types.IncidentEvent{}, fmt.Errorf("%w: 第 %d 次尝试后放弃: %w", ErrStorageFatal, attempt, err)
	}
	metrics.EventsAppendedTotal.WithLabelValues(string(saved.Phase)).Inc()
	return saved, nil
}
