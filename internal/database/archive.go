package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/pool"
)

// =============================================================================
// 🪦 死信归档
// =============================================================================

// ErrDeadLetterNotFound 归档中不存在该记录
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetterRecord 死信归档表
type DeadLetterRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EnvelopeID    string    `gorm:"size:64;index" json:"envelope_id"`
	Type          string    `gorm:"size:128;index" json:"type"`
	Sender        string    `gorm:"size:128" json:"sender,omitempty"`
	Reason        string    `gorm:"size:64;index" json:"reason"`
	Route         string    `gorm:"size:128" json:"route,omitempty"`
	Target        string    `gorm:"size:256" json:"target,omitempty"`
	HopCount      int       `json:"hop_count"`
	CorrelationID string    `gorm:"size:64;index" json:"correlation_id,omitempty"`
	Envelope      string    `gorm:"type:text" json:"envelope"`
	DeadAt        time.Time `gorm:"index" json:"dead_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 指定表名
func (DeadLetterRecord) TableName() string { return "dead_letters" }

// DecodeEnvelope 还原归档时的信封（含死信头部）
func (r DeadLetterRecord) DecodeEnvelope() (*bus.Envelope, error) {
	var env bus.Envelope
	if err := json.Unmarshal([]byte(r.Envelope), &env); err != nil {
		return nil, fmt.Errorf("decode archived envelope %d: %w", r.ID, err)
	}
	return &env, nil
}

// DeadLetterQuery 查询条件，零值字段不参与过滤
type DeadLetterQuery struct {
	Reason string
	Type   string
	Since  time.Time
	Limit  int
}

const (
	defaultQueryLimit = 100
	storeRetries      = 3
)

// Archive 将总线死信持久化到关系数据库
type Archive struct {
	pm      *PoolManager
	logger  *zap.Logger
	dropped atomic.Uint64
}

// NewArchive 创建归档
func NewArchive(pm *PoolManager, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{pm: pm, logger: logger.With(zap.String("component", "deadletter_archive"))}
}

// Migrate 建表
func (a *Archive) Migrate(ctx context.Context) error {
	if err := a.pm.DB().WithContext(ctx).AutoMigrate(&DeadLetterRecord{}); err != nil {
		return fmt.Errorf("migrate dead letter archive: %w", err)
	}
	return nil
}

// Store 写入一条死信，遇到可重试错误时按指数退避重试
func (a *Archive) Store(ctx context.Context, dl bus.DeadLetter) error {
	if dl.Envelope == nil {
		return errors.New("dead letter has no envelope")
	}
	data, err := json.Marshal(dl.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	rec := DeadLetterRecord{
		EnvelopeID:    dl.Envelope.ID,
		Type:          dl.Envelope.Type,
		Sender:        dl.Envelope.Sender,
		Reason:        dl.Reason,
		Route:         dl.Route,
		Target:        dl.Target,
		HopCount:      dl.Envelope.HopCount,
		CorrelationID: dl.Envelope.CorrelationID,
		Envelope:      string(data),
		DeadAt:        dl.At,
	}
	return a.pm.WithTransactionRetry(ctx, storeRetries, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
}

// Attach 订阅总线死信事件，并通过工作池异步写库，返回取消订阅函数。
// 监听器不阻塞：池满时丢弃并计数。
func (a *Archive) Attach(b *bus.AgentBus, p *pool.Pool) (detach func()) {
	return b.OnEvent(func(ev bus.Event) {
		if ev.Kind != bus.EventDeadLettered || ev.DeadLetter == nil {
			return
		}
		dl := *ev.DeadLetter
		err := p.TrySubmit(context.Background(), func(ctx context.Context) error {
			if err := a.Store(ctx, dl); err != nil {
				a.logger.Error("failed to archive dead letter",
					zap.String("envelope_id", dl.Envelope.ID),
					zap.String("reason", dl.Reason),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
		if err != nil {
			a.dropped.Add(1)
			a.logger.Warn("dead letter not archived", zap.String("reason", dl.Reason), zap.Error(err))
		}
	})
}

// Dropped 返回因工作池满或关闭而未归档的死信数
func (a *Archive) Dropped() uint64 { return a.dropped.Load() }

// Query 按条件查询，最新的在前
func (a *Archive) Query(ctx context.Context, q DeadLetterQuery) ([]DeadLetterRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	tx := a.pm.DB().WithContext(ctx).Model(&DeadLetterRecord{})
	if q.Reason != "" {
		tx = tx.Where("reason = ?", q.Reason)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("dead_at >= ?", q.Since)
	}

	var out []DeadLetterRecord
	if err := tx.Order("dead_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	return out, nil
}

// Get 按 ID 读取
func (a *Archive) Get(ctx context.Context, id uint) (*DeadLetterRecord, error) {
	var rec DeadLetterRecord
	err := a.pm.DB().WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("get dead letter %d: %w", id, ErrDeadLetterNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	return &rec, nil
}

// CountByReason 按原因汇总
func (a *Archive) CountByReason(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Reason string
		Count  int64
	}
	err := a.pm.DB().WithContext(ctx).
		Model(&DeadLetterRecord{}).
		Select("reason, COUNT(*) AS count").
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Reason] = r.Count
	}
	return out, nil
}

// Purge 删除 before 之前的归档，返回删除条数
func (a *Archive) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := a.pm.DB().WithContext(ctx).Where("dead_at < ?", before).Delete(&DeadLetterRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge dead letters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
