// Package pool 提供有界 worker 池，承载工作流运行与死信归档等后台任务。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个后台任务；ctx 为提交时的上下文
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	task Task
}

// Config 池配置；零值字段使用默认值
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

func DefaultConfig() Config {
	return Config{MaxWorkers: 16, QueueSize: 256, IdleTimeout: time.Minute}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = def.MaxWorkers
	}
	if c.QueueSize < 0 {
		c.QueueSize = def.QueueSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	return c
}

// Pool 按需扩容到 MaxWorkers；空闲 worker 超时退出，至少保留一个。
type Pool struct {
	cfg    Config
	queue  chan job
	logger *zap.Logger

	mu     sync.RWMutex // closed 与入队互斥，保证 close(queue) 之后不再发送
	closed bool

	workers atomic.Int32
	idle    atomic.Int32
	busy    atomic.Int32
	wg      sync.WaitGroup

	n counters
}

type counters struct {
	submitted, completed, failed, rejected, panics atomic.Int64
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// Submit 入队 task，队列满时阻塞直到有空位或 ctx 结束
func (p *Pool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, task, true)
}

// TrySubmit 不等待；队列已满且无法扩容时返回 ErrPoolFull
func (p *Pool) TrySubmit(ctx context.Context, task Task) error {
	return p.enqueue(ctx, task, false)
}

func (p *Pool) enqueue(ctx context.Context, task Task, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.n.submitted.Add(1)
	p.grow()

	j := job{ctx: ctx, task: task}
	if !block {
		select {
		case p.queue <- j:
			return nil
		default:
			p.n.rejected.Add(1)
			return ErrPoolFull
		}
	}
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		p.n.rejected.Add(1)
		return ctx.Err()
	}
}

// grow 没有空闲 worker 且未达上限时启动一个
func (p *Pool) grow() {
	for p.idle.Load() == 0 {
		n := p.workers.Load()
		if n >= int32(p.cfg.MaxWorkers) {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return
		}
	}
}

// retire 非最后一个 worker 时注销自己
func (p *Pool) retire() bool {
	for {
		n := p.workers.Load()
		if n <= 1 {
			return false
		}
		if p.workers.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	timer := time.NewTimer(p.cfg.IdleTimeout)
	defer timer.Stop()

	for {
		p.idle.Add(1)
		select {
		case j, ok := <-p.queue:
			p.idle.Add(-1)
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.execute(j)
			timer.Reset(p.cfg.IdleTimeout)
		case <-timer.C:
			p.idle.Add(-1)
			if p.retire() {
				return
			}
			timer.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *Pool) execute(j job) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.n.panics.Add(1)
				p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return j.task(j.ctx)
	}()

	if err != nil {
		p.n.failed.Add(1)
		p.logger.Debug("task failed", zap.Error(err))
		return
	}
	p.n.completed.Add(1)
}

// Close 停止接收任务，等待已入队任务执行完毕或 ctx 结束
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool drain: %w", ctx.Err())
	}
}

// Stats 池的瞬时快照
type Stats struct {
	Workers   int   `json:"workers"`
	Busy      int   `json:"busy"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Busy:      int(p.busy.Load()),
		Queued:    len(p.queue),
		Submitted: p.n.submitted.Load(),
		Completed: p.n.completed.Load(),
		Failed:    p.n.failed.Load(),
		Rejected:  p.n.rejected.Load(),
		Panics:    p.n.panics.Load(),
	}
}
