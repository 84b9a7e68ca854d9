// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/metrics"
)

// Launcher creates browser handles for the pool.
type Launcher interface {
	Launch(ctx context.Context) (schemas.BrowserHandle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (schemas.BrowserHandle, error)

func (f LauncherFunc) Launch(ctx context.Context) (schemas.BrowserHandle, error) { return f(ctx) }

// slot is one position in the pool. handle is nil until first use.
type slot struct {
	id     int
	handle schemas.BrowserHandle
}

// Pool owns a fixed number of browser handles and leases them out one caller
// at a time. Handles are launched lazily on first acquire.
type Pool struct {
	launcher Launcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	size     int

	idle chan *slot

	mu     sync.Mutex
	closed bool

	inUse       atomic.Int64
	waits       atomic.Int64
	exhaustions atomic.Int64
	launches    atomic.Int64
}

// PoolStats is a point in time view of pool usage.
type PoolStats struct {
	Size        int   `json:"size"`
	Idle        int   `json:"idle"`
	InUse       int   `json:"in_use"`
	Waits       int64 `json:"waits"`
	Exhaustions int64 `json:"exhaustions"`
	Launches    int64 `json:"launches"`
}

// NewPool creates a pool of size handles.
func NewPool(launcher Launcher, size int, logger *zap.Logger, m *metrics.Metrics) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher cannot be nil")
	}
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		launcher: launcher,
		logger:   logger.Named("browser_pool"),
		metrics:  m,
		size:     size,
		idle:     make(chan *slot, size),
	}
	for i := 0; i < size; i++ {
		p.idle <- &slot{id: i}
	}
	return p, nil
}

// Acquire leases a handle, waiting until one is free or ctx is done. A caller
// that gives up receives a ResourceExhaustion error. Callers must Release the
// lease, typically with defer.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, schemas.NewError(schemas.KindResourceExhaustion, "browser.Acquire", "pool is closed", nil)
	}

	var s *slot
	select {
	case s = <-p.idle:
	default:
		p.waits.Add(1)
		p.metrics.PoolWait()
		p.logger.Debug("No idle browser handle, waiting")
		select {
		case s = <-p.idle:
		case <-ctx.Done():
			p.exhaustions.Add(1)
			p.metrics.PoolExhaustion()
			return nil, schemas.NewError(schemas.KindResourceExhaustion, "browser.Acquire",
				fmt.Sprintf("no handle became free (pool size %d)", p.size), ctx.Err())
		}
	}

	return p.lease(ctx, s)
}

// TryAcquire leases an idle handle without waiting. ok is false when every
// handle is leased.
func (p *Pool) TryAcquire(ctx context.Context) (lease *Lease, ok bool, err error) {
	if p.isClosed() {
		return nil, false, schemas.NewError(schemas.KindResourceExhaustion, "browser.TryAcquire", "pool is closed", nil)
	}
	select {
	case s := <-p.idle:
		lease, err = p.lease(ctx, s)
		return lease, err == nil, err
	default:
		return nil, false, nil
	}
}

func (p *Pool) lease(ctx context.Context, s *slot) (*Lease, error) {
	if s.handle == nil {
		h, err := p.launch(ctx)
		if err != nil {
			p.idle <- s
			return nil, err
		}
		s.handle = h
	}
	p.inUse.Add(1)
	return &Lease{pool: p, slot: s}, nil
}

func (p *Pool) launch(ctx context.Context) (schemas.BrowserHandle, error) {
	h, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, schemas.NewError(schemas.KindHandleStartup, "browser.Launch", "failed to start browser handle", err)
	}
	p.launches.Add(1)
	return h, nil
}

// Replace tears down the handle held by lease and launches a fresh one in its
// place. The lease stays valid and keeps exclusive ownership of the new handle.
// If the launch fails the slot is left empty and will be relaunched on next use.
func (p *Pool) Replace(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.released.Load() {
		return errors.New("cannot replace a released lease")
	}
	old := lease.slot.handle
	lease.slot.handle = nil
	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("Error closing browser handle during replace", zap.Int("slot", lease.slot.id), zap.Error(err))
		}
	}
	h, err := p.launch(ctx)
	if err != nil {
		return err
	}
	lease.slot.handle = h
	p.logger.Info("Browser handle replaced", zap.Int("slot", lease.slot.id))
	return nil
}

func (p *Pool) release(s *slot) {
	p.inUse.Add(-1)
	if p.isClosed() {
		if s.handle != nil {
			_ = s.handle.Close()
			s.handle = nil
		}
	}
	p.idle <- s
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats reports current usage.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:        p.size,
		Idle:        len(p.idle),
		InUse:       int(p.inUse.Load()),
		Waits:       p.waits.Load(),
		Exhaustions: p.exhaustions.Load(),
		Launches:    p.launches.Load(),
	}
}

// Close stops leasing and closes every idle handle. Handles currently leased
// are closed when their lease is released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var drained []*slot
	var errs []error
drain:
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
		default:
			break drain
		}
	}
	for _, s := range drained {
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				errs = append(errs, err)
			}
			s.handle = nil
		}
		p.idle <- s
	}
	p.logger.Info("Browser pool closed", zap.Int64("launches", p.launches.Load()))
	return errors.Join(errs...)
}

// Lease is exclusive access to one pooled handle.
type Lease struct {
	pool     *Pool
	slot     *slot
	released atomic.Bool
}

// Handle returns the leased handle. It must not be used after Release.
func (l *Lease) Handle() schemas.BrowserHandle { return l.slot.handle }

// ID identifies the pool slot backing this lease.
func (l *Lease) ID() int { return l.slot.id }

// Release returns the handle to the pool. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.slot)
}
