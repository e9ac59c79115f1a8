package sandbox

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/flumeworks/flume/common/models"
	"github.com/robertkrimen/otto"
)

// PoolOpts configures the sandbox pool.
type PoolOpts struct {
	// Size is the number of pre-created instances. Zero means
	// runtime.GOMAXPROCS(0).
	Size int

	// HardCap bounds lazy growth. Zero means 4x Size.
	HardCap int

	// AcquireTimeout bounds how long a caller waits for a lease when
	// the pool is empty and at the cap.
	AcquireTimeout time.Duration

	// DefaultTimeout bounds invocations that do not override it.
	DefaultTimeout time.Duration

	Logger Logger
}

// Pool maintains leased sandbox instances. Interpreter construction
// is amortized by copying a pristine template runtime; a released
// instance is reset from the template so no state crosses leases.
type Pool struct {
	free           chan *Instance
	template       *otto.Otto
	logger         Logger
	defaultTimeout time.Duration
	acquireTimeout time.Duration

	mu      sync.Mutex
	created int
	hardCap int
}

// NewPool creates the pool and pre-creates Size instances.
func NewPool(opts PoolOpts) *Pool {
	size := opts.Size
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	hardCap := opts.HardCap
	if hardCap <= 0 {
		hardCap = size * 4
	}
	if hardCap < size {
		hardCap = size
	}
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 2 * time.Second
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}

	p := &Pool{
		free:           make(chan *Instance, hardCap),
		template:       otto.New(),
		logger:         opts.Logger,
		defaultTimeout: defaultTimeout,
		acquireTimeout: acquireTimeout,
		hardCap:        hardCap,
	}
	for i := 0; i < size; i++ {
		p.free <- p.newInstance()
	}
	p.created = size

	p.logger.Info("sandbox pool ready",
		"size", size,
		"hard_cap", hardCap,
		"acquire_timeout", acquireTimeout,
		"default_timeout", defaultTimeout)
	return p
}

func (p *Pool) newInstance() *Instance {
	return &Instance{
		vm:     p.template.Copy(),
		pool:   p,
		logger: p.logger,
	}
}

// Acquire leases an instance: a free one when available, a fresh one
// while under the hard cap, otherwise it waits up to the acquire
// timeout and reports the pool as unavailable.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case inst := <-p.free:
		return inst, nil
	default:
	}

	p.mu.Lock()
	if p.created < p.hardCap {
		p.created++
		n := p.created
		p.mu.Unlock()
		p.logger.Debug("sandbox pool growing", "created", n, "hard_cap", p.hardCap)
		return p.newInstance(), nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case inst := <-p.free:
		return inst, nil
	case <-ctx.Done():
		return nil, models.WrapErr(models.ErrResourceLimit, ctx.Err(), "sandbox unavailable: acquire cancelled")
	case <-timer.C:
		return nil, models.Errf(models.ErrResourceLimit, "sandbox unavailable: pool exhausted after %s", p.acquireTimeout)
	}
}

// Release resets the instance and returns it to the free list.
func (p *Pool) Release(inst *Instance) {
	if inst == nil {
		return
	}
	// Scripts may have assigned globals; a template copy guarantees
	// the next lease starts clean.
	inst.vm = p.template.Copy()
	select {
	case p.free <- inst:
	default:
		// Free list is full; drop the instance.
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
	}
}

// Execute leases an instance, runs the script, and returns the
// instance to the pool.
func (p *Pool) Execute(ctx context.Context, req *ScriptRequest) (*ScriptResult, error) {
	inst, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(inst)
	return inst.run(ctx, req)
}
