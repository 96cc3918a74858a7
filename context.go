package worklets

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// contextState tracks the context lifecycle. Transitions are one-way:
// running to draining on Shutdown, draining to terminated once the queue
// empties and the worker goroutine exits.
type contextState int

const (
	stateRunning contextState = iota
	stateDraining
	stateTerminated
)

// task is a unit of work executed with exclusive access to the context's
// runtime.
type task func(rt *goja.Runtime)

// ContextConfig configures a new worklet context.
type ContextConfig struct {
	// Name labels the context in logs and is exposed to scripts as the
	// global _LABEL.
	Name string

	// Setup, if set, runs on the worker goroutine against the fresh
	// runtime before any submitted work. A Setup error fails NewContext.
	Setup func(rt *goja.Runtime) error
}

// Context owns one JavaScript runtime bound to one worker goroutine and a
// FIFO queue other goroutines use to schedule work onto it. The runtime is
// created on the worker goroutine and is never touched from any other.
type Context struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	queue []task
	state contextState

	rt    *goja.Runtime
	ready chan error
	done  chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = make(map[*goja.Runtime]*Context)

	defaultCtx     *Context
	defaultCtxOnce sync.Once
)

// NewContext spawns a worker goroutine, creates a runtime on it, registers
// the runtime in the process-wide registry and returns once the context is
// ready to accept work.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.Name == "" {
		cfg.Name = "worklet"
	}
	c := &Context{
		name:  cfg.Name,
		ready: make(chan error, 1),
		done:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.run(cfg.Setup)

	if err := <-c.ready; err != nil {
		return nil, fmt.Errorf("starting context %q: %w", cfg.Name, err)
	}
	return c, nil
}

// DefaultContext returns the process-wide default context, creating it on
// first use. It is never recreated, so shutting it down is final.
func DefaultContext() *Context {
	defaultCtxOnce.Do(func() {
		ctx, err := NewContext(ContextConfig{Name: "default"})
		if err != nil {
			Logger().Error("creating default worklet context", zap.Error(err))
			return
		}
		defaultCtx = ctx
	})
	return defaultCtx
}

// CurrentContext resolves the context owning rt, or nil if rt is not
// owned by any live context.
func CurrentContext(rt *goja.Runtime) *Context {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[rt]
}

func register(rt *goja.Runtime, c *Context) {
	registryMu.Lock()
	registry[rt] = c
	registryMu.Unlock()
}

func unregister(rt *goja.Runtime) {
	registryMu.Lock()
	delete(registry, rt)
	registryMu.Unlock()
}

// Name returns the context's label.
func (c *Context) Name() string { return c.name }

// run is the worker goroutine: it creates and bootstraps the runtime,
// then executes queued tasks until the queue drains after Shutdown.
func (c *Context) run(setup func(rt *goja.Runtime) error) {
	rt := goja.New()
	c.bootstrap(rt)

	if setup != nil {
		if err := setup(rt); err != nil {
			c.mu.Lock()
			c.state = stateTerminated
			c.mu.Unlock()
			c.ready <- err
			close(c.done)
			return
		}
	}

	c.rt = rt
	register(rt, c)
	c.ready <- nil

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && c.state == stateRunning {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			// Draining and empty: terminate.
			c.state = stateTerminated
			c.mu.Unlock()
			break
		}
		t := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.safeRun(t, rt)
	}

	// The runtime is released on its owning goroutine only.
	unregister(rt)
	purgeRuntimeCaches(rt)
	c.rt = nil
	close(c.done)
}

// bootstrap decorates a fresh runtime the way the worklet environment
// expects: a `global` alias, the _WORKLET marker, the context label and a
// host-backed console.
func (c *Context) bootstrap(rt *goja.Runtime) {
	global := rt.GlobalObject()
	if err := global.Set("global", global); err != nil {
		Logger().Warn("setting global alias", zap.String("context", c.name), zap.Error(err))
	}
	_ = rt.Set("_WORKLET", true)
	_ = rt.Set("_LABEL", c.name)
	if err := setupConsole(rt, c.name); err != nil {
		Logger().Warn("installing console", zap.String("context", c.name), zap.Error(err))
	}
}

// safeRun executes a task, containing panics so a failing task never
// kills the worker or leaks across the queue boundary.
func (c *Context) safeRun(t task, rt *goja.Runtime) {
	defer func() {
		if p := recover(); p != nil {
			Logger().Error("worklet context task panicked",
				zap.String("context", c.name), zap.Any("panic", p))
		}
	}()
	t(rt)
}

// enqueue appends a task if the context still accepts work. Tasks
// submitted by the same goroutine run in submission order.
func (c *Context) enqueue(t task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return false
	}
	c.queue = append(c.queue, t)
	c.cond.Signal()
	return true
}

// Invoke schedules t to run with exclusive access to the context's
// runtime and returns immediately. Tasks submitted after Shutdown are
// dropped silently.
func (c *Context) Invoke(t func(rt *goja.Runtime)) {
	if !c.enqueue(t) {
		Logger().Debug("dropping task submitted to terminated context",
			zap.String("context", c.name))
	}
}

// InvokeSync schedules t and blocks the calling goroutine until it
// completes, propagating its error or a recovered panic. Calling
// InvokeSync from the context's own worker goroutine deadlocks.
func (c *Context) InvokeSync(t func(rt *goja.Runtime) error) error {
	errCh := make(chan error, 1)
	accepted := c.enqueue(func(rt *goja.Runtime) {
		errCh <- runRecovered(t, rt)
	})
	if !accepted {
		return ErrContextTerminated
	}
	return <-errCh
}

// runRecovered invokes t, converting a panic into an error so it can
// cross the queue boundary to the waiting caller.
func runRecovered(t func(rt *goja.Runtime) error, rt *goja.Runtime) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worklet task panicked: %v", p)
		}
	}()
	return t(rt)
}

// Shutdown stops intake, lets already-queued tasks drain, and blocks
// until the worker goroutine has exited and the runtime is torn down.
// Shutting down twice is harmless.
func (c *Context) Shutdown() {
	c.mu.Lock()
	if c.state == stateRunning {
		c.state = stateDraining
		c.cond.Signal()
	}
	c.mu.Unlock()
	<-c.done
}

// Terminated reports whether the worker goroutine has exited.
func (c *Context) Terminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
