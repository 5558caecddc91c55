// Package shutdown turns termination signals into one cooperative stop flag
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"telemirror/internal/platform/logger"
)

// seams for tests
var (
	notify     = signal.Notify
	stopNotify = signal.Stop
)

// Controller records the first stop request. It never cancels in-flight work;
// callers poll Requested at their own checkpoints
type Controller struct {
	requested atomic.Bool
	count     atomic.Int32

	mu  sync.Mutex
	sig os.Signal

	done     chan struct{}
	doneOnce sync.Once

	onForce func(os.Signal)

	ch       chan os.Signal
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Controller
type Option func(*Controller)

// WithForce sets a hook run on every signal after the first (e.g. exit immediately)
func WithForce(fn func(os.Signal)) Option {
	return func(c *Controller) { c.onForce = fn }
}

// New builds an idle Controller; call Listen to attach it to process signals
func New(opts ...Option) *Controller {
	c := &Controller{
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Listen registers for sigs (SIGINT and SIGTERM when none given) until Stop
func (c *Controller) Listen(sigs ...os.Signal) *Controller {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	c.ch = make(chan os.Signal, 2)
	notify(c.ch, sigs...)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case s := <-c.ch:
				c.Request(s)
			case <-c.quit:
				return
			}
		}
	}()
	return c
}

// Request marks stop as requested. Only the first call records the signal;
// later calls invoke the force hook
func (c *Controller) Request(sig os.Signal) {
	n := c.count.Add(1)
	if n == 1 {
		c.mu.Lock()
		c.sig = sig
		c.mu.Unlock()
		c.requested.Store(true)
		c.doneOnce.Do(func() { close(c.done) })
		logger.Named("shutdown").Warn().Str("signal", name(sig)).
			Msg("stop requested; finishing in-flight tasks, send again to force")
		return
	}
	logger.Named("shutdown").Warn().Str("signal", name(sig)).Int32("count", n).Msg("repeated stop signal")
	if c.onForce != nil {
		c.onForce(sig)
	}
}

// Requested reports whether a stop was requested
func (c *Controller) Requested() bool { return c.requested.Load() }

// Signal returns the first received signal, nil when none
func (c *Controller) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// Done is closed on the first stop request
func (c *Controller) Done() <-chan struct{} { return c.done }

// Stop detaches from process signals. Safe to call more than once
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if c.ch != nil {
			stopNotify(c.ch)
		}
		close(c.quit)
		c.wg.Wait()
	})
}

// ExitCode maps the recorded signal to a process exit code:
// 130 for an interrupt, 0 for a graceful SIGTERM drain or no signal
func (c *Controller) ExitCode() int {
	if c.Signal() == os.Interrupt {
		return 130
	}
	return 0
}

func name(s os.Signal) string {
	if s == nil {
		return "manual"
	}
	return s.String()
}
