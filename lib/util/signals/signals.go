// Package signals maps process signals to registered handlers: SIGHUP to
// reload handlers, SIGINT and SIGTERM to interrupt handlers.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DefaultShutdownTimeout bounds the time interrupt handlers may take before
// Interrupt gives up waiting on them.
const DefaultShutdownTimeout = 10 * time.Second

// Handler is a function called when a signal is received.
type Handler func()

// Registry holds reload and interrupt handlers. Handlers run in
// registration order and a panicking handler does not stop the others.
type Registry struct {
	mu           sync.RWMutex
	reloaders    []Handler
	interrupters []Handler
	timeout      time.Duration
}

// New returns an empty registry using DefaultShutdownTimeout.
func New() *Registry {
	return &Registry{timeout: DefaultShutdownTimeout}
}

// OnReload registers f for SIGHUP. Nil handlers are ignored.
func (r *Registry) OnReload(f Handler) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloaders = append(r.reloaders, f)
}

// OnInterrupt registers f for SIGINT and SIGTERM. Nil handlers are ignored.
func (r *Registry) OnInterrupt(f Handler) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupters = append(r.interrupters, f)
}

// SetShutdownTimeout changes the interrupt handler deadline. Non-positive
// values restore the default.
func (r *Registry) SetShutdownTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 {
		d = DefaultShutdownTimeout
	}
	r.timeout = d
}

// Reload runs the reload handlers.
func (r *Registry) Reload() {
	r.mu.RLock()
	snapshot := append([]Handler(nil), r.reloaders...)
	r.mu.RUnlock()
	runAll("reload", snapshot)
}

// Interrupt runs the interrupt handlers and reports whether they finished
// within the shutdown timeout.
func (r *Registry) Interrupt() bool {
	r.mu.RLock()
	snapshot := append([]Handler(nil), r.interrupters...)
	timeout := r.timeout
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runAll("interrupt", snapshot)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("interrupt handlers timed out")
		return false
	}
}

// Handle dispatches process signals until ctx is done.
func (r *Registry) Handle(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, notifySignals...)
	defer signal.Stop(sigs)
	r.dispatch(ctx, sigs)
}

func (r *Registry) dispatch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			log.WithField("signal", sig.String()).Debug("signal received")
			if isReload(sig) {
				r.Reload()
			} else {
				r.Interrupt()
			}
		}
	}
}

func runAll(kind string, handlers []Handler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logger.Fields{
						"at":    "signals.runAll",
						"kind":  kind,
						"panic": rec,
					}).Error("signal handler panicked")
				}
			}()
			h()
		}()
	}
}
