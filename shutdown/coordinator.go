package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/openrobobrain/braincore/logging"
)

// Coordinator runs registered handlers phase by phase on shutdown.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	stopErr error
	done    chan struct{}
	results []Result
	signals chan os.Signal
	started time.Time
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(cfg Config, log *logging.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if log == nil {
		log = logging.New()
	}
	return &Coordinator{
		config:  cfg,
		log:     log.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}, nil
}

// Register adds a handler under a phase. Lower phases stop first; handlers
// sharing a phase stop concurrently.
func (c *Coordinator) Register(name string, phase int, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc adds a plain function under a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Stop runs the shutdown sequence. A second call returns the first call's
// outcome once it finishes, or ErrAlreadyStopped while it is still running.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.once.Do(func() {
		c.started = time.Now()
		c.stopErr = c.run(ctx)
		close(c.done)
	})

	select {
	case <-c.done:
		return c.stopErr
	default:
		return ErrAlreadyStopped
	}
}

// StopWithTimeout runs the shutdown sequence under a deadline. Zero uses the
// configured default.
func (c *Coordinator) StopWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Stop(ctx)
}

// HandleSignals stops the core on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signals
		c.log.Info("signal_shutdown")
		_ = c.StopWithTimeout(0)
	}()
}

// Trigger injects a shutdown signal, as if SIGTERM had been received.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed once shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown outcome. Nil until Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.stopErr
	default:
		return nil
	}
}

// Results returns per-handler outcomes. Nil until Done is closed.
func (c *Coordinator) Results() []Result {
	select {
	case <-c.done:
		return c.results
	default:
		return nil
	}
}

// run executes the phases in order.
func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			return ErrTimeout
		default:
		}

		for _, res := range c.runPhase(ctx, group) {
			c.results = append(c.results, res)
			if res.Err == nil {
				continue
			}
			c.log.Warn("handler_failed", map[string]interface{}{
				"handler": res.Name,
				"phase":   res.Phase,
				"error":   res.Err.Error(),
			})
			if overallErr == nil {
				overallErr = ErrHandlerFailed
			}
			if !c.config.ContinueOnError {
				return overallErr
			}
		}
	}
	return overallErr
}

// runPhase stops one phase's handlers concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Result {
	results := make([]Result, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			res := Result{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = res
			if c.config.OnProgress != nil {
				c.config.OnProgress(res)
			}
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted registrations into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}
	var groups [][]registration
	var current []registration
	phase := handlers[0].phase
	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
