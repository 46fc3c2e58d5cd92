package heartbeat

import (
	"context"
	"sync/atomic"
	"time"
)

// Sender emits periodic heartbeats through a transport send function.
type Sender struct {
	config  SenderConfig
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	return &Sender{config: cfg}, nil
}

// Start begins sending heartbeats at the configured interval. The first
// heartbeat is sent immediately. Send failures are tolerated; the loop keeps
// ticking so a recovered connection resumes coverage.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.beat()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.beat()
			}
		}
	}()
	return nil
}

func (s *Sender) beat() {
	_ = s.config.Send(NewMessage(s.config.AgentID))
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
