package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"calmanage/internal/eventbus"
	rtsup "calmanage/internal/runtime/supervisor"
	logx "calmanage/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled    = errors.New("mail disabled")
	ErrQueueFull   = errors.New("mail queue full")
	ErrStopped     = errors.New("mail pipeline stopped")
	ErrNoRecipient = errors.New("mail: no recipient")
)

// Service is an async delivery pipeline: queue, worker pool, rate limit.
// Failed sends are logged and published, never retried.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Message
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	queued  atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the rate limit and enable flag. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender replaces the transport used by subsequent sends.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("mail.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("mail worker exited unexpectedly")
		})
	}
}

// Stop blocks intake and drains the queue until ctx ends; after that the
// workers are cancelled and queued messages are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = sup.Stop(context.Background())
		<-done
	}
}

// Enqueue hands m to the workers without waiting for delivery.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(m.To) == "" {
		return ErrNoRecipient
	}

	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- m:
		s.queued.Add(1)
		s.publish(eventbus.TypeMailQueued, m, nil)
		return nil
	default:
		s.dropped.Add(1)
		s.publish(eventbus.TypeMailDropped, m, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) deliver(runCtx context.Context, m Message) {
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}
	if err := lim.Wait(runCtx); err != nil {
		s.dropped.Add(1)
		s.publish(eventbus.TypeMailDropped, m, err)
		return
	}

	// In-flight sends are not cancelled by shutdown.
	err := sender.Send(context.WithoutCancel(runCtx), m)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("mail send failed", logx.String("to", m.To), logx.String("subject", m.Subject), logx.Err(err))
		s.publish(eventbus.TypeMailFailed, m, err)
		return
	}
	s.sent.Add(1)
	s.log.Debug("mail sent", logx.String("to", m.To), logx.String("subject", m.Subject))
	s.publish(eventbus.TypeMailSent, m, nil)
}

func (s *Service) publish(typ string, m Message, err error) {
	now := time.Now()
	ev := MailEvent{To: m.To, Subject: m.Subject, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// AlertSender returns a logx.AlertSender that mails alerts to the operator.
// It returns nil when to is empty.
func (s *Service) AlertSender(to string) logx.AlertSender {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil
	}
	return alertSender{svc: s, to: to}
}

type alertSender struct {
	svc *Service
	to  string
}

func (a alertSender) Alert(ctx context.Context, subject, body string) error {
	return a.svc.Enqueue(ctx, Message{To: a.to, Subject: subject, Text: body})
}
