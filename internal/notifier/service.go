package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/runtime/supervisor"
	"lotkeeper/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

// Service queues messages and sends them from one worker. It is safe for
// concurrent use; Start and Stop are idempotent.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger

	accepting  bool
	sendWG     sync.WaitGroup
	queue      chan Message
	sup        *supervisor.Supervisor
	unsub      func()
	listenDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped service. bus may be nil, in which case only Notify
// produces messages.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log.With(logx.String("comp", "notifier"))}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the delivery settings. Enabling or disabling takes effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
}

// SetSender swaps the delivery backend. A running service picks it up on the
// next message.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Start begins listening on the bus and sending. It does nothing when the
// service is disabled or has no sender.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	q := make(chan Message, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.sup.GoRestart("send", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return c.Err()
			case m, ok := <-q:
				if !ok {
					return nil
				}
				s.deliver(c, m)
			}
		}
	})

	if s.bus == nil {
		return
	}
	events, unsub := eventbus.Filter(s.bus, 32, Events...)
	done := make(chan struct{})
	s.unsub, s.listenDone = unsub, done
	go func() {
		defer close(done)
		for e := range events {
			text, ok := formatEvent(e)
			if !ok {
				continue
			}
			if err := s.enqueue(q, text); err != nil {
				s.log.Warn("notification dropped", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}()
}

// Stop refuses new messages and drains the queue until ctx is done, after
// which pending messages are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	q, sup, unsub, listenDone := s.queue, s.sup, s.unsub, s.listenDone
	s.accepting = false
	s.queue, s.sup, s.unsub, s.listenDone = nil, nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
		<-listenDone
	}
	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier stop incomplete", logx.Int("pending", len(q)), logx.Err(err))
	}
}

// Notify queues text for delivery to the configured chat.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()
	return s.enqueue(q, text)
}

func (s *Service) enqueue(q chan<- Message, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	m := Message{ChatID: s.cfg.ChatID, ThreadID: s.cfg.ThreadID, Text: text}
	s.mu.Unlock()
	select {
	case q <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	var err error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = sender.Send(sctx, m)
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	item := HistoryItem{At: time.Now(), Text: m.Text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("notification failed", logx.Err(err))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns the most recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// retryDelay is the wait before attempt+1: exponential from RetryBase, capped
// at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
