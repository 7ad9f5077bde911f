// Package delivery forwards high-importance notifications to a Telegram chat.
// It is an async pipeline sink: queue + worker + rate limit + dedup. Losing a
// forward is acceptable; blocking the classification pipeline is not.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifiq/internal/engine"
	rtsup "notifiq/internal/runtime/supervisor"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

// Sender delivers one rendered message. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled     bool
	MinCategory engine.Category // default IMPORTANT
	RatePerSec  int             // default 3
	QueueSize   int             // default 256
	DedupWindow time.Duration   // default 10m
}

type job struct {
	text     string
	dedupKey string
}

// Service is safe for concurrent use and implements the pipeline sink.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MinCategory == "" {
		cfg.MinCategory = engine.CategoryImportant
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Service{
		log:     log,
		sender:  sender,
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

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

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "delivery"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	sup.GoRestart("sender", func(c context.Context) error {
		s.senderLoop(c, q)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return context.Canceled
		}
		return errors.New("delivery sender exited unexpectedly")
	})
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

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
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver enqueues a notification for forwarding if it clears the category
// threshold and the dedup window. It never blocks.
func (s *Service) Deliver(ctx context.Context, n storage.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	minCat := s.cfg.MinCategory
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if categoryRank(n.Category) < categoryRank(minCat) {
		return nil
	}

	key := dedupKey(n)
	if !s.dedupAllow(ctx, key, window) {
		s.log.Debug("forward suppressed", logx.String("app", n.AppID), logx.String("key", key))
		return nil
	}

	select {
	case q <- job{text: render(n), dedupKey: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) senderLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	const attempts = 3
	for i := 1; i <= attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.Send(cctx, j.text)
		cancel()
		if err == nil {
			return
		}
		s.log.Debug("forward failed", logx.Err(err), logx.Int("attempt", i))
		if i == attempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(i) * 500 * time.Millisecond):
		}
	}
}

// dedupAllow consults the in-memory cache first, then the store for
// cross-restart suppression. Both writes are best-effort.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, exp := range s.dedup {
		if !now.Before(exp) {
			delete(s.dedup, k)
		}
	}
	s.dmu.Unlock()

	if s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = s.store.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}

func dedupKey(n storage.Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.AppID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.ContentID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(n.Title))
	return fmt.Sprintf("%x", h.Sum64())
}

func categoryRank(c engine.Category) int {
	switch c {
	case engine.CategoryCritical:
		return 3
	case engine.CategoryImportant:
		return 2
	case engine.CategoryNormal:
		return 1
	default:
		return 0
	}
}

func glyph(c engine.Category) string {
	switch c {
	case engine.CategoryCritical:
		return "\U0001F6A8 " // police light
	case engine.CategoryImportant:
		return "⚠️ " // warning sign
	case engine.CategoryNormal:
		return "ℹ️ " // information
	default:
		return ""
	}
}

func render(n storage.Notification) string {
	name := n.AppName
	if name == "" {
		name = n.AppID
	}
	head := glyph(n.Category) + "[" + name + "]"
	if n.Title != "" {
		head += " " + n.Title
	}
	if n.Text == "" {
		return head
	}
	return head + "\n" + n.Text
}
