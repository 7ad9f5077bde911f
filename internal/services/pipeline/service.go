// Package pipeline turns raw notification events into scored, categorized,
// persisted records. Work is sharded across workers by app id so all state
// for one app is only ever touched by one worker at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"notifiq/internal/advisory"
	"notifiq/internal/engine"
	rtsup "notifiq/internal/runtime/supervisor"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

var (
	ErrQueueFull = errors.New("pipeline queue full")
	ErrStopped   = errors.New("pipeline stopped")
)

// Advisor is the optional second-opinion classifier. Classify errors are
// treated as "no verdict".
type Advisor interface {
	Classify(ctx context.Context, req advisory.Request) (engine.Verdict, error)
}

// Sink receives every classified notification. Delivery decides for itself
// what is worth forwarding.
type Sink interface {
	Deliver(ctx context.Context, n storage.Notification) error
}

type Config struct {
	Workers      int           // default 2
	QueueSize    int           // per worker, default 256
	QuickDismiss time.Duration // default 3s
}

// Item is one inbound notification. Key is the bridge's stable notification
// key used to correlate later open/dismiss feedback.
type Item struct {
	Key   string
	Event engine.Event
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	store   storage.Store
	advisor Advisor
	sink    Sink
	cfg     Config

	accepting bool
	submitWG  sync.WaitGroup
	queues    []chan Item
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

func New(cfg Config, store storage.Store, advisor Advisor, sink Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.QuickDismiss <= 0 {
		cfg.QuickDismiss = 3 * time.Second
	}
	return &Service{
		log:     log,
		store:   store,
		advisor: advisor,
		sink:    sink,
		cfg:     cfg,
	}
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
	if s.queues != nil {
		s.mu.Unlock()
		return
	}

	s.queues = make([]chan Item, s.cfg.Workers)
	for i := range s.queues {
		s.queues[i] = make(chan Item, s.cfg.QueueSize)
	}
	s.accepting = true

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pipeline"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	for i, q := range queues {
		i, q := i, q
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("pipeline worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queues best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queues := s.queues
	sup := s.sup
	if queues == nil {
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
		s.submitWG.Wait()
		for _, q := range queues {
			close(q)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queues = nil
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

// Submit enqueues an event for classification. It never blocks: a full shard
// queue rejects with ErrQueueFull.
func (s *Service) Submit(ctx context.Context, it Item) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if it.Event.AppID == "" {
		return errors.New("pipeline: event has no app id")
	}

	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queues[shard(it.Event.AppID, len(s.queues))]
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case q <- it:
		return nil
	default:
		return ErrQueueFull
	}
}

// SetAdvisor swaps the advisory client; nil disables advisory lookups.
// Safe while the pipeline is running.
func (s *Service) SetAdvisor(a Advisor) {
	s.mu.Lock()
	s.advisor = a
	s.mu.Unlock()
}

// SetSink swaps the delivery sink; nil disables forwarding.
func (s *Service) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// shard maps an app id to a worker index.
func shard(appID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(appID))
	return int(h.Sum32() % uint32(n))
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			if err := s.process(ctx, it); err != nil {
				s.log.Warn("event processing failed",
					logx.String("app", it.Event.AppID), logx.Err(err))
			}
		}
	}
}

// process runs the full classification flow for one event.
func (s *Service) process(ctx context.Context, it Item) error {
	s.mu.Lock()
	advisor, sink := s.advisor, s.sink
	s.mu.Unlock()

	ev := it.Event
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	identity := engine.ExtractIdentity(ev.AppID, ev.Title, ev.Text)

	app, err := s.store.GetOrCreateAppBehavior(ctx, ev.AppID)
	if err != nil {
		return fmt.Errorf("app behavior: %w", err)
	}

	in := engine.ScoreInput{Event: ev, Identity: identity, App: &app}

	if identity.Resolved() {
		cb, err := s.store.GetOrCreateContentBehavior(ctx, ev.AppID, identity.ContentID, identity.Type)
		if err != nil {
			return fmt.Errorf("content behavior: %w", err)
		}
		in.Content = &cb

		pref, err := s.store.GetOrCreateContentPreference(ctx, ev.AppID, identity.ContentID, identity.Type)
		if err != nil {
			return fmt.Errorf("content preference: %w", err)
		}
		in.Preference = &pref
	}

	rules, err := s.store.ListActiveKeywords(ctx)
	if err != nil {
		return fmt.Errorf("keywords: %w", err)
	}
	in.Rules = rules

	lastHour, err := s.store.CountReceivedSince(ctx, ev.AppID, ev.ReceivedAt.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("frequency: %w", err)
	}
	in.LastHour = lastHour

	bd := engine.Score(in)

	// A category lock pins the bucket; the numeric score stays informational.
	if app.Locked && app.LockedCategory != "" {
		bd.Category = app.LockedCategory
	}

	// The advisory verdict is strictly best-effort; the heuristic score
	// stands whenever the provider is slow, down, or rate-limited. Only
	// resolved identities are worth a call: without a content id there is
	// nothing below app granularity for the verdict to refine.
	if advisor != nil && !app.Locked && identity.Resolved() {
		v, err := advisor.Classify(ctx, advisory.Request{
			Text:    ev.Title + " " + ev.Text,
			Channel: identity.ContentID,
		})
		if err == nil {
			if reconciled, applied := engine.ReconcileAdvisory(bd.Final, v); applied {
				bd.Final = reconciled
				bd.Category = engine.CategoryForScore(reconciled)
			}
		} else if !errors.Is(err, advisory.ErrUnavailable) {
			s.log.Warn("advisory error", logx.Err(err))
		}
	}

	rec := storage.Notification{
		Key:         it.Key,
		AppID:       ev.AppID,
		AppName:     ev.AppName,
		Title:       ev.Title,
		Text:        ev.Text,
		ContentID:   identity.ContentID,
		ContentType: identity.Type,
		Score:       bd.Final,
		Category:    bd.Category,
		ReceivedAt:  ev.ReceivedAt,
	}
	if _, err := s.store.InsertNotification(ctx, rec); err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	if err := s.store.IncrementAppReceived(ctx, ev.AppID, ev.ReceivedAt); err != nil {
		return fmt.Errorf("app counter: %w", err)
	}
	if identity.Resolved() {
		if err := s.store.IncrementContentReceived(ctx, ev.AppID, identity.ContentID, ev.ReceivedAt); err != nil {
			return fmt.Errorf("content counter: %w", err)
		}
	}

	s.log.Debug("event classified",
		logx.String("app", ev.AppID),
		logx.String("content", identity.ContentID),
		logx.Int("score", bd.Final),
		logx.String("category", string(bd.Category)),
		logx.Int("base", bd.Base),
		logx.Int("keyword", bd.Keyword),
		logx.Float64("freq_mult", bd.FrequencyMult))

	if sink != nil {
		if err := sink.Deliver(ctx, rec); err != nil {
			s.log.Debug("delivery rejected", logx.String("app", ev.AppID), logx.Err(err))
		}
	}
	return nil
}

// Opened records an open interaction for the notification with the given
// bridge key. Duplicate feedback is a no-op.
func (s *Service) Opened(ctx context.Context, key string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	n, changed, err := s.store.MarkOpened(ctx, key, at)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.store.IncrementAppOpened(ctx, n.AppID); err != nil {
		return err
	}
	if n.ContentID != "" {
		return s.store.IncrementContentOpened(ctx, n.AppID, n.ContentID)
	}
	return nil
}

// Dismissed records a dismissal. Only a dismissal within the quick-dismiss
// window counts as an active "don't want this" signal; swiping away an old
// notification is routine cleanup and trains nothing.
func (s *Service) Dismissed(ctx context.Context, key string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	n, changed, err := s.store.MarkDismissed(ctx, key, at)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.mu.Lock()
	window := s.cfg.QuickDismiss
	s.mu.Unlock()
	if at.Sub(n.ReceivedAt) > window {
		return nil
	}

	if err := s.store.IncrementAppDismissed(ctx, n.AppID); err != nil {
		return err
	}
	if n.ContentID != "" {
		return s.store.IncrementContentDismissed(ctx, n.AppID, n.ContentID)
	}
	return nil
}
