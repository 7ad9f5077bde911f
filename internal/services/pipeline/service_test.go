package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notifiq/internal/advisory"
	"notifiq/internal/engine"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

type stubAdvisor struct {
	verdict engine.Verdict
	err     error
	calls   int
}

func (a *stubAdvisor) Classify(ctx context.Context, req advisory.Request) (engine.Verdict, error) {
	a.calls++
	return a.verdict, a.err
}

type recordingSink struct {
	mu   sync.Mutex
	seen []storage.Notification
}

func (s *recordingSink) Deliver(ctx context.Context, n storage.Notification) error {
	s.mu.Lock()
	s.seen = append(s.seen, n)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []storage.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Notification(nil), s.seen...)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func runOne(t *testing.T, svc *Service, it Item) {
	t.Helper()
	ctx := context.Background()
	svc.Start(ctx)
	if err := svc.Submit(ctx, it); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	svc.Stop(stopCtx)
}

func TestProcessPersistsAndCounts(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	sink := &recordingSink{}
	svc := New(Config{Workers: 1}, st, nil, sink, logx.Nop())

	now := time.Now()
	runOne(t, svc, Item{
		Key: "k1",
		Event: engine.Event{
			AppID: "com.whatsapp", AppName: "WhatsApp",
			Title: "Alice", Text: "lunch?", ReceivedAt: now,
		},
	})

	ctx := context.Background()
	app, err := st.GetOrCreateAppBehavior(ctx, "com.whatsapp")
	if err != nil {
		t.Fatalf("app behavior: %v", err)
	}
	if app.TotalReceived != 1 {
		t.Fatalf("TotalReceived = %d, want 1", app.TotalReceived)
	}

	cb, err := st.GetOrCreateContentBehavior(ctx, "com.whatsapp", "Alice", engine.ContentContact)
	if err != nil {
		t.Fatalf("content behavior: %v", err)
	}
	if cb.TotalReceived != 1 {
		t.Fatalf("content TotalReceived = %d, want 1", cb.TotalReceived)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	if got[0].ContentID != "Alice" || got[0].ContentType != engine.ContentContact {
		t.Fatalf("identity = %q/%q", got[0].ContentID, got[0].ContentType)
	}
	// Messaging base 60 with a resolved contact and no history.
	if got[0].Score != 60 || got[0].Category != engine.CategoryImportant {
		t.Fatalf("score/category = %d/%s", got[0].Score, got[0].Category)
	}
}

func TestProcessAppliesAdvisory(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	sink := &recordingSink{}
	adv := &stubAdvisor{verdict: engine.Verdict{Important: true, Reason: "time sensitive", Confidence: 0.9}}
	svc := New(Config{Workers: 1}, st, adv, sink, logx.Nop())

	runOne(t, svc, Item{
		Key:   "k1",
		Event: engine.Event{AppID: "com.whatsapp", Title: "Alice", Text: "plain note"},
	})

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	// Messaging base 60 would be IMPORTANT; a confident verdict lifts it to
	// max(60+15, 70) = 75.
	if got[0].Score != 75 || got[0].Category != engine.CategoryCritical {
		t.Fatalf("score/category = %d/%s", got[0].Score, got[0].Category)
	}
	if adv.calls != 1 {
		t.Fatalf("advisor calls = %d, want 1", adv.calls)
	}
}

func TestProcessSkipsAdvisoryWithoutIdentity(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	sink := &recordingSink{}
	adv := &stubAdvisor{verdict: engine.Verdict{Important: true, Confidence: 0.9}}
	svc := New(Config{Workers: 1}, st, adv, sink, logx.Nop())

	// Unknown app, no extractable identity: nothing below app granularity
	// for a verdict to refine, so the classifier is never consulted.
	runOne(t, svc, Item{
		Key:   "k1",
		Event: engine.Event{AppID: "com.some.app", Title: "hello", Text: "plain note"},
	})

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	if adv.calls != 0 {
		t.Fatalf("advisor calls = %d, want 0 for unresolved identity", adv.calls)
	}
	if got[0].Score != 30 || got[0].Category != engine.CategoryNormal {
		t.Fatalf("score/category = %d/%s, want heuristic 30/NORMAL", got[0].Score, got[0].Category)
	}
}

func TestProcessFailsOpenWhenAdvisoryDown(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	sink := &recordingSink{}
	adv := &stubAdvisor{err: advisory.ErrUnavailable}
	svc := New(Config{Workers: 1}, st, adv, sink, logx.Nop())

	runOne(t, svc, Item{
		Key:   "k1",
		Event: engine.Event{AppID: "com.whatsapp", Title: "Alice", Text: "plain note"},
	})

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	if got[0].Score != 60 || got[0].Category != engine.CategoryImportant {
		t.Fatalf("score/category = %d/%s, want heuristic 60/IMPORTANT", got[0].Score, got[0].Category)
	}
	if adv.calls != 1 {
		t.Fatalf("advisor calls = %d, want 1", adv.calls)
	}
}

func TestProcessHonorsCategoryLock(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	sink := &recordingSink{}
	adv := &stubAdvisor{verdict: engine.Verdict{Important: false, Confidence: 0.95}}
	svc := New(Config{Workers: 1}, st, adv, sink, logx.Nop())

	// Lock an app whose events resolve an identity, so the lock alone is
	// what keeps the advisor out of the loop.
	ctx := context.Background()
	if err := st.SetAppLock(ctx, "com.whatsapp", engine.CategoryCritical, nil); err != nil {
		t.Fatalf("SetAppLock: %v", err)
	}

	runOne(t, svc, Item{
		Key:   "k1",
		Event: engine.Event{AppID: "com.whatsapp", Title: "Alice", Text: "plain note"},
	})

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}
	if got[0].Category != engine.CategoryCritical {
		t.Fatalf("category = %s, want locked CRITICAL", got[0].Category)
	}
	if adv.calls != 0 {
		t.Fatalf("advisor consulted for locked app (%d calls)", adv.calls)
	}
}

func TestOpenedFeedback(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	svc := New(Config{Workers: 1}, st, nil, nil, logx.Nop())

	now := time.Now()
	runOne(t, svc, Item{
		Key:   "k1",
		Event: engine.Event{AppID: "com.whatsapp", Title: "Alice", Text: "hi", ReceivedAt: now},
	})

	ctx := context.Background()
	if err := svc.Opened(ctx, "k1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Opened: %v", err)
	}
	// Duplicate feedback is ignored.
	if err := svc.Opened(ctx, "k1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("duplicate Opened: %v", err)
	}

	app, err := st.GetOrCreateAppBehavior(ctx, "com.whatsapp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.TotalOpened != 1 {
		t.Fatalf("TotalOpened = %d, want 1", app.TotalOpened)
	}
	cb, err := st.GetOrCreateContentBehavior(ctx, "com.whatsapp", "Alice", engine.ContentContact)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if cb.TotalOpened != 1 {
		t.Fatalf("content TotalOpened = %d, want 1", cb.TotalOpened)
	}
}

func TestQuickDismissWindow(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	svc := New(Config{Workers: 1, QuickDismiss: 3 * time.Second}, st, nil, nil, logx.Nop())

	now := time.Now()
	svc.Start(context.Background())
	for _, it := range []Item{
		{Key: "fast", Event: engine.Event{AppID: "com.promo.app", Title: "Sale", ReceivedAt: now}},
		{Key: "slow", Event: engine.Event{AppID: "com.promo.app", Title: "Sale 2", ReceivedAt: now}},
	} {
		if err := svc.Submit(context.Background(), it); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	ctx := context.Background()
	// Within the window: counts as a dismissal signal.
	if err := svc.Dismissed(ctx, "fast", now.Add(2*time.Second)); err != nil {
		t.Fatalf("Dismissed fast: %v", err)
	}
	// After the window: routine cleanup, not a signal.
	if err := svc.Dismissed(ctx, "slow", now.Add(time.Minute)); err != nil {
		t.Fatalf("Dismissed slow: %v", err)
	}

	app, err := st.GetOrCreateAppBehavior(ctx, "com.promo.app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if app.TotalDismissed != 1 {
		t.Fatalf("TotalDismissed = %d, want 1", app.TotalDismissed)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	svc := New(Config{Workers: 1}, st, nil, nil, logx.Nop())
	svc.Start(context.Background())
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	err := svc.Submit(context.Background(), Item{Event: engine.Event{AppID: "com.x"}})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
