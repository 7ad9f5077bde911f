package debug

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

func TestStatuszDumpsBehavior(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.GetOrCreateAppBehavior(context.Background(), "com.whatsapp"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := New(Config{}, st, logx.Nop())
	rec := httptest.NewRecorder()
	svc.statusz(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "com.whatsapp") {
		t.Fatalf("body missing app: %s", rec.Body.String())
	}
}

func TestWithToken(t *testing.T) {
	t.Parallel()
	var hits int
	h := withToken("s3cret", func(w http.ResponseWriter, r *http.Request) { hits++ })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	h(httptest.NewRecorder(), req)
	if hits != 0 {
		t.Fatal("unauthenticated request passed")
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	h(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/x?token=s3cret", nil)
	h(httptest.NewRecorder(), req)

	if hits != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := svc.serveOnce(context.Background()); err != nil {
		t.Fatalf("expected silent refusal, got %v", err)
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"no-port":        false,
	}
	for addr, want := range cases {
		if got := isLoopback(addr); got != want {
			t.Fatalf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
