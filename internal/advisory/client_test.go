package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "notifiq/pkg/logx"
)

func TestClassifyChatCompletions(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Messages) == 1 {
			gotPrompt = body.Messages[0].Content
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"important\": true, \"reason\": \"delivery update\", \"confidence\": 0.9}"}}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		Provider: ProviderOpenAI, APIKey: "sk-test", BaseURL: srv.URL,
		PreferenceHint: "work chats matter",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := c.Classify(context.Background(), Request{Text: "Your package arrived", Channel: "DHL"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Important || v.Confidence != 0.9 {
		t.Fatalf("verdict = %+v", v)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	for _, want := range []string{"Your package arrived", "DHL", "work chats matter"} {
		if !strings.Contains(gotPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestClassifyAnthropic(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		_, _ = w.Write([]byte(`{"content":[{"text":"{\"important\": false, \"reason\": \"promo\", \"confidence\": 0.85}"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderAnthropic, APIKey: "ak-test", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := c.Classify(context.Background(), Request{Text: "50% off today only"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if v.Important || v.Reason != "promo" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestClassifyGemini(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "gk-test" {
			t.Errorf("key query param = %q", r.URL.Query().Get("key"))
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"important\": true, \"reason\": \"otp\", \"confidence\": 0.95}"}]}}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderGemini, APIKey: "gk-test", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v, err := c.Classify(context.Background(), Request{Text: "Your code is 123456"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !v.Important || v.Confidence != 0.95 {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestClassifyServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderOpenAI, APIKey: "sk", BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Classify(context.Background(), Request{Text: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestClassifyRateLimited(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"important\": false, \"reason\": \"\", \"confidence\": 0.8}"}}]}`))
	}))
	defer srv.Close()

	// Burst of 1: the second call must be rejected locally.
	c, err := New(Config{Provider: ProviderOpenAI, APIKey: "sk", BaseURL: srv.URL, RatePerMin: 1}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Classify(context.Background(), Request{Text: "a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.Classify(context.Background(), Request{Text: "b"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second call err = %v, want ErrUnavailable", err)
	}
	if calls != 1 {
		t.Fatalf("server calls = %d, want 1", calls)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown provider", cfg: Config{Provider: "bard", APIKey: "k"}},
		{name: "missing api key", cfg: Config{Provider: ProviderOpenAI}},
		{name: "custom without base url", cfg: Config{Provider: ProviderCustom, APIKey: "k", Model: "m"}},
		{name: "custom without model", cfg: Config{Provider: ProviderCustom, APIKey: "k", BaseURL: "http://x"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, logx.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		text       string
		important  bool
		confidence float64
	}{
		{
			name:       "plain json",
			text:       `{"important": true, "reason": "urgent", "confidence": 0.9}`,
			important:  true,
			confidence: 0.9,
		},
		{
			name:       "fenced json",
			text:       "```json\n{\"important\": false, \"reason\": \"spam\", \"confidence\": 0.8}\n```",
			important:  false,
			confidence: 0.8,
		},
		{
			name:       "prose fallback positive",
			text:       "This looks important to me.",
			important:  true,
			confidence: 0.5,
		},
		{
			name:       "prose fallback negated",
			text:       "This is not important.",
			important:  false,
			confidence: 0.5,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			v := parseVerdict(tt.text)
			if v.Important != tt.important || v.Confidence != tt.confidence {
				t.Fatalf("verdict = %+v", v)
			}
		})
	}
}
