// Package advisory asks an external LLM provider for a second opinion on a
// notification. The verdict is advisory only: any failure here must leave the
// heuristic score untouched, so every error path collapses into
// ErrUnavailable and the caller fails open.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notifiq/internal/engine"
	logx "notifiq/pkg/logx"
)

// ErrUnavailable is returned for any transport, provider, or rate-limit
// failure. Callers treat it as "no verdict".
var ErrUnavailable = errors.New("advisory: unavailable")

// Provider endpoints. BaseURL in Config overrides these; the "custom"
// provider (any OpenAI-compatible API) requires one.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderCustom    = "custom"
)

const (
	openAIURL    = "https://api.openai.com/v1/chat/completions"
	anthropicURL = "https://api.anthropic.com/v1/messages"
	geminiURL    = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

	defaultOpenAIModel    = "gpt-4o-mini"
	defaultAnthropicModel = "claude-3-5-haiku-20241022"
	defaultGeminiModel    = "gemini-2.0-flash-exp"

	maxTokens      = 200
	temperature    = 0.3
	defaultTimeout = 5 * time.Second
)

// Config configures the advisory client.
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	PreferenceHint string
	Timeout        time.Duration
	RatePerMin     int
}

// Request is one notification to classify.
type Request struct {
	Text    string
	Channel string // sender/channel name, empty when unresolved
}

// Client is safe for concurrent use.
type Client struct {
	provider string
	apiKey   string
	url      string
	model    string
	hint     string
	timeout  time.Duration

	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	c := &Client{
		provider: strings.ToLower(strings.TrimSpace(cfg.Provider)),
		apiKey:   cfg.APIKey,
		url:      strings.TrimSpace(cfg.BaseURL),
		model:    strings.TrimSpace(cfg.Model),
		hint:     cfg.PreferenceHint,
		timeout:  cfg.Timeout,
		hc:       &http.Client{},
		log:      log,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}

	switch c.provider {
	case ProviderOpenAI:
		if c.url == "" {
			c.url = openAIURL
		}
		if c.model == "" {
			c.model = defaultOpenAIModel
		}
	case ProviderAnthropic:
		if c.url == "" {
			c.url = anthropicURL
		}
		if c.model == "" {
			c.model = defaultAnthropicModel
		}
	case ProviderGemini:
		if c.model == "" {
			c.model = defaultGeminiModel
		}
		if c.url == "" {
			c.url = fmt.Sprintf(geminiURL, c.model)
		}
	case ProviderCustom:
		if c.url == "" {
			return nil, errors.New("advisory: custom provider requires base_url")
		}
		if c.model == "" {
			return nil, errors.New("advisory: custom provider requires model")
		}
	default:
		return nil, fmt.Errorf("advisory: unknown provider %q", cfg.Provider)
	}
	if c.apiKey == "" {
		return nil, errors.New("advisory: api key is required")
	}

	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 30
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	return c, nil
}

// Classify asks the provider for a verdict. It never blocks on the rate
// limiter: when the budget is spent the notification just goes unadvised.
func (c *Client) Classify(ctx context.Context, req Request) (engine.Verdict, error) {
	if !c.limiter.Allow() {
		return engine.Verdict{}, fmt.Errorf("%w: rate limit", ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := c.buildPrompt(req)

	var (
		text string
		err  error
	)
	switch c.provider {
	case ProviderAnthropic:
		text, err = c.callAnthropic(ctx, prompt)
	case ProviderGemini:
		text, err = c.callGemini(ctx, prompt)
	default: // openai and custom share the chat-completions shape
		text, err = c.callChatCompletions(ctx, prompt)
	}
	if err != nil {
		c.log.Debug("advisory call failed", logx.String("provider", c.provider), logx.Err(err))
		return engine.Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return parseVerdict(text), nil
}

func (c *Client) buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a notification classifier. Analyze this notification and determine if it should be IMPORTANT or SILENT.\n\n")
	fmt.Fprintf(&b, "Notification: %q\n", req.Text)
	if req.Channel != "" {
		fmt.Fprintf(&b, "Channel/Sender: %s\n", req.Channel)
	}
	fmt.Fprintf(&b, "\nUser Preferences: %s\n\n", c.hint)
	b.WriteString(`Respond ONLY with valid JSON in this format:` + "\n")
	b.WriteString(`{"important": true/false, "reason": "brief explanation", "confidence": 0.0-1.0}`)
	return b.String()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) callChatCompletions(ctx context.Context, prompt string) (string, error) {
	body := struct {
		Model       string        `json:"model"`
		MaxTokens   int           `json:"max_tokens"`
		Temperature float64       `json:"temperature"`
		Messages    []chatMessage `json:"messages"`
	}{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := c.post(ctx, c.url, headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) callAnthropic(ctx context.Context, prompt string) (string, error) {
	body := struct {
		Model     string        `json:"model"`
		MaxTokens int           `json:"max_tokens"`
		Messages  []chatMessage `json:"messages"`
	}{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := c.post(ctx, c.url, headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Content) == 0 {
		return "", errors.New("empty content")
	}
	return out.Content[0].Text, nil
}

func (c *Client) callGemini(ctx context.Context, prompt string) (string, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Parts []part `json:"parts"`
	}
	body := struct {
		Contents []content `json:"contents"`
	}{Contents: []content{{Parts: []part{{Text: prompt}}}}}

	var out struct {
		Candidates []struct {
			Content content `json:"content"`
		} `json:"candidates"`
	}
	// Gemini authenticates via query parameter, not a header.
	url := c.url
	if !strings.Contains(url, "key=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "key=" + c.apiKey
	}
	if err := c.post(ctx, url, nil, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty candidates")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func (c *Client) post(ctx context.Context, url string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return json.Unmarshal(data, out)
}

// parseVerdict extracts the JSON verdict from the model's reply, tolerating
// markdown fences. When the reply is not parseable JSON it falls back to a
// substring heuristic at half confidence.
func parseVerdict(text string) engine.Verdict {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var v struct {
		Important  bool    `json:"important"`
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(cleaned), &v); err == nil {
		return engine.Verdict{Important: v.Important, Reason: v.Reason, Confidence: v.Confidence}
	}

	lower := strings.ToLower(text)
	important := strings.Contains(lower, "important") && !strings.Contains(lower, "not important")
	return engine.Verdict{
		Important:  important,
		Reason:     "Parsed from text response",
		Confidence: 0.5,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
