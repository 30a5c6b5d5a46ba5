package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const maxResponseBody = 64 << 10

// SendRequest is one templated message to one recipient.
type SendRequest struct {
	ProjectID   string
	SenderID    string
	AccessToken string
	To          string
	Template    string
	Language    string
	Params      []string
}

type SendResult struct {
	MessageID string
}

// Client delivers a single message. Errors are ProviderTransientError or
// ProviderPermanentError, or the context's error when ctx ends first.
type Client interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Config configures the HTTP provider client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	MaxRPS    float64 // process-wide ceiling; 0 disables it
	Burst     int
	UserAgent string
}

// HTTPClient talks to a Graph-style messaging API:
// POST {base}/{senderID}/messages with a bearer token.
type HTTPClient struct {
	base string
	ua   string
	hc   *http.Client
	lim  *rate.Limiter
	log  logx.Logger
}

func NewHTTPClient(cfg Config, log logx.Logger) *HTTPClient {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &HTTPClient{
		base: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		ua:   cfg.UserAgent,
		hc:   &http.Client{Timeout: timeout},
		log:  log,
	}
	if c.ua == "" {
		c.ua = "broadcastd"
	}
	if cfg.MaxRPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.MaxRPS)
			if burst < 1 {
				burst = 1
			}
		}
		c.lim = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return c
}

type templateLanguage struct {
	Code string `json:"code"`
}

type textParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []textParam `json:"parameters"`
}

type templatePayload struct {
	Name       string           `json:"name"`
	Language   templateLanguage `json:"language"`
	Components []component      `json:"components,omitempty"`
}

type messagePayload struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func (c *HTTPClient) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if c.lim != nil {
		if err := c.lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return SendResult{}, ctx.Err()
			}
			return SendResult{}, broadcast.Transient("throttled", err)
		}
	}

	lang := req.Language
	if lang == "" {
		lang = "en_US"
	}
	payload := messagePayload{
		MessagingProduct: "whatsapp",
		To:               req.To,
		Type:             "template",
		Template: templatePayload{
			Name:     req.Template,
			Language: templateLanguage{Code: lang},
		},
	}
	if len(req.Params) > 0 {
		params := make([]textParam, len(req.Params))
		for i, p := range req.Params {
			params[i] = textParam{Type: "text", Text: p}
		}
		payload.Template.Components = []component{{Type: "body", Parameters: params}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, broadcast.Permanent("encode", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.base, req.SenderID)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, broadcast.Permanent("bad_request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	hreq.Header.Set("User-Agent", c.ua)

	resp, err := c.hc.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return SendResult{}, ctx.Err()
		}
		return SendResult{}, broadcast.Transient("network", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	var parsed messageResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 300 {
		err := classify(resp, parsed.Error, raw)
		c.log.Debug("provider rejected send",
			logx.String("project", req.ProjectID),
			logx.Int("status", resp.StatusCode),
			logx.String("code", broadcast.ErrorCode(err)),
		)
		return SendResult{}, err
	}
	if len(parsed.Messages) == 0 || strings.TrimSpace(parsed.Messages[0].ID) == "" {
		return SendResult{}, &broadcast.ProviderPermanentError{
			Code:   "no_message_id",
			Status: resp.StatusCode,
			Err:    errors.New("provider returned no message id"),
		}
	}
	return SendResult{MessageID: parsed.Messages[0].ID}, nil
}

// classify maps a non-2xx response onto the transient/permanent taxonomy.
func classify(resp *http.Response, apiErr *apiError, raw []byte) error {
	code := "http_" + strconv.Itoa(resp.StatusCode)
	msg := strings.TrimSpace(string(raw))
	if apiErr != nil {
		if c := strings.Trim(string(apiErr.Code), `" `); c != "" && c != "null" {
			code = c
		}
		if apiErr.Message != "" {
			msg = apiErr.Message
		}
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	err := errors.Newf("provider status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &broadcast.ProviderTransientError{
			Code:       code,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        err,
		}
	case resp.StatusCode >= 500:
		return &broadcast.ProviderTransientError{Code: code, Status: resp.StatusCode, Err: err}
	default:
		return &broadcast.ProviderPermanentError{Code: code, Status: resp.StatusCode, Err: err}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
