package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"broadcastd/internal/broadcast"
	logx "broadcastd/pkg/logx"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestParamsAndRender(t *testing.T) {
	t.Parallel()
	tmpl := broadcast.Template{
		Body:     "Hi {{2}}, your code is {{1}}. Bye {{ 2 }} {{3}}",
		Mappings: map[string]string{"1": "code"},
	}
	vars := map[string]string{"code": "X9", "variable2": "Ann", "variable1": "ignored"}

	if got := Placeholders(tmpl.Body); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Placeholders = %v", got)
	}
	params := Params(tmpl, vars)
	want := []string{"X9", "Ann", ""}
	for i := range want {
		if params[i] != want[i] {
			t.Fatalf("Params = %q, want %q", params, want)
		}
	}
	if got := Render(tmpl, vars); got != "Hi Ann, your code is X9. Bye Ann " {
		t.Fatalf("Render = %q", got)
	}
}

func TestHTTPClientSendsTemplate(t *testing.T) {
	t.Parallel()
	var got messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sender-1/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL + "/"}, logx.Nop())
	res, err := c.Send(context.Background(), SendRequest{
		SenderID: "sender-1", AccessToken: "tok", To: "+100", Template: "welcome", Params: []string{"Ann"},
	})
	require.NoError(t, err)
	require.Equal(t, "wamid.1", res.MessageID)
	require.Equal(t, "+100", got.To)
	require.Equal(t, "welcome", got.Template.Name)
	require.Equal(t, "en_US", got.Template.Language.Code)
	require.Equal(t, "Ann", got.Template.Components[0].Parameters[0].Text)
}

func TestHTTPClientClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		transient bool
		code      string
		retry     time.Duration
	}{
		{"throttled", 429, map[string]string{"Retry-After": "2"}, `{"error":{"code":80007,"message":"rate"}}`, true, "80007", 2 * time.Second},
		{"server", 503, nil, `oops`, true, "http_503", 0},
		{"bad number", 400, nil, `{"error":{"code":131026,"message":"undeliverable"}}`, false, "131026", 0},
		{"string code", 403, nil, `{"error":{"code":"forbidden"}}`, false, "forbidden", 0},
		{"no id", 200, nil, `{"messages":[]}`, false, "no_message_id", 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(Config{BaseURL: srv.URL}, logx.Nop()).Send(context.Background(), SendRequest{SenderID: "s"})
			require.Error(t, err)
			require.Equal(t, tc.transient, broadcast.IsTransient(err))
			require.Equal(t, !tc.transient, broadcast.IsPermanent(err))
			require.Equal(t, tc.code, broadcast.ErrorCode(err))
			hint, _ := broadcast.RetryAfterHint(err)
			require.Equal(t, tc.retry, hint)
		})
	}
}

func TestHTTPClientNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(Config{BaseURL: url, Timeout: time.Second}, logx.Nop()).Send(context.Background(), SendRequest{SenderID: "s"})
	require.True(t, broadcast.IsTransient(err), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewHTTPClient(Config{BaseURL: url}, logx.Nop()).Send(ctx, SendRequest{SenderID: "s"})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("3", now); d != 3*time.Second {
		t.Fatalf("seconds: %v", d)
	}
	if d := parseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now); d != 5*time.Second {
		t.Fatalf("date: %v", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Fatalf("garbage: %v", d)
	}
}

func TestLayeredCatalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewMemoryCatalog([]broadcast.Project{{ID: "p1", Name: "from-a"}}, nil)
	b := NewMemoryCatalog(
		[]broadcast.Project{{ID: "p1", Name: "from-b"}, {ID: "p2", Name: "only-b"}},
		[]broadcast.Template{{ProjectID: "p2", Ref: "t", Status: "APPROVED"}},
	)
	cat := Layered{a, b}

	p, err := cat.Project(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "from-a", p.Name)
	p, err = cat.Project(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, "only-b", p.Name)
	tmpl, err := cat.Template(ctx, "p2", "t")
	require.NoError(t, err)
	require.True(t, tmpl.Approved())
	_, err = cat.Template(ctx, "p1", "t")
	require.ErrorIs(t, err, broadcast.ErrNotFound)
}
