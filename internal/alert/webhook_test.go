package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"adwatch/internal/domain"
)

func TestWebhook_PostsAlertJSON(t *testing.T) {
	var got domain.Alert
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("want json content type, got %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(200)
	}))
	defer s.Close()

	wh := NewWebhook(s.URL)
	a := domain.Alert{
		Kind:      domain.AlertLiveness,
		Level:     domain.LevelWarning,
		EntityRef: "agent/bot-1",
		Message:   "agent bot-1 not seen for 3h",
	}
	if err := wh.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.EntityRef != "agent/bot-1" || got.Level != domain.LevelWarning {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", 500)
	}))
	defer s.Close()

	wh := NewWebhook(s.URL)
	if err := wh.Dispatch(context.Background(), domain.Alert{}); err == nil {
		t.Fatalf("want error on 500")
	}
}

func TestNewWebhook_EmptyURLDisabled(t *testing.T) {
	if wh := NewWebhook(""); wh != nil {
		t.Fatalf("empty URL must disable the webhook")
	}
}

type countingDispatcher struct {
	n    int
	fail bool
}

func (c *countingDispatcher) Dispatch(ctx context.Context, a domain.Alert) error {
	c.n++
	if c.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func TestMulti_AllSinksRunFirstErrorWins(t *testing.T) {
	a := &countingDispatcher{fail: true}
	b := &countingDispatcher{}
	m := Multi{a, nil, b}

	err := m.Dispatch(context.Background(), domain.Alert{})
	if err == nil {
		t.Fatalf("want the first sink's error surfaced")
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("every sink must still run: a=%d b=%d", a.n, b.n)
	}
}
