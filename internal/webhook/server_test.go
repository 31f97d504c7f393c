package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
	"calsync-go/internal/store"
	"calsync-go/internal/testutil"
	"calsync-go/internal/webhook"
)

// quietFeed satisfies ChangeFeed with empty pages so notification handling
// runs the full pipeline without provider traffic.
type quietFeed struct {
	provider model.Provider
	fail     bool
}

func (f *quietFeed) Changes(context.Context, *model.SyncState, string) (*calsync.ChangePage, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return &calsync.ChangePage{NextCursor: "cursor-next"}, nil
}

func (f *quietFeed) FullSync(context.Context, *model.SyncState) (*calsync.ChangePage, error) {
	return &calsync.ChangePage{NextCursor: "cursor-next"}, nil
}

func (f *quietFeed) Subscribe(context.Context, *model.SyncState, string, string) (*calsync.Subscription, error) {
	return &calsync.Subscription{ID: "chan-x", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *quietFeed) Renew(context.Context, *model.SyncState) (*calsync.Subscription, error) {
	return &calsync.Subscription{ID: "chan-x", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *quietFeed) Unsubscribe(context.Context, *model.SyncState) error { return nil }

type serverFixture struct {
	handler http.Handler
	states  *store.MemorySyncStateStore
	google  *quietFeed
	graph   *quietFeed
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	clock := testutil.FixedClock()
	eventDB := store.NewMemoryEventStore(clock)
	stateDB := store.NewMemorySyncStateStore()
	events := calsync.NewEventService(eventDB, calsync.NopLogger{}, clock)
	google := &quietFeed{provider: model.ProviderGoogle}
	graph := &quietFeed{provider: model.ProviderMicrosoft}
	feeds := map[model.Provider]calsync.ChangeFeed{
		model.ProviderGoogle:    google,
		model.ProviderMicrosoft: graph,
	}
	svc := calsync.NewSyncService(events, stateDB, feeds, calsync.NopLogger{}, clock, testutil.NewStubIDGenerator(), 10*time.Minute)
	server := webhook.NewServer(svc, calsync.NopLogger{})
	return &serverFixture{handler: server.Handler(), states: stateDB, google: google, graph: graph}
}

func (fx *serverFixture) seed(t *testing.T, p model.Provider) *model.SyncState {
	t.Helper()
	state := testutil.SyncState("tenant-a", p)
	if err := fx.states.PutSyncState(context.Background(), state); err != nil {
		t.Fatal(err)
	}
	return state
}

func TestGoogleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		seed       bool
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "missing channel id",
			headers:    map[string]string{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "sync ping acknowledged without auth",
			headers: map[string]string{
				"X-Goog-Channel-ID":     "chan-tenant-a",
				"X-Goog-Resource-State": "sync",
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "unknown channel",
			headers: map[string]string{
				"X-Goog-Channel-ID":     "chan-nobody",
				"X-Goog-Channel-Token":  "secret-current",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "bad token",
			seed: true,
			headers: map[string]string{
				"X-Goog-Channel-ID":     "chan-tenant-a",
				"X-Goog-Channel-Token":  "wrong",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "valid notification",
			seed: true,
			headers: map[string]string{
				"X-Goog-Channel-ID":     "chan-tenant-a",
				"X-Goog-Channel-Token":  "secret-current",
				"X-Goog-Resource-State": "exists",
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServerFixture(t)
			if tt.seed {
				fx.seed(t, model.ProviderGoogle)
			}
			req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			fx.handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGoogleWebhookAdvancesCursor(t *testing.T) {
	fx := newServerFixture(t)
	fx.seed(t, model.ProviderGoogle)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-tenant-a")
	req.Header.Set("X-Goog-Channel-Token", "secret-current")
	req.Header.Set("X-Goog-Resource-State", "exists")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	state, err := fx.states.GetSyncState(context.Background(), "tenant-a", model.ProviderGoogle)
	if err != nil {
		t.Fatal(err)
	}
	if state.DeltaCursor != "cursor-next" {
		t.Errorf("DeltaCursor = %q, want cursor-next", state.DeltaCursor)
	}
}

func TestMicrosoftValidationHandshake(t *testing.T) {
	fx := newServerFixture(t)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		req := httptest.NewRequest(method, "/webhooks/microsoft?validationToken=abc%20123", nil)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", method, rec.Code)
		}
		if got := rec.Body.String(); got != "abc 123" {
			t.Errorf("%s body = %q, want decoded token", method, got)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("%s content type = %q, want text/plain", method, ct)
		}
	}
}

func graphBody(entries ...map[string]string) *strings.Reader {
	env := map[string]any{"value": entries}
	b, _ := json.Marshal(env)
	return strings.NewReader(string(b))
}

func TestMicrosoftWebhook(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		fx := newServerFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("empty envelope", func(t *testing.T) {
		fx := newServerFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", strings.NewReader(`{"value":[]}`))
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("all unauthorized", func(t *testing.T) {
		fx := newServerFixture(t)
		fx.seed(t, model.ProviderMicrosoft)
		body := graphBody(map[string]string{
			"subscriptionId": "chan-tenant-a",
			"clientState":    "wrong",
		})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", body)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("mixed batch still answers 200", func(t *testing.T) {
		fx := newServerFixture(t)
		fx.seed(t, model.ProviderMicrosoft)
		body := graphBody(
			map[string]string{"subscriptionId": "chan-tenant-a", "clientState": "secret-current"},
			map[string]string{"subscriptionId": "chan-nobody", "clientState": "x"},
		)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", body)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp struct {
			Processed int `json:"processed"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Processed != 1 {
			t.Errorf("processed = %d, want 1", resp.Processed)
		}
	})

	t.Run("all failed", func(t *testing.T) {
		fx := newServerFixture(t)
		fx.seed(t, model.ProviderMicrosoft)
		fx.graph.fail = true
		body := graphBody(map[string]string{
			"subscriptionId": "chan-tenant-a",
			"clientState":    "secret-current",
		})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/microsoft", body)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}
