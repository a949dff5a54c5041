package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/porchwatch/porchwatch/internal/crypto"
	"github.com/porchwatch/porchwatch/internal/rtc"
)

func writeToken(t *testing.T, token *oauth2.Token) string {
	t.Helper()
	raw, err := json.Marshal(token)
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenFile:    writeToken(t, &oauth2.Token{AccessToken: "test-token"}),
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestRefreshAndDevices(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/devices" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `[
			{"id": "dev-1", "name": "Front Door", "two_way_audio": true},
			{"id": "dev-2", "name": "Garage", "two_way_audio": false}
		]`)
	})
	client := newTestClient(t, handler)

	if got := client.Devices(); len(got) != 0 {
		t.Fatalf("devices before refresh = %d, want 0", len(got))
	}
	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	devices := client.Devices()
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	if devices[0].ID != "dev-1" || devices[0].Name != "Front Door" || !devices[0].TwoWayAudio {
		t.Errorf("device[0] = %+v", devices[0])
	}
	if devices[1].TwoWayAudio {
		t.Errorf("device[1] should not have two-way audio: %+v", devices[1])
	}
}

func TestHistoryQuery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/devices/dev-1/history" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "7" || q.Get("kind") != "motion" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		io.WriteString(w, `[
			{"id": "evt-2", "kind": "motion", "created_at": "2025-03-14T15:09:26Z"},
			{"id": "evt-1", "kind": "ring", "created_at": "2025-03-14T15:08:00Z"}
		]`)
	})
	client := newTestClient(t, handler)

	events, err := client.History(context.Background(), "dev-1", 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ID != "evt-2" || events[0].Kind != "motion" {
		t.Errorf("events[0] = %+v", events[0])
	}
	want := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	if !events[0].CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", events[0].CreatedAt, want)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `[]`)
	})
	client := newTestClient(t, handler)

	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	})
	client := newTestClient(t, handler)

	if err := client.Refresh(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestNegotiate(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/devices/dev-1/stream" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req struct {
			SDP string `json:"sdp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SDP != "offer-sdp" {
			t.Errorf("offer sdp = %q", req.SDP)
		}
		io.WriteString(w, `{"sdp": "answer-sdp", "session_id": "sess-42"}`)
	})
	client := newTestClient(t, handler)

	answer, err := client.Negotiate(context.Background(), "dev-1", "offer-sdp")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if answer.SDP != "answer-sdp" || answer.SessionID != "sess-42" {
		t.Errorf("answer = %+v", answer)
	}
}

func TestNegotiateRejectedIsTypedAndNotRetried(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "live view disabled", http.StatusConflict)
	})
	client := newTestClient(t, handler)

	_, err := client.Negotiate(context.Background(), "dev-1", "offer-sdp")
	var rejected *rtc.NegotiationRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected NegotiationRejectedError, got %v", err)
	}
	if rejected.DeviceID != "dev-1" || !strings.Contains(rejected.Reason, "live view disabled") {
		t.Errorf("rejection = %+v", rejected)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestTeardownTreats404AsSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/devices/dev-1/stream/sess-42" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		http.Error(w, "already gone", http.StatusNotFound)
	})
	client := newTestClient(t, handler)

	if err := client.Teardown(context.Background(), "dev-1", "sess-42"); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
}

func TestTeardownSurfacesServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	client := newTestClient(t, handler)

	if err := client.Teardown(context.Background(), "dev-1", "sess-42"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestTokenRefreshIsPersisted(t *testing.T) {
	tokenFile := writeToken(t, &oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"access_token": "fresh-token",
			"token_type": "Bearer",
			"refresh_token": "refresh-1",
			"expires_in": 3600
		}`)
	})
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("Authorization = %q, want refreshed token", got)
		}
		io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenFile:    tokenFile,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "cid",
		ClientSecret: "csecret",
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	var persisted oauth2.Token
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("parse persisted token: %v", err)
	}
	if persisted.AccessToken != "fresh-token" {
		t.Errorf("persisted access token = %q, want %q", persisted.AccessToken, "fresh-token")
	}
}

func TestSealedTokenFileRoundTrip(t *testing.T) {
	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}

	raw, err := json.Marshal(&oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	sealed, err := crypto.Seal(raw, masterKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tokenFile := filepath.Join(t.TempDir(), "token.sealed")
	if err := os.WriteFile(tokenFile, []byte(sealed), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"access_token": "fresh-token",
			"token_type": "Bearer",
			"refresh_token": "refresh-1",
			"expires_in": 3600
		}`)
	})
	mux.HandleFunc("/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("Authorization = %q, want refreshed token", got)
		}
		io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenFile:    tokenFile,
		TokenKey:     masterKey,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "cid",
		ClientSecret: "csecret",
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	onDisk, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if !crypto.IsSealed(onDisk) {
		t.Fatalf("persisted token is not sealed: %q", onDisk)
	}
	opened, err := crypto.Open(string(onDisk), masterKey)
	if err != nil {
		t.Fatalf("Open persisted token: %v", err)
	}
	var persisted oauth2.Token
	if err := json.Unmarshal(opened, &persisted); err != nil {
		t.Fatalf("parse persisted token: %v", err)
	}
	if persisted.AccessToken != "fresh-token" {
		t.Errorf("persisted access token = %q, want %q", persisted.AccessToken, "fresh-token")
	}
}

func TestSealedTokenFileRequiresKey(t *testing.T) {
	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	sealed, err := crypto.Seal([]byte(`{"access_token":"x"}`), masterKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tokenFile := filepath.Join(t.TempDir(), "token.sealed")
	if err := os.WriteFile(tokenFile, []byte(sealed), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	_, err = NewClient(context.Background(), Config{
		BaseURL:   "http://example.com",
		TokenFile: tokenFile,
	})
	if err == nil || !strings.Contains(err.Error(), "no master key") {
		t.Fatalf("expected sealed token error, got %v", err)
	}
}

func TestPlainTokenFileWorksWithKeyConfigured(t *testing.T) {
	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenFile:    writeToken(t, &oauth2.Token{AccessToken: "test-token"}),
		TokenKey:     masterKey,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestDialEventsSendsAuth(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.Close()
	})
	client := newTestClient(t, mux)

	conn, err := client.DialEvents(context.Background())
	if err != nil {
		t.Fatalf("DialEvents: %v", err)
	}
	conn.Close()
}

func TestNewClientValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := NewClient(ctx, Config{TokenFile: "x"}); err == nil {
		t.Error("expected error for missing base url")
	}
	if _, err := NewClient(ctx, Config{BaseURL: "http://example.com"}); err == nil {
		t.Error("expected error for missing token file")
	}
	if _, err := NewClient(ctx, Config{
		BaseURL:   "http://example.com",
		TokenFile: filepath.Join(t.TempDir(), "absent.json"),
	}); err == nil {
		t.Error("expected error for absent token file")
	}
}
