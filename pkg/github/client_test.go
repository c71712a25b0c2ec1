package github

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	// Keep retry backoff short in tests.
	baseRetryDelay = 1 * time.Millisecond
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewTokenClient("ghp_testtoken")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	client.SetBaseURL(server.URL)
	return client, server
}

func TestNewTokenClient_RequiresToken(t *testing.T) {
	if _, err := NewTokenClient(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestGetRegistrationToken_Success(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/actions/runners/registration-token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != "POST" {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"AABBCC","expires_at":"2026-01-01T00:00:00Z"}`))
	}))

	token, err := client.GetRegistrationToken(context.Background(), "org/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "AABBCC" {
		t.Errorf("expected token AABBCC, got %q", token)
	}
	if gotAuth != "token ghp_testtoken" {
		t.Errorf("expected token auth header, got %q", gotAuth)
	}
}

func TestGetRegistrationToken_InvalidRepo(t *testing.T) {
	client, err := NewTokenClient("ghp_testtoken")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	for _, repo := range []string{"", "norepo", "/repo", "owner/"} {
		if _, err := client.GetRegistrationToken(context.Background(), repo); err == nil {
			t.Errorf("expected error for repo %q", repo)
		}
	}
}

func TestGetRegistrationToken_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Resource not accessible"}`))
	}))

	_, err := client.GetRegistrationToken(context.Background(), "org/repo")
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if !IsForbidden(err) {
		t.Errorf("expected forbidden APIError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("403 must not be retried, got %d calls", got)
	}
}

func TestGetRegistrationToken_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"AFTER_RETRY"}`))
	}))

	token, err := client.GetRegistrationToken(context.Background(), "org/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "AFTER_RETRY" {
		t.Errorf("expected AFTER_RETRY, got %q", token)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestGetRegistrationToken_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetRegistrationToken(context.Background(), "org/repo")
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != int32(maxRetries+1) {
		t.Errorf("expected %d calls, got %d", maxRetries+1, got)
	}
}

func TestGetRegistrationToken_ContextCancelled(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetRegistrationToken(ctx, "org/repo")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGetRemovalToken_Success(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/actions/runners/remove-token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"REMOVEME"}`))
	}))

	token, err := client.GetRemovalToken(context.Background(), "org/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "REMOVEME" {
		t.Errorf("expected REMOVEME, got %q", token)
	}
}

func TestListRunners(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/actions/runners" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total_count": 2,
			"runners": [
				{"id": 1, "name": "r1", "status": "online", "busy": false},
				{"id": 2, "name": "r2", "status": "offline", "busy": true}
			]
		}`))
	}))

	runners, err := client.ListRunners(context.Background(), "org/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(runners))
	}
	if runners[0].ID != 1 || runners[0].Name != "r1" || runners[0].Status != "online" {
		t.Errorf("unexpected first runner: %+v", runners[0])
	}
	if runners[1].ID != 2 || !runners[1].Busy {
		t.Errorf("unexpected second runner: %+v", runners[1])
	}
}

func TestFindRunnerByName(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"total_count": 1,
			"runners": [{"id": 7, "name": "wanted", "status": "online"}]
		}`))
	}))

	found, err := client.FindRunnerByName(context.Background(), "org/repo", "wanted")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found == nil || found.ID != 7 {
		t.Errorf("expected runner id 7, got %+v", found)
	}

	missing, err := client.FindRunnerByName(context.Background(), "org/repo", "absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for absent runner, got %+v", missing)
	}
}

func TestRemoveRunner(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != "DELETE" {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.RemoveRunner(context.Background(), "org/repo", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/repos/org/repo/actions/runners/42" {
		t.Errorf("unexpected path: %s", gotPath)
	}
}

func TestRemoveRunner_NotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))

	err := client.RemoveRunner(context.Background(), "org/repo", 42)
	if !IsNotFound(err) {
		t.Errorf("expected not-found APIError, got %v", err)
	}
}

func TestPing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("expected reachable, got %v", err)
	}
}

func TestPing_FourOhFourStillReachable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("an HTTP response means reachable, got %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	if err := client.Ping(context.Background()); err == nil {
		t.Error("expected error for closed server")
	}
}

func TestCheckAuth(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("per_page") != "1" {
			t.Errorf("expected per_page=1 probe, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_count": 0, "runners": []}`))
	}))

	if err := client.CheckAuth(context.Background(), "org/repo"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckAuth_Unauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
	}))

	err := client.CheckAuth(context.Background(), "org/repo")
	if !IsForbidden(err) {
		t.Errorf("expected forbidden APIError, got %v", err)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(&APIError{StatusCode: 404}) {
		t.Error("404 is a client error")
	}
	if IsClientError(&APIError{StatusCode: 502}) {
		t.Error("502 is not a client error")
	}
	if IsClientError(errors.New("dial tcp: connection refused")) {
		t.Error("transport errors are not client errors")
	}
}
