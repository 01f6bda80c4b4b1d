package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"helixctl/internal/auth"
)

func newGateway(t *testing.T, handler http.HandlerFunc) (*Gateway, *auth.StaticSession) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	session := auth.NewStaticSession("token-1")
	return New(srv.URL, session), session
}

func TestCallSendsBearerAndUnwrapsEnvelope(t *testing.T) {
	var gotAuth string
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":2,"next":null,"previous":null,"results":[{"id":"a"},{"id":"b"}]}`))
	})
	raw, err := gw.Call(context.Background(), http.MethodGet, "/requests/", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotAuth != "Bearer token-1" {
		t.Errorf("authorization header = %q", gotAuth)
	}
	if string(raw) != `[{"id":"a"},{"id":"b"}]` {
		t.Errorf("envelope not unwrapped: %s", raw)
	}
}

func TestCallNullResultsBecomesEmptyList(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count":0,"next":null,"previous":null,"results":null}`))
	})
	raw, err := gw.Call(context.Background(), http.MethodGet, "/requests/", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("null results should decode as [], got %s", raw)
	}
}

func TestCallLeavesPlainObjectsAlone(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		// "results" present but no page keys, so this is not an envelope.
		w.Write([]byte(`{"results":[1],"id":"x"}`))
	})
	raw, err := gw.Call(context.Background(), http.MethodGet, "/thing/", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(raw) != `{"results":[1],"id":"x"}` {
		t.Errorf("non-envelope object was rewritten: %s", raw)
	}
}

func TestCall401WithTokenMarkerSignsOut(t *testing.T) {
	gw, session := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"invalid_credentials","message":"invalid or expired token"}}`))
	})
	signedOut := 0
	gw.SignedOut = func() { signedOut++ }

	_, err := gw.Call(context.Background(), http.MethodGet, "/auth/me/", nil)
	var expired SessionExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("want SessionExpiredError, got %v", err)
	}
	if signedOut != 1 {
		t.Errorf("SignedOut called %d times, want 1", signedOut)
	}
	if _, err := session.Token(context.Background()); !errors.Is(err, auth.ErrNoSession) {
		t.Error("session should have been invalidated")
	}
}

func TestCall401WithoutMarkerKeepsSession(t *testing.T) {
	gw, session := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"backend_error","message":"credential verification unavailable"}}`))
	})
	signedOut := 0
	gw.SignedOut = func() { signedOut++ }

	_, err := gw.Call(context.Background(), http.MethodGet, "/auth/me/", nil)
	var backend AuthBackendError
	if !errors.As(err, &backend) {
		t.Fatalf("want AuthBackendError, got %v", err)
	}
	if signedOut != 0 {
		t.Error("SignedOut must not run for a backend auth failure")
	}
	if _, err := session.Token(context.Background()); err != nil {
		t.Error("session must survive a backend auth failure")
	}
}

func TestCall403(t *testing.T) {
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"you do not have permission to perform this action"}}`))
	})
	_, err := gw.Call(context.Background(), http.MethodGet, "/admin/requests/", nil)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want ForbiddenError, got %v", err)
	}
}

func TestCallErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"title is required"}`, "title is required"},
		{"detail field", `{"detail":"not found"}`, "not found"},
		{"nested error", `{"error":{"code":"invalid_transition","message":"invalid status transition CLOSED -> PENDING"}}`, "invalid status transition CLOSED -> PENDING"},
		{"unparsable body", `<html>`, "API error: Unprocessable Entity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(tc.body))
			})
			_, err := gw.Call(context.Background(), http.MethodPatch, "/admin/requests/x/", map[string]string{})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("want RequestError, got %v", err)
			}
			if reqErr.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d", reqErr.StatusCode)
			}
			if reqErr.Message != tc.want {
				t.Errorf("message = %q, want %q", reqErr.Message, tc.want)
			}
		})
	}
}

func TestCallWithoutSessionMakesNoNetworkCall(t *testing.T) {
	calls := 0
	gw, session := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	session.Invalidate()

	_, err := gw.Call(context.Background(), http.MethodGet, "/requests/", nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
	if calls != 0 {
		t.Errorf("server saw %d calls, want 0", calls)
	}
}

func TestCallTransportError(t *testing.T) {
	gw := New("http://127.0.0.1:1", auth.NewStaticSession("token-1"))
	_, err := gw.Call(context.Background(), http.MethodGet, "/requests/", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}
	if te.Unwrap() == nil {
		t.Error("transport error should wrap the cause")
	}
}

func TestCallNon2xxBeforeUnwrap(t *testing.T) {
	// An error body shaped like an envelope must still classify as failure.
	gw, _ := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"count":0,"next":null,"previous":null,"results":[]}`))
	})
	_, err := gw.Call(context.Background(), http.MethodGet, "/requests/", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("want RequestError, got %v", err)
	}
}
