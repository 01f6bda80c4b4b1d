package api

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

	"helixctl/internal/auth"
)

// Gateway turns a logical operation (method, path, body) into a classified
// result. Every failure returned by Call is one of the kinds in errors.go;
// transport-level faults never propagate raw.
type Gateway struct {
	BaseURL    string
	Session    auth.Session
	HTTPClient *http.Client
	Timeout    time.Duration

	// SignedOut, if set, runs after the session has been invalidated because
	// of an expired-session 401. The presentation layer uses it to return to
	// an unauthenticated landing state.
	SignedOut func()
}

// New creates a gateway with sane defaults.
func New(baseURL string, session auth.Session) *Gateway {
	return &Gateway{
		BaseURL: baseURL,
		Session: session,
		Timeout: 10 * time.Second,
	}
}

// envelope is the list-pagination shape used by the backend. Successful list
// responses are unwrapped to Results before callers see them.
type envelope struct {
	Count    int             `json:"count"`
	Next     *string         `json:"next"`
	Previous *string         `json:"previous"`
	Results  json.RawMessage `json:"results"`
}

// Call issues an authenticated JSON request and classifies the response.
// A credential is fetched per call; expired tokens are never reused. When no
// identity is available the call fails with ErrUnauthenticated before any
// network traffic.
func (g *Gateway) Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	token, err := g.Session.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			return nil, ErrUnauthenticated
		}
		return nil, &TransportError{Err: fmt.Errorf("acquire token: %w", err)}
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("encode body: %w", err)}
		}
	}
	url := strings.TrimRight(g.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return g.classify(resp.StatusCode, resp.Status, data)
}

// classify applies the response taxonomy. Order matters: the two 401 kinds
// are separated before generic failure handling, and pagination unwrapping
// happens only after success classification.
func (g *Gateway) classify(statusCode int, statusText string, body []byte) (json.RawMessage, error) {
	switch {
	case statusCode == http.StatusUnauthorized:
		// A session problem mentions auth or token in the body; anything else
		// is the backend's auth layer misbehaving and must not sign us out.
		if text := string(body); strings.Contains(text, "auth") || strings.Contains(text, "token") {
			g.Session.Invalidate()
			if g.SignedOut != nil {
				g.SignedOut()
			}
			return nil, SessionExpiredError{}
		}
		return nil, AuthBackendError{}
	case statusCode == http.StatusForbidden:
		return nil, ForbiddenError{}
	case statusCode < 200 || statusCode > 299:
		return nil, &RequestError{StatusCode: statusCode, Message: errorMessage(statusCode, statusText, body)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if results, ok := unwrapEnvelope(raw); ok {
		return results, nil
	}
	return raw, nil
}

// unwrapEnvelope detects the {count,next,previous,results} list shape and
// returns the results sequence.
func unwrapEnvelope(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return nil, false
	}
	if _, ok := keys["results"]; !ok {
		return nil, false
	}
	for _, k := range []string{"count", "next", "previous"} {
		if _, ok := keys[k]; !ok {
			return nil, false
		}
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false
	}
	if env.Results == nil || bytes.Equal(bytes.TrimSpace(env.Results), []byte("null")) {
		return json.RawMessage("[]"), true
	}
	return env.Results, true
}

// errorMessage extracts the server's structured error message, falling back
// to the HTTP status text.
func errorMessage(statusCode int, statusText string, body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return parsed.Message
		case parsed.Detail != "":
			return parsed.Detail
		case parsed.Error.Message != "":
			return parsed.Error.Message
		}
	}
	if statusText != "" {
		// http.Response.Status is "403 Forbidden"; keep only the text part.
		if cut, ok := strings.CutPrefix(statusText, fmt.Sprintf("%d ", statusCode)); ok {
			return "API error: " + cut
		}
		return "API error: " + statusText
	}
	return "API error: " + http.StatusText(statusCode)
}

func (g *Gateway) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return &http.Client{Timeout: g.Timeout}
}
