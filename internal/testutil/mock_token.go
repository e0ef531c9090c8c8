package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockTokenServer is an HTTPS mock of an OAuth2 token endpoint issuing
// sequential tokens "token-1", "token-2", ...
type MockTokenServer struct {
	server *httptest.Server

	mu        sync.Mutex
	fetches   int
	expiresIn int
	delay     time.Duration
	failures  []int
	malformed bool
	lastForm  url.Values
	lastPath  string
}

// NewMockTokenServer creates and starts a token endpoint issuing tokens valid
// for one hour.
func NewMockTokenServer() *MockTokenServer {
	mock := &MockTokenServer{expiresIn: 3600}
	mock.server = httptest.NewTLSServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the server base URL, usable as an authority URL.
func (m *MockTokenServer) URL() string {
	return m.server.URL
}

// Client returns an HTTP client that trusts the mock server certificate.
func (m *MockTokenServer) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockTokenServer) Close() {
	m.server.Close()
}

// SetExpiresIn sets the lifetime in seconds of subsequently issued tokens.
func (m *MockTokenServer) SetExpiresIn(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiresIn = seconds
}

// SetDelay delays every token response.
func (m *MockTokenServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext makes the next requests answer with the given statuses, in order.
func (m *MockTokenServer) FailNext(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, statuses...)
}

// SetMalformed makes successful responses omit expires_in.
func (m *MockTokenServer) SetMalformed(malformed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed = malformed
}

// FetchCount returns the number of token requests received.
func (m *MockTokenServer) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// LastForm returns the form of the most recent token request.
func (m *MockTokenServer) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// LastPath returns the path of the most recent token request.
func (m *MockTokenServer) LastPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPath
}

func (m *MockTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.fetches++
	n := m.fetches
	m.lastForm = r.PostForm
	m.lastPath = r.URL.Path
	delay := m.delay
	expiresIn := m.expiresIn
	malformed := m.malformed
	status := http.StatusOK
	if len(m.failures) > 0 {
		status = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")

	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`))
		return
	}

	payload := map[string]any{
		"token_type":   "Bearer",
		"access_token": fmt.Sprintf("token-%d", n),
	}
	if !malformed {
		// Entra ID v1 endpoints encode expires_in as a string.
		payload["expires_in"] = fmt.Sprintf("%d", expiresIn)
	}
	json.NewEncoder(w).Encode(payload)
}
