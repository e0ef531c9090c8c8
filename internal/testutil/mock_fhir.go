// Package testutil provides testing utilities for the FHIR sink.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockFHIRResponse defines the behavior for one mock FHIR server response.
type MockFHIRResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request received by MockFHIR.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	ContentType   string
	Body          string
}

// MockFHIR is a configurable HTTPS mock of a FHIR server.
//
// Responses queued with Enqueue are served in order; once the queue is empty
// creates answer 201 and updates answer 200.
type MockFHIR struct {
	server *httptest.Server

	mu       sync.Mutex
	queue    []MockFHIRResponse
	requests []RecordedRequest
}

// NewMockFHIR creates and starts a new mock FHIR server.
func NewMockFHIR() *MockFHIR {
	mock := &MockFHIR{}
	mock.server = httptest.NewTLSServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL (https).
func (m *MockFHIR) URL() string {
	return m.server.URL
}

// Client returns an HTTP client that trusts the mock server certificate.
func (m *MockFHIR) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockFHIR) Close() {
	m.server.Close()
}

// Enqueue appends responses to be served before the default behavior resumes.
func (m *MockFHIR) Enqueue(responses ...MockFHIRResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// Requests returns a copy of all recorded requests.
func (m *MockFHIR) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestCount returns the number of requests made to the server.
func (m *MockFHIR) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockFHIR) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		RequestID:     r.Header.Get("X-Request-ID"),
		ContentType:   r.Header.Get("Content-Type"),
		Body:          string(body),
	})
	var next *MockFHIRResponse
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		next = &resp
	}
	m.mu.Unlock()

	if next != nil {
		writeResponse(w, *next)
		return
	}

	m.defaultHandler(w, r, body)
}

// defaultHandler accepts every create and update.
func (m *MockFHIR) defaultHandler(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", "application/fhir+json")

	switch r.Method {
	case http.MethodPost:
		resourceType := strings.Trim(r.URL.Path, "/")
		w.Header().Set("Location", fmt.Sprintf("%s/%s/generated-1/_history/1", m.server.URL, resourceType))
		w.WriteHeader(http.StatusCreated)
	case http.MethodPut:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Write(body)
}

func writeResponse(w http.ResponseWriter, resp MockFHIRResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockFHIRResponse {
	return MockFHIRResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"transient"}]}`,
		Headers:    map[string]string{"Content-Type": "application/fhir+json"},
	}
}

// NewUnauthorizedResponse creates a 401 response carrying an invalid_token
// challenge.
func NewUnauthorizedResponse() MockFHIRResponse {
	return MockFHIRResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error":"invalid_token"}`,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"WWW-Authenticate": `Bearer error="invalid_token", error_description="The access token expired"`,
		},
	}
}

// NewUnprocessableResponse creates a 422 response with an OperationOutcome.
func NewUnprocessableResponse(diagnostics string) MockFHIRResponse {
	return MockFHIRResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Body: fmt.Sprintf(`{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"processing","diagnostics":%q}]}`,
			diagnostics),
		Headers: map[string]string{"Content-Type": "application/fhir+json"},
	}
}
