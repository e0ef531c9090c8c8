package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/fhir-secure-sink/internal/testutil"
	"github.com/Sternrassler/fhir-secure-sink/pkg/client"
	"github.com/Sternrassler/fhir-secure-sink/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePutter records the batch it receives and returns a scripted error.
type fakePutter struct {
	records []sink.Record
	result  sink.BatchResult
	err     error
}

func (f *fakePutter) Put(_ context.Context, records []sink.Record) (sink.BatchResult, error) {
	f.records = records
	result := f.result
	result.Total = len(records)
	return result, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		pinger pinger
		want   int
	}{
		{name: "no_shared_store", pinger: nil, want: http.StatusOK},
		{name: "redis_up", pinger: fakePinger{}, want: http.StatusOK},
		{name: "redis_down", pinger: fakePinger{err: errors.New("connection refused")}, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ready", nil)
			w := httptest.NewRecorder()

			readyHandler(tt.pinger)(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newMux(&fakePutter{}, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
}

func decodeIngest(t *testing.T, w *httptest.ResponseRecorder) ingestResponse {
	t.Helper()
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestIngestHandler_Success(t *testing.T) {
	putter := &fakePutter{result: sink.BatchResult{Succeeded: 2, Skipped: 1}}

	body := "{\"resourceType\":\"Patient\"}\n\n{\"resourceType\":\"Patient\",\"id\":\"1\"}\n"
	req := httptest.NewRequest(http.MethodPost, "/ingest?topic=fhir&partition=3&offset=40", strings.NewReader(body))
	w := httptest.NewRecorder()

	ingestHandler(putter)(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeIngest(t, w)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Skipped)
	assert.Nil(t, resp.FailedOffset)

	require.Len(t, putter.records, 3)
	for i, rec := range putter.records {
		assert.Equal(t, "fhir", rec.Topic)
		assert.Equal(t, int32(3), rec.Partition)
		assert.Equal(t, int64(40+i), rec.Offset)
	}
	assert.Empty(t, putter.records[1].Value)
}

func TestIngestHandler_Failures(t *testing.T) {
	terminal := &client.TerminalError{
		RecordID: "Patient/1",
		Attempts: 4,
		Err:      fmt.Errorf("%w after 4 attempts", client.ErrRetryExhausted),
	}
	validation := &client.SubmitError{ErrorClass: client.ErrorClassValidation, Message: "invalid resource"}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "terminal", err: terminal, want: http.StatusBadGateway},
		{name: "validation", err: validation, want: http.StatusUnprocessableEntity},
		{name: "cancelled", err: fmt.Errorf("%w: %w", client.ErrContextCancelled, context.Canceled), want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			putter := &fakePutter{
				result: sink.BatchResult{Succeeded: 1},
				err: &sink.BatchError{
					Index:  1,
					Record: sink.Record{Topic: "fhir", Offset: 11},
					Err:    tt.err,
				},
			}

			req := httptest.NewRequest(http.MethodPost, "/ingest?offset=10", strings.NewReader("a\nb\nc\n"))
			w := httptest.NewRecorder()
			ingestHandler(putter)(w, req)

			require.Equal(t, tt.want, w.Code)
			resp := decodeIngest(t, w)
			require.NotNil(t, resp.FailedOffset)
			assert.Equal(t, int64(11), *resp.FailedOffset)
			require.NotNil(t, resp.FailedIndex)
			assert.Equal(t, 1, *resp.FailedIndex)
			assert.Equal(t, 1, resp.Succeeded)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestIngestHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, target: "/ingest", want: http.StatusMethodNotAllowed},
		{name: "bad partition", method: http.MethodPost, target: "/ingest?partition=x", want: http.StatusBadRequest},
		{name: "partition overflow", method: http.MethodPost, target: "/ingest?partition=9999999999", want: http.StatusBadRequest},
		{name: "bad offset", method: http.MethodPost, target: "/ingest?offset=-x", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			putter := &fakePutter{}
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader("{}\n"))
			w := httptest.NewRecorder()

			ingestHandler(putter)(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Nil(t, putter.records)
		})
	}
}

func TestIngest_EndToEnd(t *testing.T) {
	fhir := testutil.NewMockFHIR()
	defer fhir.Close()
	fhir.Enqueue(testutil.NewUnprocessableResponse("bad gender"))

	cfg := client.DefaultConfig(fhir.URL(), staticTokens("token"))
	cfg.HTTPClient = fhir.Client()
	submitter, err := client.New(cfg)
	require.NoError(t, err)
	defer submitter.Close()

	mux := newMux(sink.NewWorker(submitter), nil)

	body := `{"resourceType":"Patient","id":"1","gender":"x"}` + "\n" + `{"resourceType":"Patient","id":"2"}` + "\n"
	req := httptest.NewRequest(http.MethodPost, "/ingest?topic=fhir&offset=7", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeIngest(t, w)
	require.NotNil(t, resp.FailedOffset)
	assert.Equal(t, int64(7), *resp.FailedOffset)
	assert.Equal(t, 1, fhir.RequestCount(), "record after the failure is not attempted")
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }
func (s staticTokens) Invalidate()                            {}

func TestNewRedisClient(t *testing.T) {
	c, err := newRedisClient("localhost:6380")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", c.Options().Addr)
	c.Close()

	c, err = newRedisClient("redis://:pw@cache.internal:6379/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", c.Options().Addr)
	assert.Equal(t, 2, c.Options().DB)
	assert.Equal(t, "pw", c.Options().Password)
	c.Close()

	_, err = newRedisClient("redis://host:6379/notanumber")
	assert.Error(t, err)
}

func TestReadRecords_LineTooLong(t *testing.T) {
	_, err := readRecords(strings.NewReader(strings.Repeat("x", maxRecordBytes+10)), "t", 0, 0)
	assert.Error(t, err)
}
