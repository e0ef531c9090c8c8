package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/fhir-secure-sink/pkg/auth"
	"github.com/Sternrassler/fhir-secure-sink/pkg/cache"
	"github.com/Sternrassler/fhir-secure-sink/pkg/client"
	"github.com/Sternrassler/fhir-secure-sink/pkg/config"
	"github.com/Sternrassler/fhir-secure-sink/pkg/logging"
	"github.com/Sternrassler/fhir-secure-sink/pkg/metrics"
	"github.com/Sternrassler/fhir-secure-sink/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// maxIngestBytes caps one /ingest body.
	maxIngestBytes = 16 << 20

	// maxRecordBytes caps one NDJSON line.
	maxRecordBytes = 4 << 20

	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("fhir-sink")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("FHIR sink stopped with error")
	}
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var redisClient *redis.Client
	var store auth.SharedStore
	if cfg.SharedStoreEnabled() {
		var err error
		redisClient, err = newRedisClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Str("addr", redisClient.Options().Addr).Msg("Connected to Redis, shared token store enabled")
		store = cache.NewManager(redisClient)
	}

	tokens, err := auth.New(auth.Config{
		AuthorityURL: cfg.Azure.AuthorityURL,
		TenantID:     cfg.Azure.TenantID,
		ClientID:     cfg.Azure.ClientID,
		ClientSecret: cfg.Azure.ClientSecret(),
		Scope:        cfg.Azure.Scope,
		Resource:     cfg.Azure.Resource,
		Store:        store,
	})
	if err != nil {
		return fmt.Errorf("create token cache: %w", err)
	}
	defer tokens.Close()

	submitterCfg := client.DefaultConfig(cfg.FHIR.ServerURL, tokens)
	submitterCfg.RequestTimeout = cfg.Timeout()
	submitterCfg.Retry = client.RetryConfig{
		Attempts:    cfg.Retry.Attempts,
		BaseBackoff: cfg.Backoff(),
	}
	submitterCfg.ValidationEnabled = cfg.FHIR.ValidationEnabled
	submitterCfg.ExpectedResourceType = cfg.FHIR.ResourceType

	submitter, err := client.New(submitterCfg)
	if err != nil {
		return fmt.Errorf("create submitter: %w", err)
	}
	// Deferred after tokens.Close, so the submitter closes first.
	defer submitter.Close()

	worker := sink.NewWorker(submitter)

	var readiness pinger
	if redisClient != nil {
		readiness = cache.NewManager(redisClient)
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           newMux(worker, readiness),
		ReadHeaderTimeout: 10 * time.Second,
		// In-flight ingests inherit ctx, so a shutdown signal interrupts
		// retry backoff instead of waiting it out.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("fhir_server", cfg.FHIR.ServerURL).
			Int("retry_attempts", cfg.Retry.Attempts).
			Msg("Starting FHIR sink server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutdown signal received, draining in-flight batches")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("FHIR sink stopped")
	return nil
}

// newRedisClient accepts a redis:// URL or a plain host:port address.
func newRedisClient(raw string) (*redis.Client, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}

// batchPutter processes one batch. *sink.Worker implements it.
type batchPutter interface {
	Put(ctx context.Context, records []sink.Record) (sink.BatchResult, error)
}

// pinger reports shared store health. *cache.Manager implements it.
type pinger interface {
	Ping(ctx context.Context) error
}

func newMux(worker batchPutter, p pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(p))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ingest", ingestHandler(worker))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := p.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed: shared token store unavailable")
				http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// ingestResponse is the JSON body returned by /ingest.
type ingestResponse struct {
	Total        int    `json:"total"`
	Succeeded    int    `json:"succeeded"`
	Skipped      int    `json:"skipped"`
	Error        string `json:"error,omitempty"`
	FailedIndex  *int   `json:"failed_index,omitempty"`
	FailedOffset *int64 `json:"failed_offset,omitempty"`
}

// ingestHandler accepts an NDJSON batch; each line is one record.
// Query parameters: topic, partition, offset (offset of the first line).
func ingestHandler(worker batchPutter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		topic := query.Get("topic")
		if topic == "" {
			topic = "http"
		}
		partition, err := parseIntParam(query.Get("partition"), 32)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid partition: %v", err), http.StatusBadRequest)
			return
		}
		baseOffset, err := parseIntParam(query.Get("offset"), 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid offset: %v", err), http.StatusBadRequest)
			return
		}

		records, err := readRecords(http.MaxBytesReader(w, r.Body, maxIngestBytes), topic, int32(partition), baseOffset)
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
			return
		}

		result, err := worker.Put(r.Context(), records)
		resp := ingestResponse{
			Total:     result.Total,
			Succeeded: result.Succeeded,
			Skipped:   result.Skipped,
		}
		if err == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}

		resp.Error = err.Error()
		var batchErr *sink.BatchError
		if errors.As(err, &batchErr) {
			index, offset := batchErr.Index, batchErr.Record.Offset
			resp.FailedIndex = &index
			resp.FailedOffset = &offset
		}
		writeJSON(w, ingestStatus(err), resp)
	}
}

// ingestStatus maps a batch failure to an HTTP status.
func ingestStatus(err error) int {
	var terminal *client.TerminalError
	switch {
	case errors.As(err, &terminal):
		return http.StatusBadGateway
	case errors.Is(err, client.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, client.ErrContextCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func parseIntParam(raw string, bitSize int) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, bitSize)
}

// readRecords splits an NDJSON body into records; blank lines are kept so
// offsets stay aligned and the worker skips them.
func readRecords(body io.Reader, topic string, partition int32, baseOffset int64) ([]sink.Record, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), maxRecordBytes)

	var records []sink.Record
	for i := int64(0); scanner.Scan(); i++ {
		records = append(records, sink.Record{
			Topic:     topic,
			Partition: partition,
			Offset:    baseOffset + i,
			Value:     append([]byte(nil), scanner.Bytes()...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
