package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/Sternrassler/sdp-client/pkg/metrics"
)

const (
	proxyTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve SDP resources over HTTP",
	Long: `Start an HTTP server that forwards GET /sdp/<endpoint> to the SDP API and
answers with the extracted records and the call timings.

Query parameters of the proxy:
  field        result field holding the records (e.g. assets)
  row_count    page size
  start_index  first record of the page
  total        request total_count (true/false)

Also serves /health, /ready and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           newRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info().
				Str("addr", cfg.ListenAddr).
				Str("service_url", cfg.ServiceURL).
				Str("client_id", a.creds.ID).
				Msg("Starting SDP proxy server")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Msg("Shutting down SDP proxy server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(a.redis))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/sdp/*", sdpProxyHandler(a.client))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while the shared Redis is unreachable. Without
// Redis the process is always ready.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("Readiness check failed")
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// proxyResult is the JSON body of a successful proxy call.
type proxyResult struct {
	Endpoint        string           `json:"endpoint"`
	Records         []client.Record  `json:"records"`
	Dropped         int              `json:"dropped,omitempty"`
	ListInfo        *client.ListInfo `json:"list_info,omitempty"`
	ResponseStatus  json.RawMessage  `json:"response_status,omitempty"`
	ResponseTime    string           `json:"response_time"`
	ParsingTime     string           `json:"parsing_time"`
	TransactionTime string           `json:"transaction_time"`
}

// proxyError is the JSON body of a failed proxy call.
type proxyError struct {
	Error   string          `json:"error"`
	Status  int             `json:"status,omitempty"`
	Link    string          `json:"link,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func sdpProxyHandler(sdpClient *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// /sdp/api/v3/assets -> /api/v3/assets
		endpoint := "/" + chi.URLParam(r, "*")

		query, err := proxyQuery(endpoint, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, proxyError{Error: err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
		defer cancel()

		resp, err := sdpClient.Call(ctx, query)
		if err != nil {
			log.Error().Err(err).Str("endpoint", endpoint).Msg("SDP proxy call failed")
			writeJSON(w, http.StatusBadGateway, proxyError{Error: fmt.Sprintf("SDP request failed: %v", err)})
			return
		}

		if apiErr := resp.Err(); apiErr != nil {
			writeJSON(w, resp.StatusCode, proxyError{
				Error:   apiErr.Error(),
				Status:  resp.StatusCode,
				Link:    resp.Link,
				Payload: resp.ErrorPayload,
			})
			return
		}

		records := resp.Records
		if records == nil {
			records = []client.Record{}
		}
		writeJSON(w, http.StatusOK, proxyResult{
			Endpoint:        resp.Endpoint,
			Records:         records,
			Dropped:         resp.Dropped,
			ListInfo:        resp.ListInfo,
			ResponseStatus:  resp.ResponseStatus,
			ResponseTime:    resp.ResponseTime(),
			ParsingTime:     resp.ParsingTime(),
			TransactionTime: resp.TransactionTime(),
		})
	}
}

// proxyQuery builds the SDP query from the proxy request's parameters.
func proxyQuery(endpoint string, r *http.Request) (client.Query, error) {
	params := r.URL.Query()
	q := client.Query{Endpoint: endpoint, ResultField: params.Get("field")}

	if !params.Has("row_count") && !params.Has("start_index") && !params.Has("total") {
		return q, nil
	}

	li := client.DefaultListInfo()
	if v := params.Get("row_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid row_count %q", v)
		}
		li.RowCount = n
	}
	if v := params.Get("start_index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid start_index %q", v)
		}
		li.StartIndex = n
	}
	if v := params.Get("total"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("invalid total %q", v)
		}
		li.GetTotalCount = b
	}
	if err := li.Validate(); err != nil {
		return q, err
	}
	q.ListInfo = &li
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
