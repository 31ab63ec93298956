package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/sdp-client/internal/config"
	"github.com/Sternrassler/sdp-client/internal/testutil"
	"github.com/Sternrassler/sdp-client/pkg/client"
)

func testConfig(mock *testutil.MockSDP) config.Config {
	return config.Config{
		ServiceURL:  mock.URL(),
		HTTPTimeout: 5 * time.Second,
		PageSize:    client.DefaultRowCount,
		ListenAddr:  ":0",
		OAuth: config.OAuthConfig{
			TokenURL:     mock.TokenURL(),
			ExpiryWindow: time.Minute,
		},
		RateLimit: config.RateLimitConfig{Calls: 100, Window: time.Second},
		Client: config.ClientConfig{
			ID:           "1000.TEST",
			Secret:       "secret",
			RefreshToken: "refresh",
		},
		Log: config.LogConfig{Level: "error"},
	}
}

func setupTestApp(t *testing.T) (*app, *testutil.MockSDP) {
	t.Helper()

	mock := testutil.NewMockSDP()
	t.Cleanup(mock.Close)

	a, err := newApp(context.Background(), testConfig(mock))
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	return a, mock
}

func TestNewApp_RequiresCredentials(t *testing.T) {
	mock := testutil.NewMockSDP()
	defer mock.Close()

	cfg := testConfig(mock)
	cfg.Client.RefreshToken = ""

	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Error("newApp() should fail without a refresh token")
	}
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	mock := testutil.NewMockSDP()
	defer mock.Close()

	cfg := testConfig(mock)
	cfg.Redis.Addr = "127.0.0.1:1"

	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Error("newApp() should fail when Redis cannot be reached")
	}
}

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
	t.Run("ready_without_redis", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(nil)(w, req)

		resp := w.Result()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		if string(body) != "OK" {
			t.Errorf("Expected body 'OK', got %s", string(body))
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		redisClient := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
		})
		defer redisClient.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		readyHandler(redisClient)(w, req)

		resp := w.Result()

		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", resp.StatusCode)
		}
	})
}

func TestSDPProxyHandler(t *testing.T) {
	a, mock := setupTestApp(t)
	mock.SetCollection("/api/v3/assets", "assets", 3)

	router := newRouter(a)

	t.Run("records", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/sdp/api/v3/assets?field=assets&row_count=2&total=true", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}

		var result struct {
			Endpoint     string            `json:"endpoint"`
			Records      []json.RawMessage `json:"records"`
			ListInfo     client.ListInfo   `json:"list_info"`
			ResponseTime string            `json:"response_time"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}

		if result.Endpoint != "/api/v3/assets" {
			t.Errorf("endpoint = %s, want /api/v3/assets", result.Endpoint)
		}
		if len(result.Records) != 2 {
			t.Errorf("records = %d, want 2", len(result.Records))
		}
		if result.ListInfo.TotalCount == nil || *result.ListInfo.TotalCount != 3 {
			t.Errorf("list_info.total_count = %v, want 3", result.ListInfo.TotalCount)
		}
		if len(result.ResponseTime) != len("00:00:00.000") {
			t.Errorf("response_time = %q, want hh:mm:ss.mmm", result.ResponseTime)
		}

		infos := mock.GetListInfos()
		if len(infos) == 0 || infos[len(infos)-1].RowCount != 2 || !infos[len(infos)-1].GetTotalCount {
			t.Errorf("list_info sent = %+v, want row_count 2 with total count", infos)
		}
	})

	t.Run("unknown_endpoint", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/sdp/api/v3/unknown", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		resp := w.Result()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
		if !strings.Contains(string(body), "4007") {
			t.Errorf("Expected the SDP error payload in the body, got %s", body)
		}
	})

	t.Run("invalid_row_count", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/sdp/api/v3/assets?row_count=0", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Result().StatusCode)
		}
	})

	t.Run("upstream_unreachable", func(t *testing.T) {
		cfg := testConfig(mock)
		cfg.ServiceURL = "http://127.0.0.1:1"
		down, err := newApp(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Failed to create app: %v", err)
		}

		req := httptest.NewRequest("GET", "/sdp/api/v3/assets", nil)
		w := httptest.NewRecorder()

		newRouter(down).ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusBadGateway {
			t.Errorf("Expected status 502, got %d", w.Result().StatusCode)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	a, mock := setupTestApp(t)
	mock.SetCollection("/api/v3/assets", "assets", 1)

	router := newRouter(a)

	// One proxied call registers the request series.
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/sdp/api/v3/assets?field=assets", nil))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	for _, name := range []string{"sdp_requests_total", "sdp_token_refreshes_total", "sdp_rate_limit_acquired_total"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestListCommand(t *testing.T) {
	mock := testutil.NewMockSDP()
	defer mock.Close()
	mock.SetCollection("/api/v3/assets", "assets", 3)

	t.Chdir(t.TempDir())
	t.Setenv("SDP_SERVICE_URL", mock.URL())
	t.Setenv("SDP_TOKEN_URL", mock.TokenURL())
	t.Setenv("SDP_CLIENT_ID", "1000.TEST")
	t.Setenv("SDP_CLIENT_SECRET", "secret")
	t.Setenv("SDP_CLIENT_REFRESH_TOKEN", "refresh")
	t.Setenv("SDP_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"list", "/api/v3/assets", "--field", "assets", "--fields", "name,state.name", "--page-size", "2"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"asset-0001", "asset-0003", "In Use", "3 records in 2 pages"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	infos := mock.GetListInfos()
	if len(infos) != 2 || infos[1].StartIndex != 3 {
		t.Errorf("list_info sent = %+v, want two pages starting at 1 and 3", infos)
	}
}

func TestRenderRecords(t *testing.T) {
	records := []client.Record{
		client.Record(`{"name":"a","state":{"name":"In Use"},"id":7}`),
		client.Record(`{"name":"b","owner":null}`),
	}

	t.Run("explicit_columns", func(t *testing.T) {
		got, err := renderRecords(records, []string{"name", "state.name"})
		if err != nil {
			t.Fatalf("renderRecords() error = %v", err)
		}
		if !strings.Contains(got, "In Use") || !strings.Contains(got, "STATE.NAME") {
			t.Errorf("unexpected table:\n%s", got)
		}
	})

	t.Run("columns_from_first_record", func(t *testing.T) {
		got, err := renderRecords(records, nil)
		if err != nil {
			t.Fatalf("renderRecords() error = %v", err)
		}
		if !strings.Contains(got, `{"name":"In Use"}`) {
			t.Errorf("nested value should be rendered as JSON:\n%s", got)
		}
	})
}

func TestResolvePageSize(t *testing.T) {
	tests := []struct {
		name    string
		flag    int
		want    int
		wantErr bool
	}{
		{"unset uses config", 0, 50, false},
		{"explicit", 25, 25, false},
		{"maximum", client.MaxRowCount, client.MaxRowCount, false},
		{"too large", 500, 0, true},
		{"negative", -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePageSize(tt.flag, 50)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePageSize(%d) error = %v, wantErr %v", tt.flag, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolvePageSize(%d) = %d, want %d", tt.flag, got, tt.want)
			}
		})
	}
}

func TestListCommand_RejectsPageSize(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SDP_LOG_LEVEL", "error")

	rootCmd.SetArgs([]string{"list", "/api/v3/assets", "--page-size", "500"})
	defer func() {
		rootCmd.SetArgs(nil)
		listPageSize = 0
	}()

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--page-size") {
		t.Errorf("list --page-size 500 error = %v, want a page size error", err)
	}
}

func TestRequiredFields(t *testing.T) {
	got := requiredFields([]string{"name", "state.name", "state.id", "product.type.name"})
	want := []string{"name", "state", "product"}

	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("requiredFields() = %v, want %v", got, want)
	}
}

func TestCellValue(t *testing.T) {
	fields := map[string]any{
		"name":       "laptop",
		"state":      map[string]any{"name": "In Use"},
		"state.name": "flattened",
		"count":      float64(3),
		"owner":      nil,
	}

	tests := []struct {
		column string
		want   string
	}{
		{"name", "laptop"},
		{"state.name", "flattened"},
		{"count", "3"},
		{"owner", ""},
		{"missing", ""},
		{"name.sub", ""},
	}

	for _, tt := range tests {
		if got := cellValue(fields, tt.column); got != tt.want {
			t.Errorf("cellValue(%q) = %q, want %q", tt.column, got, tt.want)
		}
	}
}
