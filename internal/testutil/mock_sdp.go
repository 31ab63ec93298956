// Package testutil provides testing utilities for the SDP client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// TokenPath is the token endpoint path served by MockSDP.
const TokenPath = "/oauth/v2/token"

// MockSDPResponse defines the behavior for a mock endpoint response.
type MockSDPResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// ListInfo is the paging part of input_data as seen by the mock.
type ListInfo struct {
	RowCount      int  `json:"row_count"`
	StartIndex    int  `json:"start_index"`
	GetTotalCount bool `json:"get_total_count"`
}

// MockSDP is a configurable mock of the OAuth token endpoint and the SDP
// resource API.
type MockSDP struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Token endpoint behavior
	TokenExpiresIn int
	RotateRefresh  bool
	refreshToken   string
	issued         map[string]bool

	// Tracking
	RequestCount      int
	TokenCount        int
	LastTokenForm     map[string]string
	LastRequestHeader http.Header
	ListInfos         []ListInfo
}

// NewMockSDP creates a new mock server. Resource calls must carry a token
// issued by the mock's token endpoint.
func NewMockSDP() *MockSDP {
	mock := &MockSDP{
		handlers:       make(map[string]func(w http.ResponseWriter, r *http.Request)),
		issued:         make(map[string]bool),
		TokenExpiresIn: 3600,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == TokenPath {
			mock.tokenHandler(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		if li, ok := parseListInfo(r); ok {
			mock.ListInfos = append(mock.ListInfos, li)
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Zoho-oauthtoken ")
		authorized := mock.issued[token]
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if !authorized {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"response_status": map[string]any{"status_code": 4001, "status": "failed"},
			})
			return
		}

		if exists {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusNotFound, map[string]any{
			"response_status": map[string]any{"status_code": 4007, "status": "failed"},
		})
	}))

	return mock
}

// URL returns the mock server URL, usable as the service URL.
func (m *MockSDP) URL() string {
	return m.server.URL
}

// TokenURL returns the OAuth base URL of the mock.
func (m *MockSDP) TokenURL() string {
	return m.server.URL + strings.TrimSuffix(TokenPath, "/token")
}

// Close shuts down the mock server.
func (m *MockSDP) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockSDP) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.TokenCount = 0
	m.LastTokenForm = nil
	m.LastRequestHeader = nil
	m.ListInfos = nil
}

// SetRefreshToken makes the token endpoint accept only the given refresh token.
func (m *MockSDP) SetRefreshToken(refresh string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshToken = refresh
}

// RevokeTokens invalidates every issued access token.
func (m *MockSDP) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued = make(map[string]bool)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSDP) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockSDP) SetResponse(path string, resp MockSDPResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
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
	})
}

// SetCollection serves total generated records under resultField, paged by
// the request's list_info like the real API.
func (m *MockSDP) SetCollection(path, resultField string, total int) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		li, ok := parseListInfo(r)
		if !ok {
			li = ListInfo{RowCount: 50, StartIndex: 1}
		}

		first := li.StartIndex
		last := min(first+li.RowCount-1, total)

		records := make([]map[string]any, 0, max(0, last-first+1))
		for i := first; i <= last; i++ {
			records = append(records, NewRecord(i))
		}

		listInfo := map[string]any{
			"row_count":     len(records),
			"start_index":   li.StartIndex,
			"has_more_rows": last < total,
		}
		if li.GetTotalCount {
			listInfo["total_count"] = total
		}

		writeJSON(w, http.StatusOK, map[string]any{
			resultField:       records,
			"list_info":       listInfo,
			"response_status": []map[string]any{{"status_code": 2000, "status": "success"}},
		})
	})
}

// SetPageSizes serves pages with the given record counts in call order,
// ignoring the requested row count. Calls past the last size get an empty page.
func (m *MockSDP) SetPageSizes(path, resultField string, sizes ...int) {
	var (
		mu   sync.Mutex
		call int
		next = 1
	)

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := 0
		if call < len(sizes) {
			n = sizes[call]
		}
		call++
		start := next
		next += n
		mu.Unlock()

		records := make([]map[string]any, 0, n)
		for i := start; i < start+n; i++ {
			records = append(records, NewRecord(i))
		}

		writeJSON(w, http.StatusOK, map[string]any{resultField: records})
	})
}

// NewRecord returns the generated record with sequence number i.
func NewRecord(i int) map[string]any {
	return map[string]any{
		"id":   fmt.Sprintf("%d", 100000+i),
		"name": fmt.Sprintf("asset-%04d", i),
		"state": map[string]any{
			"name": "In Use",
		},
	}
}

// GetRequestCount returns the number of resource requests made to the server.
func (m *MockSDP) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetTokenCount returns the number of token requests made to the server.
func (m *MockSDP) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenCount
}

// GetListInfos returns the list_info of every resource request so far.
func (m *MockSDP) GetListInfos() []ListInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ListInfo(nil), m.ListInfos...)
}

// GetLastTokenForm returns the form of the last token request.
func (m *MockSDP) GetLastTokenForm() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastTokenForm
}

func (m *MockSDP) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.TokenCount++
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	m.LastTokenForm = form

	if form["grant_type"] != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}
	// The real endpoint reports a bad refresh token with 200 and an error field.
	if m.refreshToken != "" && form["refresh_token"] != m.refreshToken {
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid_code"})
		return
	}

	access := fmt.Sprintf("A%d", m.TokenCount)
	m.issued[access] = true

	body := map[string]any{
		"access_token": access,
		"api_domain":   m.server.URL,
		"token_type":   "Bearer",
		"expires_in":   m.TokenExpiresIn,
	}
	if m.RotateRefresh {
		rotated := fmt.Sprintf("R%d", m.TokenCount)
		body["refresh_token"] = rotated
		if m.refreshToken != "" {
			m.refreshToken = rotated
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func parseListInfo(r *http.Request) (ListInfo, bool) {
	raw := r.URL.Query().Get("input_data")
	if raw == "" {
		return ListInfo{}, false
	}
	var in struct {
		ListInfo *ListInfo `json:"list_info"`
	}
	if err := json.Unmarshal([]byte(raw), &in); err != nil || in.ListInfo == nil {
		return ListInfo{}, false
	}
	return *in.ListInfo, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockSDPResponse {
	return MockSDPResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"response_status":{"status_code":5000,"status":"failed"}}`,
		Headers:    map[string]string{"Content-Type": "application/json;charset=UTF-8"},
	}
}

// NewRedirectResponse creates a 301 response pointing at location.
func NewRedirectResponse(location string) MockSDPResponse {
	return MockSDPResponse{
		StatusCode: http.StatusMovedPermanently,
		Headers:    map[string]string{"Location": location},
	}
}
