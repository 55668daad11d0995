package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockTwitterServer creates a test server that mocks the REST API. Handlers
// are keyed by path; unknown paths return 404.
type MockTwitterServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitterServer creates a new mock REST API server.
func NewMockTwitterServer(t *testing.T) *MockTwitterServer {
	t.Helper()
	m := &MockTwitterServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler under the server lock.
func (m *MockTwitterServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockTwitterServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// TotalHits returns the number of requests served.
func (m *MockTwitterServer) TotalHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.hits {
		n += h
	}
	return n
}

// MockJSON answers path with v encoded as JSON.
func (m *MockTwitterServer) MockJSON(path string, v any) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	})
}

// MockStatus answers path with a bare status code.
func (m *MockTwitterServer) MockStatus(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	})
}

// MockVerifyCredentials adds a handler for /account/verify_credentials.json.
func (m *MockTwitterServer) MockVerifyCredentials(id int64, screenName string) {
	m.MockJSON("/account/verify_credentials.json", map[string]any{
		"id":          id,
		"screen_name": screenName,
		"created_at":  "Mon Jan 02 15:04:05 +0000 2006",
	})
}

// MockRelationships adds handlers for the blocks and no-retweets endpoints.
func (m *MockTwitterServer) MockRelationships(blocked, noRetweets []int64) {
	m.MockJSON("/blocks/ids.json", map[string]any{"ids": blocked, "next_cursor": 0})
	m.MockJSON("/friendships/no_retweets/ids.json", noRetweets)
}

// MockGoogleServer mocks the OAuth2 token endpoint and the location API.
type MockGoogleServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
}

// NewMockGoogleServer creates a new mock token and location server.
func NewMockGoogleServer(t *testing.T) *MockGoogleServer {
	t.Helper()
	m := &MockGoogleServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the mocked token endpoint.
func (m *MockGoogleServer) TokenURL() string { return m.URL + "/token" }

// LocationURL is the mocked location endpoint.
func (m *MockGoogleServer) LocationURL() string { return m.URL + "/location" }

// MockTokenResponse adds a handler for the token endpoint.
func (m *MockGoogleServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token": accessToken,
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}
}

// MockTokenStatus answers the token endpoint with a bare status code.
func (m *MockGoogleServer) MockTokenStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	}
}

// MockLocation adds a handler for the location endpoint.
func (m *MockGoogleServer) MockLocation(lat, long float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/location"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"data": map[string]any{
				"timestampMs": json.Number(jsonInt(at.UnixMilli())),
				"latitude":    lat,
				"longitude":   long,
			},
		})
	}
}

// MockLocationStatus answers the location endpoint with a bare status code.
func (m *MockGoogleServer) MockLocationStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/location"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(status), status)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
