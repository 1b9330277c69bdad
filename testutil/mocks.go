package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer is a Helix stand-in that routes by request path and
// records every request it served.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []*http.Request
}

// NewMockTwitchServer starts a mock server closed with the test.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Clone(r.Context()))
		h, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Requests returns the requests served so far.
func (m *MockTwitchServer) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// MockUsers answers /helix/users with the entries whose login was asked for.
func (m *MockTwitchServer) MockUsers(users ...map[string]string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		want := map[string]bool{}
		for _, l := range r.URL.Query()["login"] {
			want[l] = true
		}
		data := []map[string]string{}
		for _, u := range users {
			if len(want) == 0 || want[u["login"]] {
				data = append(data, u)
			}
		}
		WriteJSON(w, map[string]any{"data": data})
	})
}

// MockStreams answers /helix/streams with the given streams filtered by user_id.
func (m *MockTwitchServer) MockStreams(streams ...map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		want := map[string]bool{}
		for _, id := range r.URL.Query()["user_id"] {
			want[id] = true
		}
		data := []map[string]any{}
		for _, s := range streams {
			if id, _ := s["user_id"].(string); want[id] {
				data = append(data, s)
			}
		}
		WriteJSON(w, map[string]any{"data": data})
	})
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
