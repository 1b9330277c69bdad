package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/sprinkles/chat"
	"github.com/onnwee/sprinkles/notify"
	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probes. The process being able to
// serve is the only check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once every identity holds a token and the chat
// session, when configured, is connected.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	var checks []check
	for _, id := range h.deps.Identities {
		checks = append(checks, check{"identity", func() error {
			s := id.Snapshot()
			if s.AuthorizationPending {
				return fmt.Errorf("%s: waiting for authorization", s.Identity)
			}
			if !s.HasAccessToken {
				return fmt.Errorf("%s: no access token", s.Identity)
			}
			return nil
		}})
	}
	if h.deps.Chat != nil {
		checks = append(checks, check{"chat", func() error {
			if st := h.deps.Chat.State(); st != chat.Connected {
				return fmt.Errorf("chat session %s", st)
			}
			return nil
		}})
	}

	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Version    string           `json:"version,omitempty"`
	Identities []oauth.Snapshot `json:"identities"`
	Chat       *chat.Snapshot   `json:"chat,omitempty"`
	Pollers    []notify.Status  `json:"pollers"`
}

// HandleStatus reports token, chat and poller state. Token values are never
// included.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:    h.deps.Version,
		Identities: make([]oauth.Snapshot, 0, len(h.deps.Identities)),
		Pollers:    make([]notify.Status, 0, len(h.deps.Pollers)),
	}
	for _, id := range h.deps.Identities {
		resp.Identities = append(resp.Identities, id.Snapshot())
	}
	if h.deps.Chat != nil {
		s := h.deps.Chat.Snapshot()
		resp.Chat = &s
	}
	for _, p := range h.deps.Pollers {
		resp.Pollers = append(resp.Pollers, p.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminPoll runs one cycle of the poller named by ?source= and reports
// the items it notified.
func (h *Handlers) HandleAdminPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	source := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	var poller Poller
	for _, p := range h.deps.Pollers {
		if p.Name() == source {
			poller = p
			break
		}
	}
	if poller == nil {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"), slog.String("source", source))
	log.Info("manual poll cycle requested")
	events := poller.Cycle(r.Context())
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.SourceKey+"/"+ev.ItemID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   source,
		"notified": len(events),
		"items":    ids,
	})
}
