package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/zerrors"
)

// streamEvent is the wire form of one broker event on GET /events.
type streamEvent struct {
	Type           types.EventType   `json:"type"`
	Timestamp      time.Time         `json:"timestamp"`
	ProjectID      string            `json:"project_id,omitempty"`
	EnvironmentID  string            `json:"environment_id,omitempty"`
	ServiceID      string            `json:"service_id,omitempty"`
	DeploymentHash string            `json:"deployment_hash,omitempty"`
	Message        string            `json:"message,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// publishReceived announces an authenticated provider delivery on the
// event stream before it is dispatched.
func (s *Server) publishReceived(provider, event string, app *types.GitApp) {
	s.broker.Publish(&types.Event{
		Type:    types.EventWebhookReceived,
		Message: provider + " " + event,
		Data: map[string]string{
			"provider": provider,
			"event":    event,
			"git_app":  app.ID,
		},
	})
}

// handleEvents streams lifecycle events as newline-delimited JSON until
// the client disconnects or the broker stops. Query parameters narrow
// the feed: project, environment, service, deployment.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, zerrors.Validationf("stream", "http connection does not support streaming"))
		return
	}

	q := r.URL.Query()
	sub := s.broker.Subscribe(events.Scope{
		ProjectID:      q.Get("project"),
		EnvironmentID:  q.Get("environment"),
		ServiceID:      q.Get("service"),
		DeploymentHash: q.Get("deployment"),
	})
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.broker.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := enc.Encode(streamEvent{
				Type:           ev.Type,
				Timestamp:      ev.Timestamp,
				ProjectID:      ev.ProjectID,
				EnvironmentID:  ev.EnvironmentID,
				ServiceID:      ev.ServiceID,
				DeploymentHash: ev.DeploymentHash,
				Message:        ev.Message,
				Data:           ev.Data,
			}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
