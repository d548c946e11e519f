package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/events"
)

const maxPublishBody = 64 << 10

type publishRequest struct {
	UserID string                 `json:"userId"`
	Event  events.ProcessingEvent `json:"event"`
}

// publishEvent handles POST /internal/v1/events for workers running outside
// this process. Delivery is best-effort, so a well-formed request is always
// accepted.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	body := http.MaxBytesReader(w, r.Body, maxPublishBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "empty body")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON")
		}
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, events.ErrMissingUser.Error())
		return
	}
	if req.Event.Type == "" {
		writeError(w, http.StatusBadRequest, events.ErrMissingType.Error())
		return
	}
	s.notifier.Publish(req.UserID, req.Event)
	s.logger.Debug("event accepted",
		zap.String("user_id", req.UserID),
		zap.String("event_type", string(req.Event.Type)),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
