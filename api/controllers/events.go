package controllers

import (
	"net/http"

	"github.com/badgekeep/badgekeep-backend/api/responses"
	"github.com/badgekeep/badgekeep-backend/api/validators"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

type publishEventRequest struct {
	EventType string         `json:"event_type" validate:"required"`
	SubjectID string         `json:"subject_id" validate:"required"`
	Payload   map[string]any `json:"payload"`
	Origin    string         `json:"origin"`
}

type publishEventResponse struct {
	StreamEntryID string `json:"stream_entry_id"`
	EventLogID    string `json:"event_log_id"`
}

// PublishEvent accepts one activity event and acknowledges with the stream
// entry and audit record ids. Processing is asynchronous.
func PublishEvent(svc ingest.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req publishEventRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Publish(ctx, ingest.PublishInput{
			EventType: req.EventType,
			SubjectID: req.SubjectID,
			Payload:   req.Payload,
			Origin:    req.Origin,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, publishEventResponse{
			StreamEntryID: result.StreamEntryID,
			EventLogID:    result.EventLogID.String(),
		})
	}
}
