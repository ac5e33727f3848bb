package server

import (
	"net/http"

	"github.com/me/gowas/internal/intake"
	"github.com/me/gowas/pkg/model"
)

// manifestsRequest mirrors the SQS batch shape: each record body carries an
// S3 event notification, optionally wrapped by SNS.
type manifestsRequest struct {
	Records []intake.Record `json:"Records"`
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if s.intake == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
			Code:    model.ErrInternal,
			Message: "manifest intake is not configured",
		})
		return
	}

	var req manifestsRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if len(req.Records) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "Records", Message: "at least one record is required"}))
		return
	}

	respondOK(w, reqID, s.intake.ProcessRecords(r.Context(), req.Records))
}
