package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/gowas/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondErr maps a domain error onto an HTTP status and APIError.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	status, apiErr := classify(err)
	respondError(w, reqID, status, apiErr)
}

func classify(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrNotFound:
			return http.StatusNotFound, apiErr
		case model.ErrConflict:
			return http.StatusConflict, apiErr
		case model.ErrInternal:
			return http.StatusInternalServerError, apiErr
		}
		return http.StatusBadRequest, apiErr
	}

	var transErr *model.InvalidTransitionError
	switch {
	case errors.As(err, &transErr):
		return http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()}
	case errors.Is(err, model.ErrMissingParameter),
		errors.Is(err, model.ErrMissingPredictionFile),
		errors.Is(err, model.ErrInvalidManifest):
		return http.StatusBadRequest, &model.APIError{Code: model.ErrValidation, Message: err.Error()}
	case errors.Is(err, model.ErrWorkflowNotFound), errors.Is(err, model.ErrJobNotFound):
		return http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()}
	case errors.Is(err, model.ErrWorkflowExists),
		errors.Is(err, model.ErrAlreadyPlanned),
		errors.Is(err, model.ErrTerminalStatus):
		return http.StatusConflict, &model.APIError{Code: model.ErrConflict, Message: err.Error()}
	}
	return http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()}
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, reqID string, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, reqID, http.StatusBadRequest, &model.APIError{
		Code:    model.ErrValidation,
		Message: "Invalid JSON body: " + err.Error(),
	})
	return false
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
