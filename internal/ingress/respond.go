package ingress

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vietddude/sheetsign/internal/core/failure"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/signing"
)

type errorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeFailure maps an operation error to a status code and body.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *failure.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   verr.Error(),
			Code:    string(verr.Kind),
			Message: verr.UserMessage(),
		})
		return
	}

	switch {
	case errors.Is(err, storage.ErrSheetNotFound):
		writeError(w, http.StatusNotFound, "SHEET_NOT_FOUND", err.Error())
		return
	case errors.Is(err, signing.ErrRefreshThrottled):
		writeError(w, http.StatusTooManyRequests, "THROTTLED", err.Error())
		return
	case errors.Is(err, signing.ErrSessionInProgress), errors.Is(err, signing.ErrNotSignable):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
		return
	}

	var cerr *failure.ClassifiedError
	if errors.As(err, &cerr) {
		status := http.StatusInternalServerError
		switch cerr.Severity {
		case failure.SeverityTemporary:
			status = http.StatusServiceUnavailable
		case failure.SeverityPermanent:
			status = http.StatusBadGateway
		}
		writeError(w, status, cerr.Code, err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
