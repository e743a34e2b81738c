package ingress

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	sheet, err := s.signing.Sheet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.signing.Refresh(r.Context(), id)
	if err != nil {
		s.log.Warn("Refresh failed", "sheetID", id, "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSign prepares a signing session. The request body is the PDF.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pdf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "DOCUMENT_TOO_LARGE", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", err.Error())
		return
	}

	session, err := s.signing.PrepareSession(r.Context(), id, pdf)
	if err != nil {
		s.log.Warn("Prepare session failed", "sheetID", id, "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
