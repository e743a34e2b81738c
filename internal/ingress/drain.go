package ingress

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vietddude/sheetsign/internal/queue"
)

// ErrUnauthorized is returned when a drain request carries no valid credential.
var ErrUnauthorized = errors.New("unauthorized")

type drainResponse struct {
	OK    bool `json:"ok"`
	Limit int  `json:"limit"`
	queue.Stats
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DrainSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "drain trigger is not configured")
		return
	}
	if err := s.authorizeDrain(r); err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be an integer")
			return
		}
		limit = n
	}
	limit = queue.ClampLimit(limit)

	stats, err := s.jobs.Drain(r.Context(), limit, s.now())
	if err != nil {
		s.log.Error("Drain failed", "error", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{OK: true, Limit: limit, Stats: stats})
}

// authorizeDrain accepts either an HS256 bearer token signed with the drain
// secret or the raw secret in the drain header.
func (s *Server) authorizeDrain(r *http.Request) error {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return ErrUnauthorized
		}
		return s.verifyToken(strings.TrimSpace(token))
	}
	if secretMatches(r.Header.Get(s.cfg.DrainHeader), s.cfg.DrainSecret) {
		return nil
	}
	return ErrUnauthorized
}

func (s *Server) verifyToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.DrainSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return ErrUnauthorized
	}
	return nil
}
