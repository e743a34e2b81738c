package ingress

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/metrics"
)

// webhookPayload accepts the field spellings the provider has used across
// API versions.
type webhookPayload struct {
	Event      string `json:"event"`
	Type       string `json:"type"`
	EventType  string `json:"eventType"`
	DocumentID string `json:"documentId"`
	DocID      string `json:"document_id"`
	Document   *struct {
		ID string `json:"id"`
	} `json:"document"`
	OccurredAt  *time.Time `json:"occurredAt"`
	Role        string     `json:"role"`
	Participant *struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"participant"`
}

func (p *webhookPayload) eventType() string {
	for _, v := range []string{p.EventType, p.Event, p.Type} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (p *webhookPayload) documentID() string {
	switch {
	case p.DocumentID != "":
		return p.DocumentID
	case p.DocID != "":
		return p.DocID
	case p.Document != nil:
		return p.Document.ID
	}
	return ""
}

func (p *webhookPayload) role() string {
	if p.Role != "" {
		return p.Role
	}
	if p.Participant != nil {
		return p.Participant.Role
	}
	return ""
}

func (p *webhookPayload) identity() string {
	if p.Participant != nil {
		return p.Participant.Email
	}
	return ""
}

// webhookResponse is always returned with 200 once the event was understood,
// so the provider stops redelivering duplicates and ignored events.
type webhookResponse struct {
	OK bool `json:"ok"`
	domain.ApplyResult
}

// eventAction maps a provider event type and optional role hint to a
// signing action. ok is false for event types that carry no signature.
func eventAction(eventType, role string) (domain.SigningAction, bool) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "first_signed", "document.first_signed":
		return domain.ActionFirstSigned, true
	case "second_signed", "document.second_signed", "document.completed", "document.signed", "completed":
		return domain.ActionSecondSigned, true
	case "signer_signed", "participant.signed", "signer.signed", "signed", "participant_signed":
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "first", "initiator", "owner", "first_signer":
			return domain.ActionFirstSigned, true
		case "second", "counterparty", "recipient", "second_signer":
			return domain.ActionSecondSigned, true
		}
		return domain.ActionParticipantSigned, true
	}
	return "", false
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" && !secretMatches(r.Header.Get(s.cfg.WebhookHeader), s.cfg.WebhookSecret) {
		metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook secret")
		return
	}

	var p webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		metrics.WebhooksTotal.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "invalid JSON body")
		return
	}
	docID := p.documentID()
	if docID == "" {
		metrics.WebhooksTotal.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, "BAD_PAYLOAD", "document id is required")
		return
	}

	action, ok := eventAction(p.eventType(), p.role())
	if !ok {
		metrics.WebhooksTotal.WithLabelValues("unsupported").Inc()
		s.log.Info("Ignoring webhook event", "type", p.eventType(), "documentID", docID)
		writeJSON(w, http.StatusOK, webhookResponse{OK: true, ApplyResult: domain.ApplyResult{
			Ignored: true,
			Message: "unsupported event type",
		}})
		return
	}

	ev := domain.SigningEvent{
		DocumentID:          docID,
		Action:              action,
		ParticipantIdentity: p.identity(),
	}
	if p.OccurredAt != nil {
		ev.OccurredAt = *p.OccurredAt
	} else {
		ev.OccurredAt = s.now()
	}

	res, err := s.signing.Apply(r.Context(), ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		s.log.Error("Failed to apply webhook event", "documentID", docID, "action", action, "error", err)
		writeFailure(w, err)
		return
	}
	metrics.WebhooksTotal.WithLabelValues(webhookResult(res)).Inc()
	writeJSON(w, http.StatusOK, webhookResponse{OK: true, ApplyResult: res})
}

func webhookResult(res domain.ApplyResult) string {
	switch {
	case res.Processed:
		return "processed"
	case res.Duplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
