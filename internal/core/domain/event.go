package domain

import "time"

// SigningAction identifies which signer slot an event fills.
type SigningAction string

const (
	ActionFirstSigned  SigningAction = "FIRST_SIGNED"
	ActionSecondSigned SigningAction = "SECOND_SIGNED"

	// ActionParticipantSigned is an ambiguous "someone signed" signal. The
	// state machine resolves it to one of the two slots before applying.
	ActionParticipantSigned SigningAction = "PARTICIPANT_SIGNED"
)

// SigningEvent is produced by ingress and consumed once by the state machine.
type SigningEvent struct {
	DocumentID          string
	Action              SigningAction
	OccurredAt          time.Time
	ParticipantIdentity string
}

// Transition describes the source statuses and target status for an action.
type Transition struct {
	From []SheetStatus
	To   SheetStatus
}

// Transitions is the signing transition table. EXPIRE is handled separately
// because it is time based rather than event based.
var Transitions = map[SigningAction]Transition{
	ActionFirstSigned: {
		From: []SheetStatus{SheetStatusDraft},
		To:   SheetStatusPendingCounterparty,
	},
	ActionSecondSigned: {
		From: []SheetStatus{SheetStatusPendingCounterparty},
		To:   SheetStatusSigned,
	},
}

// ApplyResult is the outcome reported back to ingress.
type ApplyResult struct {
	Processed bool        `json:"processed"`
	Duplicate bool        `json:"duplicate"`
	Ignored   bool        `json:"ignored"`
	Message   string      `json:"message"`
	SheetID   string      `json:"sheetId,omitempty"`
	Status    SheetStatus `json:"status,omitempty"`
}

// Participant is a signer registered with the provider.
type Participant struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Priority int    `json:"priority"`
}
