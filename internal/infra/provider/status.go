package provider

import (
	"sort"
	"strings"
	"time"
)

type participantState struct {
	Email      string     `json:"email"`
	Priority   int        `json:"priority"`
	Signed     *bool      `json:"signed,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

type documentState struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	Participants []participantState `json:"participants"`
}

func (p participantState) hasSigned() bool {
	return (p.Signed != nil && *p.Signed) || p.ExecutedAt != nil
}

// MapStatus normalizes a provider document. Per-participant signed flags and
// execution timestamps take precedence over the document-level status; the
// coarse status is only consulted when no participants are reported.
func MapStatus(doc documentState) *StatusResult {
	if len(doc.Participants) == 0 {
		return &StatusResult{Status: coarseStatus(doc.Status)}
	}

	participants := append([]participantState(nil), doc.Participants...)
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Priority < participants[j].Priority
	})

	var signed []participantState
	for _, p := range participants {
		if p.hasSigned() {
			signed = append(signed, p)
		}
	}

	res := &StatusResult{Status: StatusCreated}
	if len(signed) >= 1 {
		res.Status = StatusFirstSigned
		res.FirstSignedAt = signed[0].ExecutedAt
	}
	if len(signed) >= 2 {
		res.Status = StatusSecondSigned
		res.SecondSignedAt = signed[1].ExecutedAt
	}
	return res
}

func coarseStatus(s string) DocumentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "signed", "second_signed", "executed", "finished":
		return StatusSecondSigned
	case "first_signed", "partially_signed", "partially_executed":
		return StatusFirstSigned
	default:
		return StatusCreated
	}
}
