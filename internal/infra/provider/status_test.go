package provider

import (
	"testing"
	"time"
)

func TestMapStatus(t *testing.T) {
	yes, no := true, false
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	tests := []struct {
		name   string
		doc    documentState
		status DocumentStatus
		first  *time.Time
		second *time.Time
	}{
		{
			name:   "coarse status only",
			doc:    documentState{Status: "completed"},
			status: StatusSecondSigned,
		},
		{
			name:   "unknown coarse status",
			doc:    documentState{Status: "draft"},
			status: StatusCreated,
		},
		{
			name: "participant flags override coarse status",
			doc: documentState{Status: "completed", Participants: []participantState{
				{Email: "a", Priority: 1, Signed: &no},
				{Email: "b", Priority: 2, Signed: &no},
			}},
			status: StatusCreated,
		},
		{
			name: "execution timestamp counts as signed",
			doc: documentState{Status: "pending", Participants: []participantState{
				{Email: "a", Priority: 1, ExecutedAt: &t1},
				{Email: "b", Priority: 2},
			}},
			status: StatusFirstSigned,
			first:  &t1,
		},
		{
			name: "ordered by priority not position",
			doc: documentState{Participants: []participantState{
				{Email: "b", Priority: 2, Signed: &yes, ExecutedAt: &t2},
				{Email: "a", Priority: 1, Signed: &yes, ExecutedAt: &t1},
			}},
			status: StatusSecondSigned,
			first:  &t1,
			second: &t2,
		},
		{
			name: "only counterparty signed still maps to first slot",
			doc: documentState{Participants: []participantState{
				{Email: "a", Priority: 1},
				{Email: "b", Priority: 2, ExecutedAt: &t2},
			}},
			status: StatusFirstSigned,
			first:  &t2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := MapStatus(tt.doc)
			if res.Status != tt.status {
				t.Errorf("expected %s, got %s", tt.status, res.Status)
			}
			if !sameTime(res.FirstSignedAt, tt.first) {
				t.Errorf("firstSignedAt: expected %v, got %v", tt.first, res.FirstSignedAt)
			}
			if !sameTime(res.SecondSignedAt, tt.second) {
				t.Errorf("secondSignedAt: expected %v, got %v", tt.second, res.SecondSignedAt)
			}
		})
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
