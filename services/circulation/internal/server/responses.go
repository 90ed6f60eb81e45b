package server

import (
	"time"

	"circulation/pkg/domain"
)

type lineResponse struct {
	ID             string           `json:"id"`
	TitleID        string           `json:"titleId"`
	HoldID         string           `json:"holdId"`
	Condition      domain.Condition `json:"condition,omitempty"`
	ConditionLabel string           `json:"conditionLabel,omitempty"`
}

type sessionResponse struct {
	ID           string               `json:"id"`
	MemberID     string               `json:"memberId"`
	Status       domain.SessionStatus `json:"status"`
	StatusLabel  string               `json:"statusLabel"`
	StoredStatus domain.SessionStatus `json:"storedStatus"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
	BorrowDate   *time.Time           `json:"borrowDate,omitempty"`
	DueDate      *time.Time           `json:"dueDate,omitempty"`
	ReturnDate   *time.Time           `json:"returnDate,omitempty"`
	RenewalCount int                  `json:"renewalCount"`
	Notes        string               `json:"notes,omitempty"`
	RejectReason string               `json:"rejectReason,omitempty"`
	Lines        []lineResponse       `json:"lines"`
	Version      int64                `json:"version"`
}

// toSessionResponse renders a session with overdue folded into Status.
func toSessionResponse(s domain.BorrowSession, now time.Time, l lang) sessionResponse {
	status := s.EffectiveStatus(now)
	lines := make([]lineResponse, 0, len(s.Lines))
	for _, line := range s.Lines {
		lines = append(lines, lineResponse{
			ID:             line.ID,
			TitleID:        line.TitleID,
			HoldID:         line.HoldID,
			Condition:      line.Condition,
			ConditionLabel: conditionLabel(line.Condition, l),
		})
	}
	return sessionResponse{
		ID:           s.ID,
		MemberID:     s.MemberID,
		Status:       status,
		StatusLabel:  statusLabel(status, l),
		StoredStatus: s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		BorrowDate:   s.BorrowDate,
		DueDate:      s.DueDate,
		ReturnDate:   s.ReturnDate,
		RenewalCount: s.RenewalCount,
		Notes:        s.Notes,
		RejectReason: s.RejectReason,
		Lines:        lines,
		Version:      s.Version,
	}
}

type violationResponse struct {
	domain.Violation
	ReasonLabel string `json:"reasonLabel"`
	Outstanding int64  `json:"outstanding"`
}

func toViolationResponse(v domain.Violation, l lang) violationResponse {
	return violationResponse{
		Violation:   v,
		ReasonLabel: reasonLabel(v.Reason, l),
		Outstanding: v.Outstanding(),
	}
}

type transitionResponse struct {
	domain.Transition
	FromLabel string `json:"fromLabel,omitempty"`
	ToLabel   string `json:"toLabel"`
}

func toTransitionResponse(t domain.Transition, l lang) transitionResponse {
	out := transitionResponse{Transition: t, ToLabel: statusLabel(t.To, l)}
	if t.From != "" {
		out.FromLabel = statusLabel(t.From, l)
	}
	return out
}
