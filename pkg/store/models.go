package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"circulation/pkg/domain"
)

// GORM models used for persistence.
type TitleModel struct {
	ID              string    `gorm:"primaryKey"`
	Name            string    `gorm:"not null"`
	TotalCopies     int       `gorm:"not null"`
	AvailableCopies int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type MemberModel struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	Status          string    `gorm:"not null"`
	UnpaidDebt      int64     `gorm:"not null;default:0"`
	MaxActiveCopies int       `gorm:"not null"`
	MaxRenewals     int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type HoldModel struct {
	ID        string    `gorm:"primaryKey"`
	TitleID   string    `gorm:"not null;index:idx_hold_title_state"`
	SessionID string    `gorm:"index"`
	Quantity  int       `gorm:"not null"`
	State     string    `gorm:"not null;index:idx_hold_title_state"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type BorrowSessionModel struct {
	ID           string `gorm:"primaryKey"`
	MemberID     string `gorm:"not null;index"`
	Status       string `gorm:"not null;index"`
	BorrowDate   *time.Time
	DueDate      *time.Time `gorm:"index"`
	ReturnDate   *time.Time
	RenewalCount int `gorm:"not null;default:0"`
	Notes        string
	RejectReason string
	Version      int64     `gorm:"not null;default:1"`
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// BookLineModel stores the return condition as return_condition;
// "condition" is reserved in MySQL.
type BookLineModel struct {
	ID              string `gorm:"primaryKey"`
	SessionID       string `gorm:"not null;index"`
	Position        int    `gorm:"not null"`
	TitleID         string `gorm:"not null;index"`
	HoldID          string `gorm:"not null"`
	ReturnCondition string
}

type ViolationModel struct {
	ID          string `gorm:"primaryKey"`
	MemberID    string `gorm:"not null;index"`
	SessionID   string `gorm:"index"`
	Amount      int64  `gorm:"not null"`
	PaidAmount  int64  `gorm:"not null;default:0"`
	Reason      string `gorm:"not null"`
	Description string
	IsPaid      bool `gorm:"not null;default:false;index"`
	PaidAt      *time.Time
	CreatedAt   time.Time `gorm:"not null;index"`
}

type TransitionModel struct {
	ID         string `gorm:"primaryKey"`
	SessionID  string `gorm:"not null;index"`
	FromStatus string
	ToStatus   string `gorm:"not null"`
	ActorID    string
	Metadata   datatypes.JSON
	At         time.Time `gorm:"not null;index"`
}

func titleToModel(t domain.Title) TitleModel {
	return TitleModel{
		ID:              t.ID,
		Name:            t.Name,
		TotalCopies:     t.TotalCopies,
		AvailableCopies: t.AvailableCopies,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func titleFromModel(m TitleModel) domain.Title {
	return domain.Title{
		ID:              m.ID,
		Name:            m.Name,
		TotalCopies:     m.TotalCopies,
		AvailableCopies: m.AvailableCopies,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func memberToModel(m domain.Member) MemberModel {
	return MemberModel{
		ID:              m.ID,
		Name:            m.Name,
		Status:          string(m.Status),
		UnpaidDebt:      m.UnpaidDebt,
		MaxActiveCopies: m.MaxActiveCopies,
		MaxRenewals:     m.MaxRenewals,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func memberFromModel(m MemberModel) domain.Member {
	return domain.Member{
		ID:              m.ID,
		Name:            m.Name,
		Status:          domain.MemberStatus(m.Status),
		UnpaidDebt:      m.UnpaidDebt,
		MaxActiveCopies: m.MaxActiveCopies,
		MaxRenewals:     m.MaxRenewals,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func holdToModel(h domain.Hold) HoldModel {
	return HoldModel{
		ID:        h.ID,
		TitleID:   h.TitleID,
		SessionID: h.SessionID,
		Quantity:  h.Quantity,
		State:     string(h.State),
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
	}
}

func holdFromModel(m HoldModel) domain.Hold {
	return domain.Hold{
		ID:        m.ID,
		TitleID:   m.TitleID,
		SessionID: m.SessionID,
		Quantity:  m.Quantity,
		State:     domain.HoldState(m.State),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func sessionToModel(s domain.BorrowSession) (BorrowSessionModel, []BookLineModel) {
	model := BorrowSessionModel{
		ID:           s.ID,
		MemberID:     s.MemberID,
		Status:       string(s.Status),
		BorrowDate:   s.BorrowDate,
		DueDate:      s.DueDate,
		ReturnDate:   s.ReturnDate,
		RenewalCount: s.RenewalCount,
		Notes:        s.Notes,
		RejectReason: s.RejectReason,
		Version:      s.Version,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	lines := make([]BookLineModel, 0, len(s.Lines))
	for i, line := range s.Lines {
		lines = append(lines, BookLineModel{
			ID:              line.ID,
			SessionID:       s.ID,
			Position:        i,
			TitleID:         line.TitleID,
			HoldID:          line.HoldID,
			ReturnCondition: string(line.Condition),
		})
	}
	return model, lines
}

func sessionFromModel(m BorrowSessionModel, lines []BookLineModel) domain.BorrowSession {
	s := domain.BorrowSession{
		ID:           m.ID,
		MemberID:     m.MemberID,
		Status:       domain.SessionStatus(m.Status),
		BorrowDate:   m.BorrowDate,
		DueDate:      m.DueDate,
		ReturnDate:   m.ReturnDate,
		RenewalCount: m.RenewalCount,
		Notes:        m.Notes,
		RejectReason: m.RejectReason,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		Lines:        make([]domain.BookLine, 0, len(lines)),
	}
	for _, line := range lines {
		s.Lines = append(s.Lines, domain.BookLine{
			ID:        line.ID,
			SessionID: line.SessionID,
			TitleID:   line.TitleID,
			HoldID:    line.HoldID,
			Condition: domain.Condition(line.ReturnCondition),
		})
	}
	return s
}

func violationToModel(v domain.Violation) ViolationModel {
	return ViolationModel{
		ID:          v.ID,
		MemberID:    v.MemberID,
		SessionID:   v.SessionID,
		Amount:      v.Amount,
		PaidAmount:  v.PaidAmount,
		Reason:      string(v.Reason),
		Description: v.Description,
		IsPaid:      v.IsPaid,
		PaidAt:      v.PaidAt,
		CreatedAt:   v.CreatedAt,
	}
}

func violationFromModel(m ViolationModel) domain.Violation {
	return domain.Violation{
		ID:          m.ID,
		MemberID:    m.MemberID,
		SessionID:   m.SessionID,
		Amount:      m.Amount,
		PaidAmount:  m.PaidAmount,
		Reason:      domain.ViolationReason(m.Reason),
		Description: m.Description,
		IsPaid:      m.IsPaid,
		PaidAt:      m.PaidAt,
		CreatedAt:   m.CreatedAt,
	}
}

func transitionToModel(t domain.Transition) (TransitionModel, error) {
	model := TransitionModel{
		ID:         t.ID,
		SessionID:  t.SessionID,
		FromStatus: string(t.From),
		ToStatus:   string(t.To),
		ActorID:    t.ActorID,
		At:         t.At,
	}
	if len(t.Metadata) > 0 {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return TransitionModel{}, err
		}
		model.Metadata = datatypes.JSON(raw)
	}
	return model, nil
}

func transitionFromModel(m TransitionModel) domain.Transition {
	t := domain.Transition{
		ID:        m.ID,
		SessionID: m.SessionID,
		From:      domain.SessionStatus(m.FromStatus),
		To:        domain.SessionStatus(m.ToStatus),
		ActorID:   m.ActorID,
		At:        m.At,
	}
	if len(m.Metadata) > 0 {
		meta := map[string]any{}
		if err := json.Unmarshal(m.Metadata, &meta); err == nil {
			t.Metadata = meta
		}
	}
	return t
}
