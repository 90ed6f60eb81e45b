package app

import (
	"time"

	"circulation/pkg/domain"
)

type DenialReason string

const (
	DenialNone         DenialReason = ""
	DenialNotBorrowed  DenialReason = "not_borrowed"
	DenialOverdue      DenialReason = "overdue"
	DenialRenewalLimit DenialReason = "renewal_limit"
)

// RenewalPolicy decides loan extensions. It has no side effects.
type RenewalPolicy struct {
	MaxRenewals int
	Extension   time.Duration
}

// CanRenew applies the policy-wide renewal cap.
func (p RenewalPolicy) CanRenew(s domain.BorrowSession, now time.Time) (bool, DenialReason) {
	return p.canRenew(s, p.MaxRenewals, now)
}

// LimitFor returns the renewal cap for a member; a member limit can only
// lower the policy cap.
func (p RenewalPolicy) LimitFor(m domain.Member) int {
	if m.MaxRenewals > 0 && m.MaxRenewals < p.MaxRenewals {
		return m.MaxRenewals
	}
	return p.MaxRenewals
}

func (p RenewalPolicy) canRenew(s domain.BorrowSession, limit int, now time.Time) (bool, DenialReason) {
	if s.Status != domain.StatusBorrowed || s.DueDate == nil {
		return false, DenialNotBorrowed
	}
	if now.After(*s.DueDate) {
		return false, DenialOverdue
	}
	if s.RenewalCount >= limit {
		return false, DenialRenewalLimit
	}
	return true, DenialNone
}

// Extend returns the due date after one renewal.
func (p RenewalPolicy) Extend(due time.Time) time.Time {
	return due.Add(p.Extension)
}
