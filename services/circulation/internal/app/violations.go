package app

import (
	"context"
	"strings"
	"time"

	"circulation/internal/util"
	"circulation/pkg/domain"
	"circulation/pkg/events"
	"circulation/pkg/store"
)

const day = 24 * time.Hour

// ComputeOverdueFee charges ratePerDay for every started day past due.
// Returning on or before the due instant costs nothing.
func ComputeOverdueFee(due, returned time.Time, ratePerDay int64) int64 {
	return int64(DaysLate(due, returned)) * ratePerDay
}

// DaysLate counts started days between due and returned, rounding up.
func DaysLate(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	late := returned.Sub(due)
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days
}

// PaymentResult describes how a payment was spread over violations.
type PaymentResult struct {
	MemberID  string             `json:"memberId"`
	Applied   int64              `json:"applied"`
	Remaining int64              `json:"remainingDebt"`
	Settled   []domain.Violation `json:"settled"`
}

// ViolationEngine records fees and settles member debt. The member's cached
// debt is recomputed from violation rows in the same transaction as every
// violation write.
type ViolationEngine struct {
	store      store.Store
	now        func() time.Time
	ratePerDay int64
	publish    func(context.Context, ...events.Event)
}

// OverdueFee computes the fee for a return at returned.
func (v *ViolationEngine) OverdueFee(due, returned time.Time) int64 {
	return ComputeOverdueFee(due, returned, v.ratePerDay)
}

// RecordViolation appends a manual fee entered by staff.
func (v *ViolationEngine) RecordViolation(ctx context.Context, actor domain.Actor, memberID, sessionID string, amount int64, reason domain.ViolationReason, description string) (domain.Violation, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Violation{}, err
	}
	switch reason {
	case domain.ReasonOverdue, domain.ReasonDamaged, domain.ReasonLost:
	default:
		return domain.Violation{}, validationError(CodeInvalidRequest, "unknown violation reason %q", reason)
	}
	var out domain.Violation
	err := v.store.InTx(ctx, func(tx store.Store) error {
		if _, err := v.lockMember(ctx, tx, memberID); err != nil {
			return err
		}
		if sessionID != "" {
			if _, ok, err := tx.GetSession(ctx, sessionID); err != nil {
				return err
			} else if !ok {
				return notFoundError(CodeSessionNotFound, "session %s not found", sessionID)
			}
		}
		var err error
		out, err = v.record(ctx, tx, memberID, sessionID, amount, reason, description)
		return err
	})
	if err != nil {
		return domain.Violation{}, err
	}
	v.publish(ctx, violationEvent(out))
	return out, nil
}

// record writes a violation and recomputes debt. Callers hold the member lock.
func (v *ViolationEngine) record(ctx context.Context, tx store.Store, memberID, sessionID string, amount int64, reason domain.ViolationReason, description string) (domain.Violation, error) {
	if amount < 0 {
		return domain.Violation{}, validationError(CodeInvalidRequest, "violation amount must be >= 0")
	}
	violation := domain.Violation{
		ID:          util.NewID(),
		MemberID:    memberID,
		SessionID:   sessionID,
		Amount:      amount,
		Reason:      reason,
		Description: strings.TrimSpace(description),
		IsPaid:      amount == 0,
		CreatedAt:   v.now(),
	}
	if violation.IsPaid {
		paidAt := violation.CreatedAt
		violation.PaidAt = &paidAt
	}
	if err := tx.SaveViolation(ctx, violation); err != nil {
		return domain.Violation{}, err
	}
	if _, err := v.recompute(ctx, tx, memberID); err != nil {
		return domain.Violation{}, err
	}
	return violation, nil
}

// ApplyPayment settles unpaid violations oldest first, partially settling
// the last one touched. Payments above the outstanding debt are rejected.
func (v *ViolationEngine) ApplyPayment(ctx context.Context, actor domain.Actor, memberID string, amount int64) (PaymentResult, error) {
	if err := requireStaff(actor); err != nil {
		return PaymentResult{}, err
	}
	if amount <= 0 {
		return PaymentResult{}, validationError(CodeInvalidPayment, "payment amount must be > 0")
	}
	result := PaymentResult{MemberID: memberID}
	err := v.store.InTx(ctx, func(tx store.Store) error {
		if _, err := v.lockMember(ctx, tx, memberID); err != nil {
			return err
		}
		unpaid, err := tx.ListViolations(ctx, memberID, true)
		if err != nil {
			return err
		}
		var outstanding int64
		for _, item := range unpaid {
			outstanding += item.Outstanding()
		}
		if amount > outstanding {
			return validationError(CodePaymentExceedsDebt, "payment %d exceeds outstanding debt %d", amount, outstanding)
		}
		now := v.now()
		left := amount
		for _, item := range unpaid {
			if left == 0 {
				break
			}
			due := item.Outstanding()
			if due <= 0 {
				continue
			}
			pay := due
			if left < due {
				pay = left
			}
			item.PaidAmount += pay
			left -= pay
			if item.PaidAmount == item.Amount {
				item.IsPaid = true
				paidAt := now
				item.PaidAt = &paidAt
			}
			if err := tx.SaveViolation(ctx, item); err != nil {
				return err
			}
			result.Settled = append(result.Settled, item)
		}
		result.Applied = amount
		result.Remaining, err = v.recompute(ctx, tx, memberID)
		return err
	})
	if err != nil {
		return PaymentResult{}, err
	}
	v.publish(ctx, events.Event{
		Type:     events.TypePaymentApplied,
		MemberID: memberID,
		Data: map[string]any{
			"applied":   result.Applied,
			"remaining": result.Remaining,
		},
	})
	return result, nil
}

// Outstanding sums the unpaid remainder of a member's violations.
func (v *ViolationEngine) Outstanding(ctx context.Context, memberID string) (int64, error) {
	unpaid, err := v.store.ListViolations(ctx, memberID, true)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, item := range unpaid {
		total += item.Outstanding()
	}
	return total, nil
}

// ListViolations returns a member's violations, oldest first.
func (v *ViolationEngine) ListViolations(ctx context.Context, actor domain.Actor, memberID string, unpaidOnly bool) ([]domain.Violation, error) {
	if err := requireSelfOrStaff(actor, memberID); err != nil {
		return nil, err
	}
	if _, err := v.member(ctx, v.store, memberID); err != nil {
		return nil, err
	}
	return v.store.ListViolations(ctx, memberID, unpaidOnly)
}

// RecomputeDebt rebuilds a member's cached debt from violation rows.
func (v *ViolationEngine) RecomputeDebt(ctx context.Context, actor domain.Actor, memberID string) (int64, error) {
	if err := requireStaff(actor); err != nil {
		return 0, err
	}
	var debt int64
	err := v.store.InTx(ctx, func(tx store.Store) error {
		if _, err := v.lockMember(ctx, tx, memberID); err != nil {
			return err
		}
		var err error
		debt, err = v.recompute(ctx, tx, memberID)
		return err
	})
	return debt, err
}

func (v *ViolationEngine) recompute(ctx context.Context, tx store.Store, memberID string) (int64, error) {
	unpaid, err := tx.ListViolations(ctx, memberID, true)
	if err != nil {
		return 0, err
	}
	var debt int64
	for _, item := range unpaid {
		debt += item.Outstanding()
	}
	if err := tx.SetMemberDebt(ctx, memberID, debt); err != nil {
		return 0, err
	}
	return debt, nil
}

// lockMember takes the member row lock for the rest of tx.
func (v *ViolationEngine) lockMember(ctx context.Context, tx store.Store, memberID string) (domain.Member, error) {
	m, ok, err := tx.LockMember(ctx, memberID)
	if err != nil {
		return domain.Member{}, err
	}
	if !ok {
		return domain.Member{}, notFoundError(CodeMemberNotFound, "member %s not found", memberID)
	}
	return m, nil
}

func (v *ViolationEngine) member(ctx context.Context, tx store.Store, memberID string) (domain.Member, error) {
	m, ok, err := tx.GetMember(ctx, memberID)
	if err != nil {
		return domain.Member{}, err
	}
	if !ok {
		return domain.Member{}, notFoundError(CodeMemberNotFound, "member %s not found", memberID)
	}
	return m, nil
}

func violationEvent(v domain.Violation) events.Event {
	return events.Event{
		Type:      events.TypeViolationRecorded,
		SessionID: v.SessionID,
		MemberID:  v.MemberID,
		Data: map[string]any{
			"violationId": v.ID,
			"amount":      v.Amount,
			"reason":      string(v.Reason),
		},
	}
}
