package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circulation/internal/util"
	"circulation/pkg/domain"
	"circulation/pkg/events"
	"circulation/pkg/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SessionManager owns the borrow session state machine:
//
//	pending  -> approved | rejected | cancelled
//	approved -> borrowed | rejected
//	borrowed -> returned
//
// Overdue is never stored; it is derived from the due date at read time.
// Every transition is a compare-and-swap on the session version, so two
// concurrent transitions on one session cannot both be accepted.
type SessionManager struct {
	store      store.Store
	now        func() time.Time
	policy     Policy
	ledger     *StockLedger
	renewals   RenewalPolicy
	violations *ViolationEngine
	publish    func(context.Context, ...events.Event)
}

// LineReturn is the condition reported for one line at return time.
// Amount overrides the configured damage or loss fee.
type LineReturn struct {
	LineID    string           `json:"lineId"`
	Condition domain.Condition `json:"condition"`
	Amount    *int64           `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type ReturnRequest struct {
	PerLine []LineReturn `json:"perLine"`
	Notes   string       `json:"notes,omitempty"`
}

type ReturnResult struct {
	Session    domain.BorrowSession `json:"session"`
	Violations []domain.Violation   `json:"violations"`
}

type ListFilter struct {
	Status   domain.SessionStatus
	MemberID string
	Search   string
	Page     int
	Limit    int
}

type SessionPage struct {
	Items []domain.BorrowSession `json:"items"`
	Total int                    `json:"total"`
	Page  int                    `json:"page"`
	Limit int                    `json:"limit"`
}

// FeePreview is a display-only estimate. ReturnItems always recomputes
// the fee itself.
type FeePreview struct {
	SessionID     string     `json:"sessionId"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	At            time.Time  `json:"at"`
	DaysLate      int        `json:"daysLate"`
	Amount        int64      `json:"amount"`
	RatePerDay    int64      `json:"ratePerDay"`
	Authoritative bool       `json:"authoritative"`
}

// CreateRequest reserves one copy per requested id and opens a pending
// session. Any failed reservation rolls back the whole request.
func (m *SessionManager) CreateRequest(ctx context.Context, actor domain.Actor, memberID string, titleIDs []string) (domain.BorrowSession, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" && actor.Role == domain.RoleMember {
		memberID = actor.ID
	}
	if memberID == "" {
		return domain.BorrowSession{}, validationError(CodeInvalidRequest, "member id required")
	}
	if err := requireSelfOrStaff(actor, memberID); err != nil {
		return domain.BorrowSession{}, err
	}
	if len(titleIDs) == 0 {
		return domain.BorrowSession{}, validationError(CodeEmptyRequest, "at least one title is required")
	}
	ids := make([]string, 0, len(titleIDs))
	for _, id := range titleIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return domain.BorrowSession{}, validationError(CodeInvalidRequest, "title ids must not be blank")
		}
		ids = append(ids, id)
	}

	var session domain.BorrowSession
	err := m.store.InTx(ctx, func(tx store.Store) error {
		member, ok, err := tx.LockMember(ctx, memberID)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundError(CodeMemberNotFound, "member %s not found", memberID)
		}
		if member.Status != domain.MemberActive {
			return validationError(CodeMemberNotActive, "member %s is %s", memberID, member.Status)
		}
		if m.policy.MaxUnpaidDebt > 0 && member.UnpaidDebt > m.policy.MaxUnpaidDebt {
			return validationError(CodeDebtLimit, "member %s owes %d, above the %d limit", memberID, member.UnpaidDebt, m.policy.MaxUnpaidDebt)
		}
		limit := member.MaxActiveCopies
		if limit <= 0 {
			limit = m.policy.DefaultMaxActiveCopies
		}
		open, err := tx.OpenUnits(ctx, memberID)
		if err != nil {
			return err
		}
		if open+len(ids) > limit {
			return validationError(CodeBorrowLimit, "member %s has %d copies open; limit is %d", memberID, open, limit)
		}

		now := m.now()
		session = domain.BorrowSession{
			ID:        util.NewID(),
			MemberID:  memberID,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			Lines:     make([]domain.BookLine, 0, len(ids)),
			Version:   1,
		}
		for _, titleID := range ids {
			hold, err := m.ledger.reserve(ctx, tx, titleID, session.ID, 1)
			if err != nil {
				return err
			}
			session.Lines = append(session.Lines, domain.BookLine{
				ID:        util.NewID(),
				SessionID: session.ID,
				TitleID:   titleID,
				HoldID:    hold.ID,
			})
		}
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		return m.appendTransition(ctx, tx, session.ID, "", domain.StatusPending, actor, map[string]any{"units": len(ids)})
	})
	if err != nil {
		return domain.BorrowSession{}, err
	}
	m.publish(ctx, sessionEvent(events.TypeSessionCreated, session, nil))
	return session, nil
}

// Cancel withdraws a pending request. Only the requesting member may cancel.
func (m *SessionManager) Cancel(ctx context.Context, actor domain.Actor, id string, expectedVersion int64) (domain.BorrowSession, error) {
	return m.transition(ctx, actor, id, expectedVersion, events.TypeSessionCancelled, func(tx store.Store, s *domain.BorrowSession) (map[string]any, error) {
		if actor.Role != domain.RoleMember || actor.ID != s.MemberID {
			return nil, authError(CodeForbidden, "only the requesting member can cancel")
		}
		if s.Status != domain.StatusPending {
			return nil, stateError(CodeInvalidTransition, "cannot cancel a %s session", s.Status)
		}
		if err := m.releaseLines(ctx, tx, s); err != nil {
			return nil, err
		}
		s.Status = domain.StatusCancelled
		return nil, nil
	})
}

// Approve accepts a pending request. Copies are already held.
func (m *SessionManager) Approve(ctx context.Context, actor domain.Actor, id string, expectedVersion int64) (domain.BorrowSession, error) {
	if err := requireStaff(actor); err != nil {
		return domain.BorrowSession{}, err
	}
	return m.transition(ctx, actor, id, expectedVersion, events.TypeSessionApproved, func(_ store.Store, s *domain.BorrowSession) (map[string]any, error) {
		if s.Status != domain.StatusPending {
			return nil, stateError(CodeInvalidTransition, "cannot approve a %s session", s.Status)
		}
		s.Status = domain.StatusApproved
		return nil, nil
	})
}

// Issue hands the copies out, starting the loan period.
func (m *SessionManager) Issue(ctx context.Context, actor domain.Actor, id string, expectedVersion int64) (domain.BorrowSession, error) {
	if err := requireStaff(actor); err != nil {
		return domain.BorrowSession{}, err
	}
	return m.transition(ctx, actor, id, expectedVersion, events.TypeSessionIssued, func(tx store.Store, s *domain.BorrowSession) (map[string]any, error) {
		if s.Status != domain.StatusApproved {
			return nil, stateError(CodeInvalidTransition, "cannot issue a %s session", s.Status)
		}
		for _, line := range s.Lines {
			if err := m.ledger.commit(ctx, tx, line.HoldID); err != nil {
				return nil, err
			}
		}
		borrowed := m.now()
		due := borrowed.Add(m.policy.LoanPeriod)
		s.BorrowDate = &borrowed
		s.DueDate = &due
		s.Status = domain.StatusBorrowed
		return map[string]any{"dueDate": due.Format(time.RFC3339)}, nil
	})
}

// Reject declines a pending or approved request and frees its copies.
func (m *SessionManager) Reject(ctx context.Context, actor domain.Actor, id string, expectedVersion int64, reason string) (domain.BorrowSession, error) {
	if err := requireStaff(actor); err != nil {
		return domain.BorrowSession{}, err
	}
	return m.transition(ctx, actor, id, expectedVersion, events.TypeSessionRejected, func(tx store.Store, s *domain.BorrowSession) (map[string]any, error) {
		if s.Status != domain.StatusPending && s.Status != domain.StatusApproved {
			return nil, stateError(CodeInvalidTransition, "cannot reject a %s session", s.Status)
		}
		if err := m.releaseLines(ctx, tx, s); err != nil {
			return nil, err
		}
		s.Status = domain.StatusRejected
		s.RejectReason = strings.TrimSpace(reason)
		if s.RejectReason == "" {
			return nil, nil
		}
		return map[string]any{"reason": s.RejectReason}, nil
	})
}

// Renew extends the due date when the renewal policy allows it.
func (m *SessionManager) Renew(ctx context.Context, actor domain.Actor, id string, expectedVersion int64) (domain.BorrowSession, error) {
	return m.transition(ctx, actor, id, expectedVersion, events.TypeSessionRenewed, func(tx store.Store, s *domain.BorrowSession) (map[string]any, error) {
		if err := requireSelfOrStaff(actor, s.MemberID); err != nil {
			return nil, err
		}
		limit := m.renewals.MaxRenewals
		member, ok, err := tx.GetMember(ctx, s.MemberID)
		if err != nil {
			return nil, err
		}
		if ok {
			limit = m.renewals.LimitFor(member)
		}
		if allowed, reason := m.renewals.canRenew(*s, limit, m.now()); !allowed {
			return nil, stateError(CodeRenewalDenied, "renewal denied: %s", reason)
		}
		due := m.renewals.Extend(*s.DueDate)
		s.DueDate = &due
		s.RenewalCount++
		return map[string]any{"dueDate": due.Format(time.RFC3339), "renewalCount": s.RenewalCount}, nil
	})
}

// ReturnItems closes every line with its reported condition, records
// damage, loss and overdue fees, and marks the session returned.
func (m *SessionManager) ReturnItems(ctx context.Context, actor domain.Actor, id string, expectedVersion int64, req ReturnRequest) (ReturnResult, error) {
	if err := requireStaff(actor); err != nil {
		return ReturnResult{}, err
	}
	var recorded []domain.Violation
	session, err := m.transition(ctx, actor, id, expectedVersion, events.TypeSessionReturned, func(tx store.Store, s *domain.BorrowSession) (map[string]any, error) {
		recorded = nil
		switch s.Status {
		case domain.StatusBorrowed:
		case domain.StatusReturned:
			return nil, conflictError(CodeAlreadyReturned, "session %s was already returned", s.ID)
		default:
			return nil, stateError(CodeInvalidTransition, "cannot return a %s session", s.Status)
		}
		byLine, err := matchReturnLines(s.Lines, req.PerLine)
		if err != nil {
			return nil, err
		}
		if _, err := m.violations.lockMember(ctx, tx, s.MemberID); err != nil {
			return nil, err
		}

		now := m.now()
		for i := range s.Lines {
			line := &s.Lines[i]
			entry := byLine[line.ID]
			if err := m.ledger.close(ctx, tx, line.HoldID, entry.Condition == domain.ConditionLost); err != nil {
				return nil, err
			}
			line.Condition = entry.Condition
			fee, reason := m.lineFee(entry)
			if fee == 0 {
				continue
			}
			description := strings.TrimSpace(entry.Reason)
			if description == "" {
				description = fmt.Sprintf("%s copy of %s", entry.Condition, line.TitleID)
			}
			v, err := m.violations.record(ctx, tx, s.MemberID, s.ID, fee, reason, description)
			if err != nil {
				return nil, err
			}
			recorded = append(recorded, v)
		}
		if s.DueDate != nil && now.After(*s.DueDate) {
			days := DaysLate(*s.DueDate, now)
			fee := m.violations.OverdueFee(*s.DueDate, now)
			v, err := m.violations.record(ctx, tx, s.MemberID, s.ID, fee, domain.ReasonOverdue, fmt.Sprintf("returned %d day(s) late", days))
			if err != nil {
				return nil, err
			}
			recorded = append(recorded, v)
		}
		if !s.AllLinesTerminal() {
			return nil, validationError(CodeReturnLines, "every line needs a return condition")
		}
		s.Status = domain.StatusReturned
		s.ReturnDate = &now
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			s.Notes = notes
		}
		var total int64
		for _, v := range recorded {
			total += v.Amount
		}
		return map[string]any{"violations": len(recorded), "fees": total}, nil
	})
	if err != nil {
		return ReturnResult{}, err
	}
	evts := make([]events.Event, 0, len(recorded))
	for _, v := range recorded {
		evts = append(evts, violationEvent(v))
	}
	m.publish(ctx, evts...)
	if recorded == nil {
		recorded = []domain.Violation{}
	}
	return ReturnResult{Session: session, Violations: recorded}, nil
}

func (m *SessionManager) lineFee(entry LineReturn) (int64, domain.ViolationReason) {
	switch entry.Condition {
	case domain.ConditionDamagedLight:
		return feeOrDefault(entry.Amount, m.policy.DamagedLightFee), domain.ReasonDamaged
	case domain.ConditionDamagedHeavy:
		return feeOrDefault(entry.Amount, m.policy.DamagedHeavyFee), domain.ReasonDamaged
	case domain.ConditionLost:
		return feeOrDefault(entry.Amount, m.policy.LostFee), domain.ReasonLost
	default:
		return 0, ""
	}
}

func feeOrDefault(amount *int64, fallback int64) int64 {
	if amount != nil {
		return *amount
	}
	return fallback
}

// matchReturnLines requires exactly one valid entry per session line.
func matchReturnLines(lines []domain.BookLine, entries []LineReturn) (map[string]LineReturn, error) {
	known := make(map[string]bool, len(lines))
	for _, line := range lines {
		known[line.ID] = true
	}
	byLine := make(map[string]LineReturn, len(entries))
	for _, entry := range entries {
		entry.LineID = strings.TrimSpace(entry.LineID)
		if !known[entry.LineID] {
			return nil, validationError(CodeReturnLines, "line %q is not part of this session", entry.LineID)
		}
		if _, dup := byLine[entry.LineID]; dup {
			return nil, validationError(CodeReturnLines, "line %s reported twice", entry.LineID)
		}
		if !entry.Condition.Valid() {
			return nil, validationError(CodeReturnLines, "line %s has unknown condition %q", entry.LineID, entry.Condition)
		}
		if entry.Amount != nil && *entry.Amount < 0 {
			return nil, validationError(CodeReturnLines, "line %s fee must be >= 0", entry.LineID)
		}
		if entry.Amount != nil && entry.Condition == domain.ConditionGood {
			return nil, validationError(CodeReturnLines, "line %s is good; no fee applies", entry.LineID)
		}
		byLine[entry.LineID] = entry
	}
	if len(byLine) != len(lines) {
		return nil, validationError(CodeReturnLines, "expected %d line conditions, got %d", len(lines), len(byLine))
	}
	return byLine, nil
}

// GetSession returns one session. Members only see their own.
func (m *SessionManager) GetSession(ctx context.Context, actor domain.Actor, id string) (domain.BorrowSession, error) {
	s, err := m.load(ctx, m.store, id)
	if err != nil {
		return domain.BorrowSession{}, err
	}
	if err := requireSelfOrStaff(actor, s.MemberID); err != nil {
		return domain.BorrowSession{}, err
	}
	return s, nil
}

// ListSessions pages through sessions. Filtering by "overdue" selects
// borrowed sessions past due; "borrowed" selects those still in time.
func (m *SessionManager) ListSessions(ctx context.Context, actor domain.Actor, f ListFilter) (SessionPage, error) {
	if !actor.IsStaff() {
		if f.MemberID != "" && f.MemberID != actor.ID {
			return SessionPage{}, authError(CodeForbidden, "members may only list their own sessions")
		}
		f.MemberID = actor.ID
		if err := requireSelfOrStaff(actor, f.MemberID); err != nil {
			return SessionPage{}, err
		}
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	q, err := m.statusQuery(f.Status)
	if err != nil {
		return SessionPage{}, err
	}
	q.MemberID = strings.TrimSpace(f.MemberID)
	q.Search = f.Search
	q.Offset = (page - 1) * limit
	q.Limit = limit
	items, total, err := m.store.ListSessions(ctx, q)
	if err != nil {
		return SessionPage{}, err
	}
	return SessionPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (m *SessionManager) statusQuery(status domain.SessionStatus) (store.SessionQuery, error) {
	now := m.now()
	switch status {
	case "":
		return store.SessionQuery{}, nil
	case domain.StatusOverdue:
		return store.SessionQuery{OverdueAt: &now}, nil
	case domain.StatusBorrowed:
		return store.SessionQuery{CurrentAt: &now}, nil
	case domain.StatusPending, domain.StatusApproved, domain.StatusReturned, domain.StatusRejected, domain.StatusCancelled:
		return store.SessionQuery{Statuses: []domain.SessionStatus{status}}, nil
	default:
		return store.SessionQuery{}, validationError(CodeInvalidRequest, "unknown status %q", status)
	}
}

// MemberHistory returns every session of a member, newest first.
func (m *SessionManager) MemberHistory(ctx context.Context, actor domain.Actor, memberID string) ([]domain.BorrowSession, error) {
	if err := requireSelfOrStaff(actor, memberID); err != nil {
		return nil, err
	}
	if _, ok, err := m.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	} else if !ok {
		return nil, notFoundError(CodeMemberNotFound, "member %s not found", memberID)
	}
	items, _, err := m.store.ListSessions(ctx, store.SessionQuery{MemberID: memberID})
	return items, err
}

// Statistics counts sessions per desk queue. Borrowed excludes overdue.
func (m *SessionManager) Statistics(ctx context.Context, actor domain.Actor) (domain.SessionStats, error) {
	if err := requireStaff(actor); err != nil {
		return domain.SessionStats{}, err
	}
	var stats domain.SessionStats
	for _, item := range []struct {
		status domain.SessionStatus
		dst    *int
	}{
		{domain.StatusPending, &stats.Pending},
		{domain.StatusApproved, &stats.Approved},
		{domain.StatusBorrowed, &stats.Borrowed},
		{domain.StatusOverdue, &stats.Overdue},
	} {
		q, err := m.statusQuery(item.status)
		if err != nil {
			return domain.SessionStats{}, err
		}
		n, err := m.store.CountSessions(ctx, q)
		if err != nil {
			return domain.SessionStats{}, err
		}
		*item.dst = n
	}
	return stats, nil
}

// PreviewFee estimates the overdue fee for a return at the given instant
// (now when zero). The figure is never accepted as the final charge.
func (m *SessionManager) PreviewFee(ctx context.Context, actor domain.Actor, id string, at time.Time) (FeePreview, error) {
	s, err := m.GetSession(ctx, actor, id)
	if err != nil {
		return FeePreview{}, err
	}
	if at.IsZero() {
		at = m.now()
	}
	preview := FeePreview{
		SessionID:  s.ID,
		DueDate:    s.DueDate,
		At:         at,
		RatePerDay: m.policy.OverdueRatePerDay,
	}
	if s.Status == domain.StatusBorrowed && s.DueDate != nil {
		preview.DaysLate = DaysLate(*s.DueDate, at)
		preview.Amount = m.violations.OverdueFee(*s.DueDate, at)
	}
	return preview, nil
}

// Transitions returns the state history of a session.
func (m *SessionManager) Transitions(ctx context.Context, actor domain.Actor, id string) ([]domain.Transition, error) {
	if _, err := m.GetSession(ctx, actor, id); err != nil {
		return nil, err
	}
	return m.store.ListTransitions(ctx, id)
}

type transitionFunc func(tx store.Store, s *domain.BorrowSession) (map[string]any, error)

// transition loads the session, applies fn and writes it back with a
// version check, recording history in the same transaction.
func (m *SessionManager) transition(ctx context.Context, actor domain.Actor, id string, expectedVersion int64, eventType string, fn transitionFunc) (domain.BorrowSession, error) {
	var (
		updated domain.BorrowSession
		meta    map[string]any
	)
	err := m.store.InTx(ctx, func(tx store.Store) error {
		s, err := m.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if expectedVersion > 0 && s.Version != expectedVersion {
			return conflictError(CodeStaleVersion, "session %s is at version %d, not %d", id, s.Version, expectedVersion)
		}
		from := s.Status
		meta, err = fn(tx, &s)
		if err != nil {
			return err
		}
		s.UpdatedAt = m.now()
		updated, err = tx.UpdateSession(ctx, s)
		if err != nil {
			return mapStoreError(err)
		}
		return m.appendTransition(ctx, tx, id, from, updated.Status, actor, meta)
	})
	if err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			util.LoggerFromContext(ctx).Error("session transition failed", "session_id", id, "event", eventType, "err", err)
		}
		return domain.BorrowSession{}, err
	}
	m.publish(ctx, sessionEvent(eventType, updated, meta))
	return updated, nil
}

func (m *SessionManager) load(ctx context.Context, tx store.Store, id string) (domain.BorrowSession, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.BorrowSession{}, validationError(CodeInvalidRequest, "session id required")
	}
	s, ok, err := tx.GetSession(ctx, id)
	if err != nil {
		return domain.BorrowSession{}, err
	}
	if !ok {
		return domain.BorrowSession{}, notFoundError(CodeSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

func (m *SessionManager) releaseLines(ctx context.Context, tx store.Store, s *domain.BorrowSession) error {
	for _, line := range s.Lines {
		if err := m.ledger.release(ctx, tx, line.HoldID); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) appendTransition(ctx context.Context, tx store.Store, sessionID string, from, to domain.SessionStatus, actor domain.Actor, meta map[string]any) error {
	return tx.AppendTransition(ctx, domain.Transition{
		ID:        util.NewID(),
		SessionID: sessionID,
		From:      from,
		To:        to,
		ActorID:   actor.ID,
		Metadata:  meta,
		At:        m.now(),
	})
}

func sessionEvent(eventType string, s domain.BorrowSession, meta map[string]any) events.Event {
	data := map[string]any{
		"status":  string(s.Status),
		"units":   len(s.Lines),
		"version": s.Version,
	}
	for k, v := range meta {
		data[k] = v
	}
	return events.Event{
		Type:      eventType,
		SessionID: s.ID,
		MemberID:  s.MemberID,
		Data:      data,
	}
}
