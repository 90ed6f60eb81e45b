package domain

import "time"

type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusApproved  SessionStatus = "approved"
	StatusBorrowed  SessionStatus = "borrowed"
	StatusReturned  SessionStatus = "returned"
	StatusRejected  SessionStatus = "rejected"
	StatusCancelled SessionStatus = "cancelled"
	// StatusOverdue is derived at read time and never stored.
	StatusOverdue SessionStatus = "overdue"
)

// StoredStatuses lists every status a session row may carry.
var StoredStatuses = []SessionStatus{
	StatusPending,
	StatusApproved,
	StatusBorrowed,
	StatusReturned,
	StatusRejected,
	StatusCancelled,
}

// Terminal reports whether no further transition is possible from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusReturned, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether sessions in s still hold or use copies.
func (s SessionStatus) Open() bool {
	switch s {
	case StatusPending, StatusApproved, StatusBorrowed:
		return true
	default:
		return false
	}
}

type Condition string

const (
	ConditionGood         Condition = "good"
	ConditionDamagedLight Condition = "damaged-light"
	ConditionDamagedHeavy Condition = "damaged-heavy"
	ConditionLost         Condition = "lost"
)

// Valid reports whether c is one of the terminal return conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGood, ConditionDamagedLight, ConditionDamagedHeavy, ConditionLost:
		return true
	default:
		return false
	}
}

// Terminal reports whether the line has been closed at return time.
func (c Condition) Terminal() bool {
	return c.Valid()
}

// Damaged reports whether the copy comes back to the pool with a fee.
func (c Condition) Damaged() bool {
	return c == ConditionDamagedLight || c == ConditionDamagedHeavy
}

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberExpired   MemberStatus = "expired"
	MemberInactive  MemberStatus = "inactive"
)

type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated caller of a boundary operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsStaff reports whether the actor may perform desk operations.
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

type HoldState string

const (
	HoldHeld       HoldState = "held"
	HoldCheckedOut HoldState = "checked_out"
	HoldReleased   HoldState = "released"
	HoldReturned   HoldState = "returned"
	HoldRetired    HoldState = "retired"
)

type ViolationReason string

const (
	ReasonOverdue ViolationReason = "overdue"
	ReasonDamaged ViolationReason = "damaged"
	ReasonLost    ViolationReason = "lost"
)

type Title struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TotalCopies     int       `json:"totalCopies"`
	AvailableCopies int       `json:"availableCopies"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type Member struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Status          MemberStatus `json:"status"`
	UnpaidDebt      int64        `json:"unpaidDebt"`
	MaxActiveCopies int          `json:"maxActiveCopies"`
	MaxRenewals     int          `json:"maxRenewals"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Hold is the reservation handle returned by the stock ledger.
type Hold struct {
	ID        string    `json:"id"`
	TitleID   string    `json:"titleId"`
	SessionID string    `json:"sessionId,omitempty"`
	Quantity  int       `json:"quantity"`
	State     HoldState `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type BookLine struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	TitleID   string    `json:"titleId"`
	HoldID    string    `json:"holdId"`
	Condition Condition `json:"condition,omitempty"`
}

type BorrowSession struct {
	ID           string        `json:"id"`
	MemberID     string        `json:"memberId"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	BorrowDate   *time.Time    `json:"borrowDate,omitempty"`
	DueDate      *time.Time    `json:"dueDate,omitempty"`
	ReturnDate   *time.Time    `json:"returnDate,omitempty"`
	RenewalCount int           `json:"renewalCount"`
	Notes        string        `json:"notes,omitempty"`
	RejectReason string        `json:"rejectReason,omitempty"`
	Lines        []BookLine    `json:"lines"`
	Version      int64         `json:"version"`
}

// Overdue reports whether a borrowed session is past its due date at now.
func (s BorrowSession) Overdue(now time.Time) bool {
	return s.Status == StatusBorrowed && s.DueDate != nil && now.After(*s.DueDate)
}

// EffectiveStatus folds the derived overdue state into the stored status.
func (s BorrowSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.Overdue(now) {
		return StatusOverdue
	}
	return s.Status
}

// AllLinesTerminal reports whether every line carries a return condition.
func (s BorrowSession) AllLinesTerminal() bool {
	if len(s.Lines) == 0 {
		return false
	}
	for _, line := range s.Lines {
		if !line.Condition.Terminal() {
			return false
		}
	}
	return true
}

// Violation is a recorded fee. Amount never changes after creation;
// partial settlements accumulate in PaidAmount.
type Violation struct {
	ID          string          `json:"id"`
	MemberID    string          `json:"memberId"`
	SessionID   string          `json:"sessionId,omitempty"`
	Amount      int64           `json:"amount"`
	PaidAmount  int64           `json:"paidAmount"`
	Reason      ViolationReason `json:"reason"`
	Description string          `json:"description,omitempty"`
	IsPaid      bool            `json:"isPaid"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Outstanding returns the unpaid remainder of the fee.
func (v Violation) Outstanding() int64 {
	if v.IsPaid {
		return 0
	}
	return v.Amount - v.PaidAmount
}

type BasketLine struct {
	TitleID  string `json:"titleId"`
	Quantity int    `json:"quantity"`
	Selected bool   `json:"selected"`
}

// Basket is a member's advisory cart. Revision orders competing writes.
type Basket struct {
	MemberID  string       `json:"memberId"`
	Lines     []BasketLine `json:"lines"`
	Revision  int64        `json:"revision"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// SelectedUnits sums the quantities of selected lines.
func (b Basket) SelectedUnits() int {
	total := 0
	for _, line := range b.Lines {
		if line.Selected {
			total += line.Quantity
		}
	}
	return total
}

// Transition is one historical state change of a session.
type Transition struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	From      SessionStatus  `json:"from"`
	To        SessionStatus  `json:"to"`
	ActorID   string         `json:"actorId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	At        time.Time      `json:"at"`
}

// StockSnapshot is a point-in-time view of one title's copies.
type StockSnapshot struct {
	TitleID    string `json:"titleId"`
	Total      int    `json:"total"`
	Available  int    `json:"available"`
	Held       int    `json:"held"`
	CheckedOut int    `json:"checkedOut"`
}

type SessionStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Borrowed int `json:"borrowed"`
	Overdue  int `json:"overdue"`
}
