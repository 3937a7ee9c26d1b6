package credit

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────
// Page Credit Ledger
//
// One Account row per owner identity (guest device or
// authenticated user), plus an append-only ledger of every
// balance-affecting event. All mutation happens inside a
// single DB transaction under a row lock; grant/transfer
// additionally serialize on a per-user advisory lock.
// ─────────────────────────────────────────────

// Status is the administrative gate on an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusOnHold    Status = "on_hold"
	StatusSuspended Status = "suspended"
)

// Account holds a single owner's spendable page balance.
type Account struct {
	OwnerID        string    `json:"owner_id" gorm:"primaryKey"`
	UserID         string    `json:"user_id,omitempty" gorm:"index"` // set once the owner is (or is linked to) a registered user
	PagesRemaining int       `json:"pages_remaining"`                // never negative
	TotalPagesUsed int       `json:"total_pages_used"`               // cumulative, independent of top-ups
	IsEarlyAdopter bool      `json:"is_early_adopter"`
	Status         Status    `json:"status" gorm:"default:active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransactionType categorises ledger entries.
type TransactionType string

const (
	TxRegistrationBonus TransactionType = "registration_bonus"
	TxEarlyAdopter      TransactionType = "early_adopter"
	TxPurchase          TransactionType = "purchase"
	TxGuestTransfer     TransactionType = "guest_transfer"
	TxUse               TransactionType = "use"
	TxAdminGrant        TransactionType = "admin_grant"
	TxAdminDeduct       TransactionType = "admin_deduct"
)

// LedgerEntry is an immutable balance-affecting event.
// TransactionID is unique; for grants and transfers it is derived
// from the logical identity, so a replay collides instead of
// double-applying.
type LedgerEntry struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	TransactionID string          `json:"transaction_id" gorm:"uniqueIndex"`
	OwnerID       string          `json:"owner_id" gorm:"index"`
	UserID        string          `json:"user_id,omitempty" gorm:"index"`
	Type          TransactionType `json:"type" gorm:"index"`
	Pages         int             `json:"pages"`
	PagesBefore   int             `json:"pages_before"`
	PagesAfter    int             `json:"pages_after"`
	Metadata      Metadata        `json:"metadata" gorm:"serializer:json"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Metadata carries variant-specific facts for a ledger entry.
// Exactly one detail field is set, keyed by the entry's Type.
type Metadata struct {
	Grant      *GrantDetail      `json:"grant,omitempty"`
	Transfer   *TransferDetail   `json:"transfer,omitempty"`
	Use        *UseDetail        `json:"use,omitempty"`
	Adjustment *AdjustmentDetail `json:"adjustment,omitempty"`
}

// GrantDetail records one-time bonus facts.
type GrantDetail struct {
	EarlyAdopter bool `json:"early_adopter"`
	// CapReached means an early-adopter grant was requested but the
	// promotion was already full, so the standard bonus was applied.
	CapReached bool `json:"cap_reached,omitempty"`
}

// TransferDetail records a guest→user migration, including the
// "checked, nothing to move" case.
type TransferDetail struct {
	GuestDeviceID string `json:"guest_device_id"`
	GuestBalance  int    `json:"guest_balance"`
	Excess        int    `json:"excess"`
	NothingToMove bool   `json:"nothing_to_move,omitempty"`
}

// UseDetail links a debit to the job that consumed the pages.
type UseDetail struct {
	JobID string `json:"job_id,omitempty"`
}

// AdjustmentDetail records purchases and admin corrections.
type AdjustmentDetail struct {
	Remark   string `json:"remark,omitempty"`
	ActionID string `json:"action_id,omitempty"` // admin action ledger reference
}

// GrantResult reports the outcome of a one-time bonus grant.
type GrantResult struct {
	Granted    bool `json:"granted"`
	Pages      int  `json:"pages"`
	AlreadyHad bool `json:"already_had"`
}

// TransferResult reports the outcome of a guest→user migration.
type TransferResult struct {
	Transferred bool `json:"transferred"`
	Amount      int  `json:"amount"`
}

// ─────────────────────────────────────────────
// Service – the ledger engine interface.
//
// Business refusals (insufficient balance, hold, already
// granted) are reported through return values; only
// infrastructure failures surface as errors.
// ─────────────────────────────────────────────

type Service interface {
	// InitializeAccount creates the owner's account if absent and
	// returns it. Guest owners start with the free allocation,
	// user owners with zero (their balance comes from Grant).
	InitializeAccount(ctx context.Context, ownerID string) (*Account, error)

	// GetAccount returns the account, or ErrAccountNotFound.
	GetAccount(ctx context.Context, ownerID string) (*Account, error)

	// Grant idempotently applies the one-time signup bonus (or the
	// capped early-adopter bonus) for userID. A repeat call reports
	// AlreadyHad without mutating anything.
	Grant(ctx context.Context, ownerID, userID string, earlyAdopter bool) (*GrantResult, error)

	// Use atomically consumes pages, auto-creating a guest account
	// with the free allocation on first touch. Returns false (and
	// mutates nothing) when the account is held/suspended or the
	// balance is insufficient.
	Use(ctx context.Context, ownerID string, pages int, jobID string) (bool, error)

	// Add credits pages (purchase, admin grant), creating the
	// account if absent.
	Add(ctx context.Context, ownerID string, pages int, typ TransactionType, md Metadata) (*Account, error)

	// Deduct removes pages (refund reversal, admin correction).
	// Returns false without mutating when the balance cannot absorb
	// the full amount.
	Deduct(ctx context.Context, ownerID string, pages int, typ TransactionType, md Metadata) (bool, error)

	// TransferGuestToUser moves a guest device's earned excess
	// (balance above the free allocation) into the user's account,
	// exactly once per (device, user) pair, and zeroes the guest.
	TransferGuestToUser(ctx context.Context, deviceID, userID string) (*TransferResult, error)

	// SetStatus sets the administrative account status.
	SetStatus(ctx context.Context, ownerID string, status Status) error

	// History lists ledger entries for the owner, newest first.
	History(ctx context.Context, ownerID string, limit, offset int) ([]LedgerEntry, error)

	// EarlyAdopterSlotsLeft reports how many early-adopter grants
	// remain under the system-wide cap. Advisory: the cap is
	// re-validated inside Grant.
	EarlyAdopterSlotsLeft(ctx context.Context) (int, error)
}
