package admin

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────
// Admin Action Ledger
//
// Administrator-initiated mutations get the same treatment as
// end-user ones: an idempotency key, before/after balance
// snapshots and a terminal status. A replayed key returns the
// recorded outcome and performs zero additional mutation.
// ─────────────────────────────────────────────

type ActionKind string

const (
	KindAddCredits    ActionKind = "add_credits"
	KindDeductCredits ActionKind = "deduct_credits"
	KindSetStatus     ActionKind = "set_status"
)

type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusApplied  ActionStatus = "applied"
	StatusRejected ActionStatus = "rejected" // business-rule refusal (e.g. balance cannot absorb deduction)
	StatusFailed   ActionStatus = "failed"   // infrastructure failure mid-action
)

// Action is one administrator-initiated mutation.
type Action struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	IdempotencyKey string       `json:"idempotency_key" gorm:"uniqueIndex"`
	Kind           ActionKind   `json:"kind"`
	OwnerID        string       `json:"owner_id" gorm:"index"`
	ActorID        string       `json:"actor_id"` // free-form admin identity
	Pages          int          `json:"pages,omitempty"`
	NewStatus      string       `json:"new_status,omitempty"` // for set_status
	Remark         string       `json:"remark,omitempty"`
	Status         ActionStatus `json:"status"`
	BalanceBefore  int          `json:"balance_before"`
	BalanceAfter   int          `json:"balance_after"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Result pairs an action with whether it was recorded by an
// earlier request carrying the same idempotency key.
type Result struct {
	Action   *Action `json:"action"`
	Replayed bool    `json:"replayed"`
}

// Service executes admin mutations through the action ledger.
type Service interface {
	// AddCredits credits pages to the owner's account.
	AddCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*Result, error)

	// DeductCredits removes pages; rejected when the balance cannot
	// absorb the full amount.
	DeductCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*Result, error)

	// SetStatus changes the credit account status.
	SetStatus(ctx context.Context, key, actorID, ownerID, status, remark string) (*Result, error)

	// GetByKey returns the recorded action for an idempotency key.
	GetByKey(ctx context.Context, key string) (*Action, error)
}
