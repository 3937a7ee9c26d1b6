package credit

import (
	"errors"
	"hash/fnv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ─────────────────────────────────────────────
// Locking primitives
//
// Row locks (SELECT ... FOR UPDATE) protect read-modify-write
// on an existing account row. Advisory transaction locks
// serialize multi-step sequences (check ledger → write ledger →
// upsert balance) where the row may not exist yet, keyed by the
// logical user identity. Both are released at commit/rollback.
// ─────────────────────────────────────────────

const (
	lockScopeUser = "credit:user"
	lockScopeCap  = "credit:early_adopter_cap"
)

// advisoryKey hashes a logical identity into the signed 64-bit
// keyspace pg_advisory_xact_lock expects.
func advisoryKey(scope, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return int64(h.Sum64())
}

// lockUser serializes grant/transfer sequences for one user.
func lockUser(tx *gorm.DB, userID string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(lockScopeUser, userID)).Error
}

// lockCap serializes early-adopter cap counting across users.
func lockCap(tx *gorm.DB) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(lockScopeCap, "")).Error
}

// lockAccount takes the row lock on an existing account.
func lockAccount(tx *gorm.DB, ownerID string) (*Account, error) {
	var acc Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		First(&acc).Error
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// lockOrCreateAccount returns the row-locked account, creating it
// first when absent. The insert uses ON CONFLICT DO NOTHING so two
// concurrent first touches converge on the same row.
func lockOrCreateAccount(tx *gorm.DB, ownerID, userID string, initialPages int) (*Account, error) {
	acc, err := lockAccount(tx, ownerID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now()
	fresh := Account{
		OwnerID:        ownerID,
		UserID:         userID,
		PagesRemaining: initialPages,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	return lockAccount(tx, ownerID)
}
