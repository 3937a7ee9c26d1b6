package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrUserIDRequired   = errors.New("user id required")
	ErrNonPositivePages = errors.New("pages must be positive")
)

// Limits holds the ledger's business constants.
type Limits struct {
	GuestFreePages         int // allocation every new guest device starts with
	SignupBonusPages       int // one-time registration bonus
	EarlyAdopterBonusPages int // one-time promotional bonus
	EarlyAdopterCap        int // system-wide cap on early-adopter accounts
}

// ─────────────────────────────────────────────
// creditService implements Service
// ─────────────────────────────────────────────

type creditService struct {
	db  *gorm.DB
	lim Limits
}

// NewService creates a Service backed by the given DB.
func NewService(db *gorm.DB, lim Limits) Service {
	return &creditService{db: db, lim: lim}
}

// InitializeAccount creates the owner's account if absent.
func (s *creditService) InitializeAccount(ctx context.Context, ownerID string) (*Account, error) {
	var acc *Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acc, err = lockOrCreateAccount(tx, ownerID, userIDOf(ownerID), s.initialPages(ownerID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccount returns the account without locking it.
func (s *creditService) GetAccount(ctx context.Context, ownerID string) (*Account, error) {
	var acc Account
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// Grant applies the one-time signup or early-adopter bonus.
//
// The advisory lock, not a row lock, serializes the sequence: the
// ledger check happens before the account row may even exist. The
// derived transaction ID gives a second, constraint-level guard.
func (s *creditService) Grant(ctx context.Context, ownerID, userID string, earlyAdopter bool) (*GrantResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	res := &GrantResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockUser(tx, userID); err != nil {
			return err
		}

		// Prior grant for this user, under any bonus type, means no-op.
		var prior LedgerEntry
		err := tx.Where("user_id = ? AND type IN ?", userID,
			[]TransactionType{TxRegistrationBonus, TxEarlyAdopter}).
			First(&prior).Error
		if err == nil {
			res.AlreadyHad = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// Re-validate the cap inside the transaction; the caller's
		// slot count is only advisory.
		capReached := false
		if earlyAdopter {
			if err := lockCap(tx); err != nil {
				return err
			}
			var n int64
			if err := tx.Model(&Account{}).Where("is_early_adopter = ?", true).Count(&n).Error; err != nil {
				return err
			}
			if n >= int64(s.lim.EarlyAdopterCap) {
				earlyAdopter = false
				capReached = true
			}
		}

		pages := s.lim.SignupBonusPages
		typ := TxRegistrationBonus
		if earlyAdopter {
			pages = s.lim.EarlyAdopterBonusPages
			typ = TxEarlyAdopter
		}

		acc, err := lockOrCreateAccount(tx, ownerID, userID, 0)
		if err != nil {
			return err
		}
		before := acc.PagesRemaining
		acc.PagesRemaining += pages
		acc.UserID = userID
		if earlyAdopter {
			acc.IsEarlyAdopter = true
		}
		acc.UpdatedAt = time.Now()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			TransactionID: grantTransactionID(userID),
			OwnerID:       acc.OwnerID,
			UserID:        userID,
			Type:          typ,
			Pages:         pages,
			PagesBefore:   before,
			PagesAfter:    acc.PagesRemaining,
			Metadata: Metadata{
				Grant: &GrantDetail{EarlyAdopter: earlyAdopter, CapReached: capReached},
			},
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		res.Granted = true
		res.Pages = pages
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Use consumes pages, auto-creating a guest account on first touch.
func (s *creditService) Use(ctx context.Context, ownerID string, pages int, jobID string) (bool, error) {
	if pages <= 0 {
		return false, ErrNonPositivePages
	}

	ok := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockOrCreateAccount(tx, ownerID, userIDOf(ownerID), s.initialPages(ownerID))
		if err != nil {
			return err
		}

		// Held or suspended accounts cannot spend; insufficient
		// balance is an ordinary refusal, not an error.
		if acc.Status != StatusActive || acc.PagesRemaining < pages {
			return nil
		}

		before := acc.PagesRemaining
		acc.PagesRemaining -= pages
		acc.TotalPagesUsed += pages
		acc.UpdatedAt = time.Now()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			TransactionID: "use:" + uuid.NewString(),
			OwnerID:       acc.OwnerID,
			UserID:        acc.UserID,
			Type:          TxUse,
			Pages:         pages,
			PagesBefore:   before,
			PagesAfter:    acc.PagesRemaining,
			Metadata:      Metadata{Use: &UseDetail{JobID: jobID}},
			CreatedAt:     time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Add credits pages to an account, creating it if absent.
func (s *creditService) Add(ctx context.Context, ownerID string, pages int, typ TransactionType, md Metadata) (*Account, error) {
	if pages <= 0 {
		return nil, ErrNonPositivePages
	}
	if typ == "" {
		typ = TxPurchase
	}

	var acc *Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acc, err = lockOrCreateAccount(tx, ownerID, userIDOf(ownerID), 0)
		if err != nil {
			return err
		}
		before := acc.PagesRemaining
		acc.PagesRemaining += pages
		acc.UpdatedAt = time.Now()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			TransactionID: "topup:" + uuid.NewString(),
			OwnerID:       acc.OwnerID,
			UserID:        acc.UserID,
			Type:          typ,
			Pages:         pages,
			PagesBefore:   before,
			PagesAfter:    acc.PagesRemaining,
			Metadata:      md,
			CreatedAt:     time.Now(),
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Deduct removes pages. Refuses unless the balance can absorb the
// full amount; the caller decides whether to clamp instead.
func (s *creditService) Deduct(ctx context.Context, ownerID string, pages int, typ TransactionType, md Metadata) (bool, error) {
	if pages <= 0 {
		return false, ErrNonPositivePages
	}
	if typ == "" {
		typ = TxAdminDeduct
	}

	ok := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, ownerID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if acc.PagesRemaining < pages {
			return nil
		}

		before := acc.PagesRemaining
		acc.PagesRemaining -= pages
		acc.UpdatedAt = time.Now()
		if err := tx.Save(acc).Error; err != nil {
			return err
		}

		entry := LedgerEntry{
			TransactionID: "deduct:" + uuid.NewString(),
			OwnerID:       acc.OwnerID,
			UserID:        acc.UserID,
			Type:          typ,
			Pages:         pages,
			PagesBefore:   before,
			PagesAfter:    acc.PagesRemaining,
			Metadata:      md,
			CreatedAt:     time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// TransferGuestToUser migrates a guest device's earned excess into
// the user's account, exactly once per (device, user) pair.
func (s *creditService) TransferGuestToUser(ctx context.Context, deviceID, userID string) (*TransferResult, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	res := &TransferResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Same serialization domain as Grant: a user's grant and
		// transfer must not interleave.
		if err := lockUser(tx, userID); err != nil {
			return err
		}

		txnID := transferTransactionID(deviceID, userID)
		var prior LedgerEntry
		err := tx.Where("transaction_id = ?", txnID).First(&prior).Error
		if err == nil {
			return nil // already migrated
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		guestBalance := 0
		guest, err := lockAccount(tx, deviceID)
		switch {
		case err == nil:
			guestBalance = guest.PagesRemaining
		case errors.Is(err, gorm.ErrRecordNotFound):
			guest = nil
		default:
			return err
		}

		// Only the excess over the free allocation moves: the user
		// account receives its own signup bonus, so migrating the
		// guest baseline would count the free pages twice.
		excess := guestBalance - s.lim.GuestFreePages
		if excess < 0 {
			excess = 0
		}

		userBefore := 0
		if excess > 0 {
			userAcc, err := lockOrCreateAccount(tx, UserOwnerID(userID), userID, 0)
			if err != nil {
				return err
			}
			userBefore = userAcc.PagesRemaining
			userAcc.PagesRemaining += excess
			userAcc.UpdatedAt = time.Now()
			if err := tx.Save(userAcc).Error; err != nil {
				return err
			}
		}

		// Zero the guest even when nothing moved, so a later top-up
		// on the device cannot be re-checked and re-credited.
		if guest != nil {
			guest.PagesRemaining = 0
			guest.UserID = userID
			guest.UpdatedAt = time.Now()
			if err := tx.Save(guest).Error; err != nil {
				return err
			}
		}

		entry := LedgerEntry{
			TransactionID: txnID,
			OwnerID:       UserOwnerID(userID),
			UserID:        userID,
			Type:          TxGuestTransfer,
			Pages:         excess,
			PagesBefore:   userBefore,
			PagesAfter:    userBefore + excess,
			Metadata: Metadata{
				Transfer: &TransferDetail{
					GuestDeviceID: deviceID,
					GuestBalance:  guestBalance,
					Excess:        excess,
					NothingToMove: excess == 0,
				},
			},
			CreatedAt: time.Now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		res.Transferred = excess > 0
		res.Amount = excess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetStatus sets the administrative account status.
func (s *creditService) SetStatus(ctx context.Context, ownerID string, status Status) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// History lists ledger entries for the owner, newest first.
func (s *creditService) History(ctx context.Context, ownerID string, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// EarlyAdopterSlotsLeft reports remaining promotional slots.
func (s *creditService) EarlyAdopterSlotsLeft(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("is_early_adopter = ?", true).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	left := s.lim.EarlyAdopterCap - int(n)
	if left < 0 {
		left = 0
	}
	return left, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *creditService) initialPages(ownerID string) int {
	if IsUserOwner(ownerID) {
		return 0 // user balances come from Grant, not auto-vivification
	}
	return s.lim.GuestFreePages
}

// userIDOf extracts the user ID embedded in a user owner ID, or ""
// for guest owners.
func userIDOf(ownerID string) string {
	if IsUserOwner(ownerID) {
		return ownerID[len(UserOwnerPrefix):]
	}
	return ""
}

func grantTransactionID(userID string) string {
	return "grant:" + userID
}

func transferTransactionID(deviceID, userID string) string {
	return "transfer:" + deviceID + ":" + userID
}
