package admin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sheaf-ai/sheaf/server/internal/credit"
)

var (
	ErrActionNotFound = errors.New("admin action not found")
	ErrKeyRequired    = errors.New("idempotency key required")
)

type adminService struct {
	db      *gorm.DB
	credits credit.Service
}

// NewService creates the admin action service.
func NewService(db *gorm.DB, credits credit.Service) Service {
	return &adminService{db: db, credits: credits}
}

func (s *adminService) AddCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*Result, error) {
	return s.run(ctx, key, &Action{
		Kind:    KindAddCredits,
		OwnerID: ownerID,
		ActorID: actorID,
		Pages:   pages,
		Remark:  remark,
	}, func(ctx context.Context, a *Action) (ActionStatus, error) {
		acc, err := s.credits.Add(ctx, ownerID, pages, credit.TxAdminGrant, credit.Metadata{
			Adjustment: &credit.AdjustmentDetail{Remark: remark, ActionID: a.ID},
		})
		if err != nil {
			return StatusFailed, err
		}
		a.BalanceBefore = acc.PagesRemaining - pages
		a.BalanceAfter = acc.PagesRemaining
		return StatusApplied, nil
	})
}

func (s *adminService) DeductCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*Result, error) {
	return s.run(ctx, key, &Action{
		Kind:    KindDeductCredits,
		OwnerID: ownerID,
		ActorID: actorID,
		Pages:   pages,
		Remark:  remark,
	}, func(ctx context.Context, a *Action) (ActionStatus, error) {
		before := 0
		if acc, err := s.credits.GetAccount(ctx, ownerID); err == nil {
			before = acc.PagesRemaining
		}
		ok, err := s.credits.Deduct(ctx, ownerID, pages, credit.TxAdminDeduct, credit.Metadata{
			Adjustment: &credit.AdjustmentDetail{Remark: remark, ActionID: a.ID},
		})
		if err != nil {
			return StatusFailed, err
		}
		a.BalanceBefore = before
		if !ok {
			a.BalanceAfter = before
			return StatusRejected, nil
		}
		a.BalanceAfter = before - pages
		return StatusApplied, nil
	})
}

func (s *adminService) SetStatus(ctx context.Context, key, actorID, ownerID, status, remark string) (*Result, error) {
	return s.run(ctx, key, &Action{
		Kind:      KindSetStatus,
		OwnerID:   ownerID,
		ActorID:   actorID,
		NewStatus: status,
		Remark:    remark,
	}, func(ctx context.Context, a *Action) (ActionStatus, error) {
		acc, err := s.credits.GetAccount(ctx, ownerID)
		if errors.Is(err, credit.ErrAccountNotFound) {
			return StatusRejected, nil
		}
		if err != nil {
			return StatusFailed, err
		}
		a.BalanceBefore = acc.PagesRemaining
		a.BalanceAfter = acc.PagesRemaining
		if err := s.credits.SetStatus(ctx, ownerID, credit.Status(status)); err != nil {
			return StatusFailed, err
		}
		return StatusApplied, nil
	})
}

func (s *adminService) GetByKey(ctx context.Context, key string) (*Action, error) {
	var a Action
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// run records the action as pending, executes it, and stores the
// terminal status. A key that already exists in the ledger returns
// the recorded outcome untouched; two concurrent first calls race
// on the unique index and the loser replays the winner's row.
func (s *adminService) run(ctx context.Context, key string, a *Action, exec func(context.Context, *Action) (ActionStatus, error)) (*Result, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	if prior, err := s.GetByKey(ctx, key); err == nil {
		return &Result{Action: prior, Replayed: true}, nil
	} else if !errors.Is(err, ErrActionNotFound) {
		return nil, err
	}

	now := time.Now()
	a.ID = uuid.NewString()
	a.IdempotencyKey = key
	a.Status = StatusPending
	a.CreatedAt = now
	a.UpdatedAt = now

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the insert race: another process owns this key.
		prior, err := s.GetByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return &Result{Action: prior, Replayed: true}, nil
	}

	status, execErr := exec(ctx, a)
	a.Status = status
	if execErr != nil {
		a.Error = execErr.Error()
	}
	a.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return &Result{Action: a}, nil
}
