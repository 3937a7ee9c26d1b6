package credit

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// These tests need a real PostgreSQL instance: row locks and
// pg_advisory_xact_lock have no honest stand-in. Set
// SHEAF_TEST_DATABASE_DSN to run them, e.g.
//
//	SHEAF_TEST_DATABASE_DSN="host=localhost user=postgres password=postgres dbname=sheaf_test sslmode=disable"
//
// Tests use fresh random owner IDs, so a dirty database is fine.

var testLimits = Limits{
	GuestFreePages:         2,
	SignupBonusPages:       2,
	EarlyAdopterBonusPages: 50,
	EarlyAdopterCap:        30,
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("SHEAF_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("SHEAF_TEST_DATABASE_DSN not set, skipping Postgres integration test")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := db.AutoMigrate(&Account{}, &LedgerEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testService(t *testing.T) Service {
	return NewService(testDB(t), testLimits)
}

func newDeviceID() string { return "dev-" + uuid.NewString() }
func newUserID() string   { return uuid.NewString() }

// ─────────────────────────────────────────────
// Vivification
// ─────────────────────────────────────────────

func TestInitializeAccountGuestGetsFreePages(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	acc, err := svc.InitializeAccount(ctx, device)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if acc.PagesRemaining != testLimits.GuestFreePages {
		t.Errorf("guest balance = %d, want %d", acc.PagesRemaining, testLimits.GuestFreePages)
	}
	if acc.Status != StatusActive {
		t.Errorf("status = %q, want active", acc.Status)
	}

	// Second touch must not re-issue the allocation.
	again, err := svc.InitializeAccount(ctx, device)
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if again.PagesRemaining != testLimits.GuestFreePages {
		t.Errorf("balance after second init = %d, want %d", again.PagesRemaining, testLimits.GuestFreePages)
	}
}

func TestInitializeAccountUserStartsEmpty(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	acc, err := svc.InitializeAccount(ctx, UserOwnerID(newUserID()))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if acc.PagesRemaining != 0 {
		t.Errorf("user balance = %d, want 0 (balance comes from Grant)", acc.PagesRemaining)
	}
}

// ─────────────────────────────────────────────
// Grant
// ─────────────────────────────────────────────

func TestGrantStandardBonusOnce(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	userID := newUserID()
	owner := UserOwnerID(userID)

	res, err := svc.Grant(ctx, owner, userID, false)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !res.Granted || res.Pages != testLimits.SignupBonusPages {
		t.Fatalf("grant = %+v, want granted %d pages", res, testLimits.SignupBonusPages)
	}

	// Replay is a recorded no-op.
	res2, err := svc.Grant(ctx, owner, userID, false)
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if res2.Granted || !res2.AlreadyHad {
		t.Errorf("second grant = %+v, want already-had no-op", res2)
	}

	acc, err := svc.GetAccount(ctx, owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.PagesRemaining != testLimits.SignupBonusPages {
		t.Errorf("balance = %d, want %d", acc.PagesRemaining, testLimits.SignupBonusPages)
	}
}

func TestGrantEarlyAdopterBonus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Make the cap independent of accounts left behind by other
	// tests: current early adopters + 1 free slot.
	var existing int64
	if err := db.Model(&Account{}).Where("is_early_adopter = ?", true).Count(&existing).Error; err != nil {
		t.Fatalf("count early adopters: %v", err)
	}
	lim := testLimits
	lim.EarlyAdopterCap = int(existing) + 1
	svc := NewService(db, lim)

	first := newUserID()
	res, err := svc.Grant(ctx, UserOwnerID(first), first, true)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !res.Granted || res.Pages != lim.EarlyAdopterBonusPages {
		t.Fatalf("grant = %+v, want %d early-adopter pages", res, lim.EarlyAdopterBonusPages)
	}

	acc, _ := svc.GetAccount(ctx, UserOwnerID(first))
	if !acc.IsEarlyAdopter {
		t.Error("account not flagged as early adopter")
	}

	// Cap is now exhausted: the next user falls back to the
	// standard bonus even though the caller asked for the promo.
	second := newUserID()
	res2, err := svc.Grant(ctx, UserOwnerID(second), second, true)
	if err != nil {
		t.Fatalf("grant past cap: %v", err)
	}
	if !res2.Granted || res2.Pages != lim.SignupBonusPages {
		t.Errorf("grant past cap = %+v, want standard %d pages", res2, lim.SignupBonusPages)
	}
	acc2, _ := svc.GetAccount(ctx, UserOwnerID(second))
	if acc2.IsEarlyAdopter {
		t.Error("capped account must not be flagged as early adopter")
	}

	entries, err := svc.History(ctx, UserOwnerID(second), 10, 0)
	if err != nil || len(entries) == 0 {
		t.Fatalf("history: %v (%d entries)", err, len(entries))
	}
	if g := entries[0].Metadata.Grant; g == nil || !g.CapReached {
		t.Errorf("ledger metadata = %+v, want cap_reached grant detail", entries[0].Metadata)
	}
}

func TestGrantConcurrentSingleWinner(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	userID := newUserID()
	owner := UserOwnerID(userID)

	const attempts = 10
	var wg sync.WaitGroup
	granted := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Grant(ctx, owner, userID, false)
			if err != nil {
				t.Errorf("grant: %v", err)
				return
			}
			granted <- res.Granted
		}()
	}
	wg.Wait()
	close(granted)

	wins := 0
	for g := range granted {
		if g {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("grant applied %d times, want exactly 1", wins)
	}

	acc, err := svc.GetAccount(ctx, owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.PagesRemaining != testLimits.SignupBonusPages {
		t.Errorf("balance = %d, want %d", acc.PagesRemaining, testLimits.SignupBonusPages)
	}
}

func TestGrantRequiresUserID(t *testing.T) {
	svc := testService(t)
	if _, err := svc.Grant(context.Background(), "dev-x", "", false); err != ErrUserIDRequired {
		t.Errorf("err = %v, want ErrUserIDRequired", err)
	}
}

// ─────────────────────────────────────────────
// Use
// ─────────────────────────────────────────────

func TestUseAutoVivifiesGuest(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	// First ever touch: account springs into existence with the
	// free allocation and the charge lands against it.
	ok, err := svc.Use(ctx, device, 1, "job-1")
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if !ok {
		t.Fatal("first guest use refused")
	}

	acc, _ := svc.GetAccount(ctx, device)
	if acc.PagesRemaining != testLimits.GuestFreePages-1 {
		t.Errorf("balance = %d, want %d", acc.PagesRemaining, testLimits.GuestFreePages-1)
	}
	if acc.TotalPagesUsed != 1 {
		t.Errorf("total used = %d, want 1", acc.TotalPagesUsed)
	}
}

func TestUseRefusesOverdraft(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	ok, err := svc.Use(ctx, device, testLimits.GuestFreePages+1, "job-big")
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if ok {
		t.Fatal("overdraft accepted")
	}

	// Refusal must leave the balance untouched.
	acc, _ := svc.GetAccount(ctx, device)
	if acc.PagesRemaining != testLimits.GuestFreePages {
		t.Errorf("balance = %d, want %d untouched", acc.PagesRemaining, testLimits.GuestFreePages)
	}
	if acc.TotalPagesUsed != 0 {
		t.Errorf("total used = %d, want 0", acc.TotalPagesUsed)
	}
}

func TestUseRefusesHeldAndSuspended(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	for _, status := range []Status{StatusOnHold, StatusSuspended} {
		device := newDeviceID()
		if _, err := svc.InitializeAccount(ctx, device); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if err := svc.SetStatus(ctx, device, status); err != nil {
			t.Fatalf("set status: %v", err)
		}

		ok, err := svc.Use(ctx, device, 1, "job-held")
		if err != nil {
			t.Fatalf("use: %v", err)
		}
		if ok {
			t.Errorf("%s account allowed to spend", status)
		}
	}
}

func TestUseRejectsNonPositivePages(t *testing.T) {
	svc := testService(t)
	for _, pages := range []int{0, -3} {
		if _, err := svc.Use(context.Background(), newDeviceID(), pages, "job"); err != ErrNonPositivePages {
			t.Errorf("pages=%d: err = %v, want ErrNonPositivePages", pages, err)
		}
	}
}

func TestUseConcurrentNeverOverdraws(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	const balance = 10
	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Add(ctx, device, balance-testLimits.GuestFreePages, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("top up: %v", err)
	}

	const attempts = 25
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := svc.Use(ctx, device, 1, "job-concurrent")
			if err != nil {
				t.Errorf("use: %v", err)
				return
			}
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	charged := 0
	for ok := range results {
		if ok {
			charged++
		}
	}
	if charged != balance {
		t.Errorf("charged %d times, want exactly %d", charged, balance)
	}

	acc, _ := svc.GetAccount(ctx, device)
	if acc.PagesRemaining != 0 {
		t.Errorf("final balance = %d, want 0", acc.PagesRemaining)
	}
	if acc.TotalPagesUsed != balance {
		t.Errorf("total used = %d, want %d", acc.TotalPagesUsed, balance)
	}
}

// ─────────────────────────────────────────────
// Add / Deduct
// ─────────────────────────────────────────────

func TestAddAndDeduct(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	acc, err := svc.Add(ctx, device, 30, TxPurchase, Metadata{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if acc.PagesRemaining != 30 {
		t.Errorf("balance = %d, want 30 (Add does not vivify the free allocation)", acc.PagesRemaining)
	}

	ok, err := svc.Deduct(ctx, device, 10, TxAdminDeduct, Metadata{})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if !ok {
		t.Fatal("deduct refused")
	}

	// Deduction beyond the balance is refused outright, not clamped.
	ok, err = svc.Deduct(ctx, device, 100, TxAdminDeduct, Metadata{})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if ok {
		t.Error("oversized deduct accepted")
	}

	acc2, _ := svc.GetAccount(ctx, device)
	if acc2.PagesRemaining != 20 {
		t.Errorf("balance = %d, want 20", acc2.PagesRemaining)
	}
}

func TestDeductAbsentAccountRefused(t *testing.T) {
	svc := testService(t)

	ok, err := svc.Deduct(context.Background(), newDeviceID(), 1, TxAdminDeduct, Metadata{})
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if ok {
		t.Error("deduct against absent account accepted")
	}
}

// ─────────────────────────────────────────────
// Guest → User transfer
// ─────────────────────────────────────────────

func TestTransferMovesOnlyExcess(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()
	userID := newUserID()

	// Guest earns beyond the free allocation.
	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Add(ctx, device, 8, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("top up: %v", err)
	}

	res, err := svc.TransferGuestToUser(ctx, device, userID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// Balance is free allocation + 8; only the 8 above the
	// allocation migrates.
	wantExcess := 8
	if !res.Transferred || res.Amount != wantExcess {
		t.Fatalf("transfer = %+v, want %d pages moved", res, wantExcess)
	}

	guest, _ := svc.GetAccount(ctx, device)
	if guest.PagesRemaining != 0 {
		t.Errorf("guest balance = %d, want 0", guest.PagesRemaining)
	}
	if guest.UserID != userID {
		t.Errorf("guest not linked to user: %q", guest.UserID)
	}

	user, _ := svc.GetAccount(ctx, UserOwnerID(userID))
	if user.PagesRemaining != wantExcess {
		t.Errorf("user balance = %d, want %d", user.PagesRemaining, wantExcess)
	}
}

func TestLoginFlowGrantThenTransfer(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()
	userID := newUserID()
	owner := UserOwnerID(userID)

	// Guest earns 8 on top of the free allocation, then registers.
	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Add(ctx, device, 8, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("top up: %v", err)
	}

	if _, err := svc.Grant(ctx, owner, userID, false); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.TransferGuestToUser(ctx, device, userID); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Signup bonus + migrated excess, never the free allocation twice.
	user, err := svc.GetAccount(ctx, owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	want := testLimits.SignupBonusPages + 8
	if user.PagesRemaining != want {
		t.Errorf("user balance = %d, want %d", user.PagesRemaining, want)
	}

	guest, _ := svc.GetAccount(ctx, device)
	if guest.PagesRemaining != 0 {
		t.Errorf("guest balance = %d, want 0", guest.PagesRemaining)
	}
}

func TestTransferExactlyOncePerPair(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()
	userID := newUserID()

	// Initialize (free allocation) then top up 5: only the 5 above
	// the allocation is transferable.
	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Add(ctx, device, 5, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := svc.TransferGuestToUser(ctx, device, userID); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// The device earns again; the pair is already settled, so a
	// replay must move nothing.
	if _, err := svc.Add(ctx, device, 20, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("second top up: %v", err)
	}
	res, err := svc.TransferGuestToUser(ctx, device, userID)
	if err != nil {
		t.Fatalf("second transfer: %v", err)
	}
	if res.Transferred || res.Amount != 0 {
		t.Errorf("replayed transfer = %+v, want no-op", res)
	}

	user, _ := svc.GetAccount(ctx, UserOwnerID(userID))
	if user.PagesRemaining != 5 {
		t.Errorf("user balance = %d, want 5 (replay must not re-credit)", user.PagesRemaining)
	}
}

func TestTransferNothingToMove(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()
	userID := newUserID()

	// Guest holds only the free allocation: nothing migrates, but
	// the guest is still zeroed and the pair recorded.
	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	res, err := svc.TransferGuestToUser(ctx, device, userID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Transferred || res.Amount != 0 {
		t.Errorf("transfer = %+v, want nothing moved", res)
	}

	guest, _ := svc.GetAccount(ctx, device)
	if guest.PagesRemaining != 0 {
		t.Errorf("guest balance = %d, want 0 after settlement", guest.PagesRemaining)
	}

	entries, err := svc.History(ctx, UserOwnerID(userID), 10, 0)
	if err != nil || len(entries) == 0 {
		t.Fatalf("history: %v (%d entries)", err, len(entries))
	}
	if d := entries[0].Metadata.Transfer; d == nil || !d.NothingToMove {
		t.Errorf("ledger metadata = %+v, want nothing-to-move transfer detail", entries[0].Metadata)
	}
}

func TestTransferUnknownDevice(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	userID := newUserID()

	// Device never touched the system: the pair is still settled so
	// a later vivification cannot be retro-credited.
	res, err := svc.TransferGuestToUser(ctx, newDeviceID(), userID)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Transferred {
		t.Errorf("transfer = %+v, want no-op for unknown device", res)
	}
}

func TestTransferConcurrentSingleSettlement(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()
	userID := newUserID()

	if _, err := svc.InitializeAccount(ctx, device); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Add(ctx, device, 7, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("top up: %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	moved := make(chan int, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.TransferGuestToUser(ctx, device, userID)
			if err != nil {
				t.Errorf("transfer: %v", err)
				return
			}
			moved <- res.Amount
		}()
	}
	wg.Wait()
	close(moved)

	total := 0
	for m := range moved {
		total += m
	}
	if total != 7 {
		t.Errorf("total moved across retries = %d, want 7", total)
	}

	user, _ := svc.GetAccount(ctx, UserOwnerID(userID))
	if user.PagesRemaining != 7 {
		t.Errorf("user balance = %d, want 7", user.PagesRemaining)
	}
}

// ─────────────────────────────────────────────
// Status / History
// ─────────────────────────────────────────────

func TestSetStatusUnknownAccount(t *testing.T) {
	svc := testService(t)
	if err := svc.SetStatus(context.Background(), newDeviceID(), StatusOnHold); err != ErrAccountNotFound {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	device := newDeviceID()

	if _, err := svc.Add(ctx, device, 10, TxPurchase, Metadata{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ok, err := svc.Use(ctx, device, 3, "job-h"); err != nil || !ok {
		t.Fatalf("use: ok=%v err=%v", ok, err)
	}

	entries, err := svc.History(ctx, device, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != TxUse || entries[1].Type != TxPurchase {
		t.Errorf("order = [%s, %s], want [use, purchase]", entries[0].Type, entries[1].Type)
	}
	if entries[0].PagesBefore != 10 || entries[0].PagesAfter != 7 {
		t.Errorf("use snapshot = %d→%d, want 10→7", entries[0].PagesBefore, entries[0].PagesAfter)
	}
}
