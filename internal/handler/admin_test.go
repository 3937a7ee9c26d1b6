package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sheaf-ai/sheaf/server/internal/admin"
	"github.com/sheaf-ai/sheaf/server/internal/auth"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
)

// fakeAdminService records calls and plays back canned results.
type fakeAdminService struct {
	admin.Service
	lastKey   string
	lastPages int
	result    *admin.Result
	action    *admin.Action
}

func (f *fakeAdminService) AddCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*admin.Result, error) {
	f.lastKey = key
	f.lastPages = pages
	return f.result, nil
}

func (f *fakeAdminService) DeductCredits(ctx context.Context, key, actorID, ownerID string, pages int, remark string) (*admin.Result, error) {
	f.lastKey = key
	f.lastPages = pages
	return f.result, nil
}

func (f *fakeAdminService) GetByKey(ctx context.Context, key string) (*admin.Action, error) {
	if f.action != nil && f.action.IdempotencyKey == key {
		return f.action, nil
	}
	return nil, admin.ErrActionNotFound
}

// fakeCreditService serves a single account.
type fakeCreditService struct {
	credit.Service
	account *credit.Account
}

func (f *fakeCreditService) GetAccount(ctx context.Context, ownerID string) (*credit.Account, error) {
	if f.account != nil && f.account.OwnerID == ownerID {
		return f.account, nil
	}
	return nil, credit.ErrAccountNotFound
}

func newAdminRouter(actions admin.Service, credits credit.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAdminHandler(&stubUserService{}, credits, actions)
	h.RegisterRoutes(r.Group("/api/v1/admin"))
	return r
}

// stubUserService satisfies auth.UserService for handlers that never
// reach the user store in these tests.
type stubUserService struct {
	auth.UserService
}

func TestAddCreditsRequiresIdempotencyKey(t *testing.T) {
	r := newAdminRouter(&fakeAdminService{}, &fakeCreditService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/dev-1/credits",
		strings.NewReader(`{"pages": 10}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without %s", w.Code, IdempotencyKeyHeader)
	}
}

func TestAddCreditsFreshAndReplayed(t *testing.T) {
	svc := &fakeAdminService{
		result: &admin.Result{Action: &admin.Action{Status: admin.StatusApplied}},
	}
	r := newAdminRouter(svc, &fakeCreditService{})

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/dev-1/credits",
			strings.NewReader(`{"pages": 10, "remark": "promo"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyKeyHeader, "k-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusCreated {
		t.Errorf("fresh action status = %d, want 201", w.Code)
	}
	if svc.lastKey != "k-1" || svc.lastPages != 10 {
		t.Errorf("service saw key=%q pages=%d", svc.lastKey, svc.lastPages)
	}

	svc.result.Replayed = true
	if w := do(); w.Code != http.StatusOK {
		t.Errorf("replayed action status = %d, want 200", w.Code)
	}
}

func TestDeductCreditsRejectionMapsTo409(t *testing.T) {
	svc := &fakeAdminService{
		result: &admin.Result{Action: &admin.Action{Status: admin.StatusRejected}},
	}
	r := newAdminRouter(svc, &fakeCreditService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/dev-1/debits",
		strings.NewReader(`{"pages": 100}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, "k-2")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 for rejected deduction", w.Code)
	}
}

func TestAddCreditsValidatesBody(t *testing.T) {
	r := newAdminRouter(&fakeAdminService{}, &fakeCreditService{})

	for _, body := range []string{`{}`, `{"pages": 0}`, `{"pages": -5}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/accounts/dev-1/credits",
			strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyKeyHeader, "k-3")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestGetAccount(t *testing.T) {
	credits := &fakeCreditService{
		account: &credit.Account{OwnerID: "dev-1", PagesRemaining: 7, Status: credit.StatusActive},
	}
	r := newAdminRouter(&fakeAdminService{}, credits)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/accounts/dev-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/accounts/dev-unknown", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown account", w.Code)
	}
}

func TestGetAction(t *testing.T) {
	svc := &fakeAdminService{
		action: &admin.Action{IdempotencyKey: "k-9", Status: admin.StatusApplied},
	}
	r := newAdminRouter(svc, &fakeCreditService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/actions/k-9", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/actions/k-unknown", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown action", w.Code)
	}
}

func TestSetAccountStatusValidatesStatus(t *testing.T) {
	svc := &fakeAdminService{
		result: &admin.Result{Action: &admin.Action{Status: admin.StatusApplied}},
	}
	r := newAdminRouter(svc, &fakeCreditService{})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/accounts/dev-1/status",
		strings.NewReader(`{"status": "frozen"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, "k-4")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown account status", w.Code)
	}
}
