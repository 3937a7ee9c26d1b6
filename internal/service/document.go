package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sheaf-ai/sheaf/server/internal/config"
	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/model"
	"github.com/sheaf-ai/sheaf/server/internal/scheduler"
	"github.com/sheaf-ai/sheaf/server/internal/store"
	"github.com/sheaf-ai/sheaf/server/internal/ws"
)

// Service errors
var (
	ErrInsufficientBalance = errors.New("insufficient page credits")
	ErrAccountBlocked      = errors.New("credit account is not active")
)

// DocumentService orchestrates the full request lifecycle:
//
//	cache check → collapsing → publish → wait → return
//
// Credits are charged on successful settlement inside the hub, never
// here; this service only refuses requests the owner plainly cannot
// afford at submission time.
type DocumentService struct {
	sched   *scheduler.Scheduler
	hub     *ws.Hub
	waiter  *ws.ResultWaiter
	store   *store.Store
	cfg     *config.Config
	credits credit.Service
}

// NewDocumentService creates the service.
func NewDocumentService(
	sched *scheduler.Scheduler,
	hub *ws.Hub,
	waiter *ws.ResultWaiter,
	store *store.Store,
	cfg *config.Config,
	credits credit.Service,
) *DocumentService {
	return &DocumentService{
		sched:   sched,
		hub:     hub,
		waiter:  waiter,
		store:   store,
		cfg:     cfg,
		credits: credits,
	}
}

// Process is the main business flow:
//
//  1. If force=false, check per-owner cache → return if hit
//  2. Estimate the document's page count
//  3. Refuse owners that cannot afford the estimate up front
//  4. Publish new job to Redis (with collapsing) + broadcast to workers
//  5. Block (async→sync) until result arrives or timeout
//
// ownerID is injected by the identity middleware (not from the request body).
func (s *DocumentService) Process(ctx context.Context, ownerID string, req *model.ProcessRequest) (*model.ProcessResponse, error) {
	// ── Step 1: Cache lookup (skip if force=true) ──
	if !req.Force {
		cached, err := s.sched.GetCachedResult(ctx, ownerID, req.DocumentID)
		if err != nil {
			log.Printf("[service] cache check error: %v", err)
			// continue – treat as miss
		}
		if cached != nil {
			log.Printf("[service] cache HIT owner=%s document=%s", ownerID, req.DocumentID)
			return &model.ProcessResponse{
				Cached:    true,
				ResultURL: *cached,
			}, nil
		}
	}

	// ── Step 2: Estimate page count ──
	pages, err := EstimatePages(ctx, req.DocumentURL, s.cfg.MaxJobPages)
	if err != nil {
		return nil, fmt.Errorf("estimate document pages: %w", err)
	}

	// ── Step 3: Affordability pre-check ──
	// Vivifies the account if the owner has never been seen, so the
	// guest free allocation is visible before the first job settles.
	acct, err := s.credits.InitializeAccount(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolve credit account: %w", err)
	}
	if acct.Status != credit.StatusActive {
		return nil, ErrAccountBlocked
	}
	if acct.PagesRemaining < pages {
		return nil, ErrInsufficientBalance
	}

	traceID := uuid.New().String()

	// ── Step 4: Publish (with built-in collapsing) ──
	actualTraceID, created, err := s.sched.PublishJob(ctx, traceID, ownerID, req.DocumentID, req.DocumentURL, req.Force, pages)
	if err != nil {
		return nil, fmt.Errorf("publish job: %w", err)
	}

	if created {
		log.Printf("[service] NEW job trace=%s owner=%s document=%s force=%v pages=%d",
			actualTraceID, ownerID, req.DocumentID, req.Force, pages)

		// Async SQL log
		s.store.LogJobCreated(actualTraceID, ownerID, req.DocumentID, req.DocumentURL, req.Force, pages)

		// Broadcast announcement to all worker nodes
		queueLen, _ := s.sched.PendingQueueLen(ctx)
		s.hub.BroadcastJobAnnouncement(ctx, &model.JobAnnouncement{
			TraceID:  actualTraceID,
			Pages:    pages,
			QueueLen: int(queueLen),
		})
	} else {
		log.Printf("[service] COLLAPSED into trace=%s owner=%s document=%s",
			actualTraceID, ownerID, req.DocumentID)
	}

	// ── Step 5: Wait for result (async → sync bridge) ──
	resultCh := s.waiter.Register(actualTraceID)
	defer s.waiter.Unregister(actualTraceID, resultCh)

	select {
	case result := <-resultCh:
		if result == nil {
			return &model.ProcessResponse{
				Error: "job completed with nil result",
			}, nil
		}

		if !result.Success {
			return &model.ProcessResponse{
				Error: result.Error,
			}, nil
		}

		charged := result.Pages
		if charged <= 0 {
			charged = pages
		}
		if !created {
			charged = 0 // collapsed request piggybacks on the original owner's job
		}
		return &model.ProcessResponse{
			Cached:    false,
			Pages:     charged,
			ResultURL: result.ResultURL,
		}, nil

	case <-time.After(s.cfg.JobWaitTimeout):
		return &model.ProcessResponse{
			Error: "timeout waiting for worker result",
		}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
