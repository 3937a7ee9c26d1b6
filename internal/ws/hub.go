package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/sheaf-ai/sheaf/server/internal/credit"
	"github.com/sheaf-ai/sheaf/server/internal/model"
	"github.com/sheaf-ai/sheaf/server/internal/scheduler"
	"github.com/sheaf-ai/sheaf/server/internal/store"
)

// ─────────────────────────────────────────────
// Result Waiter: async WS → sync HTTP bridge
// ─────────────────────────────────────────────

// ResultWaiter maps TraceID → channel, allowing HTTP handlers
// to block until a WebSocket result arrives.
type ResultWaiter struct {
	mu      sync.Mutex
	waiters map[string][]chan *model.JobResult
}

func NewResultWaiter() *ResultWaiter {
	return &ResultWaiter{
		waiters: make(map[string][]chan *model.JobResult),
	}
}

// Register creates a channel for the given traceID and returns it.
func (rw *ResultWaiter) Register(traceID string) <-chan *model.JobResult {
	ch := make(chan *model.JobResult, 1)
	rw.mu.Lock()
	rw.waiters[traceID] = append(rw.waiters[traceID], ch)
	rw.mu.Unlock()
	return ch
}

// Unregister removes a specific channel from the waiters for the given traceID.
// This prevents memory leaks when requests timeout or are cancelled.
func (rw *ResultWaiter) Unregister(traceID string, ch <-chan *model.JobResult) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	chs := rw.waiters[traceID]
	for i, c := range chs {
		if c == ch {
			rw.waiters[traceID] = append(chs[:i], chs[i+1:]...)
			if len(rw.waiters[traceID]) == 0 {
				delete(rw.waiters, traceID)
			}
			break
		}
	}
}

// Notify delivers a result to all waiters for the given traceID.
func (rw *ResultWaiter) Notify(traceID string, result *model.JobResult) {
	rw.mu.Lock()
	chs := rw.waiters[traceID]
	delete(rw.waiters, traceID)
	rw.mu.Unlock()

	for _, ch := range chs {
		select {
		case ch <- result:
		default:
		}
	}
}

// ─────────────────────────────────────────────
// Hub: manages all connected AI workers
// ─────────────────────────────────────────────

// Hub maintains the set of active WebSocket clients, broadcasts
// job announcements, and settles the credit charge when a worker
// reports success. Settlement lives here, on the worker-facing
// side, so a charge still lands when the originating HTTP request
// has long since timed out.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // workerID → Client
	sched   *scheduler.Scheduler
	waiter  *ResultWaiter
	credits credit.Service
	store   *store.Store
}

// NewHub creates a new Hub.
func NewHub(sched *scheduler.Scheduler, waiter *ResultWaiter, credits credit.Service, st *store.Store) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		sched:   sched,
		waiter:  waiter,
		credits: credits,
		store:   st,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.WorkerID] = c
	h.mu.Unlock()
	log.Printf("[hub] worker %s connected (total: %d)", c.WorkerID, h.ClientCount())
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.WorkerID)
	h.mu.Unlock()
	log.Printf("[hub] worker %s disconnected (total: %d)", c.WorkerID, h.ClientCount())
}

// ClientCount returns the number of connected workers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJobAnnouncement sends a job announcement to all connected workers.
func (h *Hub) BroadcastJobAnnouncement(ctx context.Context, ann *model.JobAnnouncement) {
	env := model.Envelope{
		Type:    model.MsgTypeJobAnnouncement,
		Payload: ann,
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[hub] marshal announcement error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("[hub] send buffer full for worker %s, dropping", c.WorkerID)
		}
	}
	log.Printf("[hub] broadcast JOB_ANNOUNCEMENT trace=%s to %d workers", ann.TraceID, len(h.clients))
}

// HandleFetchJob processes a FETCH_JOB request from a worker.
func (h *Hub) HandleFetchJob(ctx context.Context, c *Client, req *model.FetchJobRequest) {
	assignment, err := h.sched.FetchJob(ctx, req.TraceID, c.WorkerID)
	if err != nil {
		log.Printf("[hub] fetch job error: %v", err)
		return
	}

	var env model.Envelope
	if assignment == nil {
		// Job already claimed
		env = model.Envelope{
			Type:    model.MsgTypeJobGone,
			Payload: map[string]string{"trace_id": req.TraceID},
		}
	} else {
		env = model.Envelope{
			Type:    model.MsgTypeJobAssigned,
			Payload: assignment,
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[hub] marshal response error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[hub] send buffer full for worker %s", c.WorkerID)
	}
}

// HandleJobResult processes a JOB_RESULT submission from a worker.
//
// Charge-on-success: the debit happens here, and only for a
// successful completion. Timeouts and worker-side errors are never
// charged.
func (h *Hub) HandleJobResult(ctx context.Context, c *Client, result *model.JobResult) {
	log.Printf("[hub] received result for trace=%s from worker=%s success=%v",
		result.TraceID, c.WorkerID, result.Success)

	if result.Success && result.ResultURL != "" {
		settle, err := h.sched.CompleteJob(ctx, result.TraceID, c.WorkerID, result.ResultURL)
		if err != nil {
			log.Printf("[hub] complete job error: %v", err)
		} else {
			pages := settle.Pages
			if result.Pages > 0 {
				pages = result.Pages // worker-reported actual page count
			}
			charged, err := h.credits.Use(ctx, settle.OwnerID, pages, result.TraceID)
			if err != nil {
				log.Printf("[hub] charge error trace=%s owner=%s: %v", result.TraceID, settle.OwnerID, err)
			} else if !charged {
				log.Printf("[hub] charge refused trace=%s owner=%s pages=%d (balance drained or account held)",
					result.TraceID, settle.OwnerID, pages)
			}
			h.store.LogJobCompleted(result.TraceID, c.WorkerID, true, charged, pages)
		}
	} else {
		h.store.LogJobCompleted(result.TraceID, c.WorkerID, false, false, 0)
	}

	// Notify HTTP waiters regardless of success
	h.waiter.Notify(result.TraceID, result)
}
