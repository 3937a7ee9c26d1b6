package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sheaf-ai/sheaf/server/internal/config"
	"github.com/sheaf-ai/sheaf/server/internal/model"
)

// Scheduler manages job lifecycle via Redis.
type Scheduler struct {
	rdb *redis.Client
	cfg *config.Config

	// Pre-loaded Lua scripts
	fetchScript    *redis.Script
	completeScript *redis.Script
	publishScript  *redis.Script
	reclaimScript  *redis.Script
}

// Settlement carries the job facts the hub needs to charge the
// credit account after a successful completion.
type Settlement struct {
	OwnerID    string
	DocumentID string
	Pages      int
}

// NewScheduler initialises the scheduler and loads Lua scripts.
func NewScheduler(rdb *redis.Client, cfg *config.Config) *Scheduler {
	return &Scheduler{
		rdb:            rdb,
		cfg:            cfg,
		fetchScript:    redis.NewScript(LuaFetchJob),
		completeScript: redis.NewScript(LuaCompleteJob),
		publishScript:  redis.NewScript(LuaPublishJob),
		reclaimScript:  redis.NewScript(LuaReclaimJob),
	}
}

// ─────────────────────────────────────────────
// Public API
// ─────────────────────────────────────────────

// PublishJob creates a new job or collapses into an existing one.
// Returns the traceID (may be a different one if collapsed) and whether it was newly created.
func (s *Scheduler) PublishJob(ctx context.Context, traceID, ownerID, documentID, documentURL string, force bool, pages int) (string, bool, error) {
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	leaseTTL := int(s.cfg.JobLeaseTTL.Seconds())

	keys := []string{
		model.JobKey(traceID),
		model.CollapsingKey(ownerID, documentID),
		model.PendingQueueKey,
	}
	args := []interface{}{traceID, ownerID, documentID, forceFlag, leaseTTL, documentURL, pages}

	result, err := s.publishScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return "", false, fmt.Errorf("publish job lua: %w", err)
	}

	if result == "CREATED" {
		return traceID, true, nil
	}
	// Collapsed into existing job – result is the existing traceID
	return result, false, nil
}

// FetchJob lets a worker attempt to claim a pending job.
// Returns the assignment details or nil when the job is gone.
func (s *Scheduler) FetchJob(ctx context.Context, traceID, workerID string) (*model.JobAssignment, error) {
	leaseTTL := int(s.cfg.JobLeaseTTL.Seconds())

	keys := []string{model.JobKey(traceID)}
	args := []interface{}{workerID, leaseTTL}

	vals, err := s.fetchScript.Run(ctx, s.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("fetch job lua: %w", err)
	}

	if len(vals) == 0 || vals[0] == "GONE" {
		return nil, nil // job already claimed
	}

	// vals = ["OK", documentID, documentURL, pages]
	pages, _ := strconv.Atoi(vals[3])
	return &model.JobAssignment{
		TraceID:     traceID,
		DocumentID:  vals[1],
		DocumentURL: vals[2],
		Pages:       pages,
	}, nil
}

// CompleteJob stores the result, updates caches, and returns the
// settlement facts for the credit charge.
// workerID must match the worker currently assigned to the job.
func (s *Scheduler) CompleteJob(ctx context.Context, traceID, workerID, resultURL string) (*Settlement, error) {
	// Look up job metadata to build cache key and settlement
	jobKey := model.JobKey(traceID)
	pipe := s.rdb.Pipeline()
	ownerIDCmd := pipe.HGet(ctx, jobKey, "owner_id")
	documentIDCmd := pipe.HGet(ctx, jobKey, "document_id")
	pagesCmd := pipe.HGet(ctx, jobKey, "pages")
	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job metadata: %w", err)
	}
	ownerID := ownerIDCmd.Val()
	documentID := documentIDCmd.Val()
	pages, _ := strconv.Atoi(pagesCmd.Val())

	cacheTTL := int(s.cfg.CacheTTL.Seconds())

	keys := []string{
		jobKey,
		model.CacheKey(ownerID, documentID),
		model.CollapsingKey(ownerID, documentID),
		model.PendingQueueKey,
	}
	args := []interface{}{resultURL, cacheTTL, workerID}

	status, err := s.completeScript.Run(ctx, s.rdb, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("complete job lua: %w", err)
	}
	if status == "WORKER_MISMATCH" {
		return nil, fmt.Errorf("job reassigned to another worker (stale completion attempt)")
	}
	if status != "OK" {
		return nil, fmt.Errorf("complete job: unexpected status %s", status)
	}
	return &Settlement{OwnerID: ownerID, DocumentID: documentID, Pages: pages}, nil
}

// GetCachedResult checks the per-owner cache.
func (s *Scheduler) GetCachedResult(ctx context.Context, ownerID, documentID string) (*string, error) {
	data, err := s.rdb.Get(ctx, model.CacheKey(ownerID, documentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// PendingQueueLen returns the current length of the pending queue.
func (s *Scheduler) PendingQueueLen(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, model.PendingQueueKey).Result()
}

// ─────────────────────────────────────────────
// Lease Watchdog (background goroutine)
// ─────────────────────────────────────────────

// StartLeaseWatchdog periodically scans for expired job keys
// whose lease TTL has passed and re-enqueues them.
// It runs until ctx is cancelled.
func (s *Scheduler) StartLeaseWatchdog(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log.Println("[scheduler] lease watchdog started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[scheduler] lease watchdog stopped")
			return
		case <-ticker.C:
			s.reclaimExpiredJobs(ctx)
		}
	}
}

// reclaimExpiredJobs scans for stuck PROCESSING jobs and:
// 1. Checks if the job is still PROCESSING with low TTL
// 2. Calls LuaReclaimJob to reset, re-protect the collapse key, and re-enqueue
// 3. Removes truly expired jobs from the queue
func (s *Scheduler) reclaimExpiredJobs(ctx context.Context) {
	queueLen, err := s.rdb.LLen(ctx, model.PendingQueueKey).Result()
	if err != nil || queueLen == 0 {
		return
	}

	// Scan up to 100 entries
	limit := queueLen
	if limit > 100 {
		limit = 100
	}

	leaseTTL := int(s.cfg.JobLeaseTTL.Seconds())
	reclaimThreshold := leaseTTL / 2 // Reclaim if TTL < 50% of lease

	for i := int64(0); i < limit; i++ {
		traceID, err := s.rdb.LIndex(ctx, model.PendingQueueKey, i).Result()
		if err != nil {
			continue
		}
		jobKey := model.JobKey(traceID)

		pipe := s.rdb.Pipeline()
		ttlCmd := pipe.TTL(ctx, jobKey)
		statusCmd := pipe.HGet(ctx, jobKey, "status")
		ownerIDCmd := pipe.HGet(ctx, jobKey, "owner_id")
		documentIDCmd := pipe.HGet(ctx, jobKey, "document_id")
		_, err = pipe.Exec(ctx)
		if err != nil {
			// Job doesn't exist – remove from queue
			s.rdb.LRem(ctx, model.PendingQueueKey, 1, traceID)
			log.Printf("[scheduler] removed expired job %s from queue", traceID)
			continue
		}

		ttl := ttlCmd.Val().Seconds()
		status := statusCmd.Val()

		// If the job is PROCESSING and TTL is low, reclaim it
		if status == "PROCESSING" && ttl > 0 && ttl < float64(reclaimThreshold) {
			ownerID := ownerIDCmd.Val()
			documentID := documentIDCmd.Val()

			keys := []string{
				jobKey,
				model.CollapsingKey(ownerID, documentID),
				model.PendingQueueKey,
			}
			args := []interface{}{leaseTTL}

			result, err := s.reclaimScript.Run(ctx, s.rdb, keys, args...).Text()
			if err != nil {
				log.Printf("[scheduler] reclaim job %s error: %v", traceID, err)
				continue
			}
			if result == "RECLAIMED" {
				log.Printf("[scheduler] reclaimed stuck job %s (TTL was %.0fs)", traceID, ttl)
			}
		}
	}
}
