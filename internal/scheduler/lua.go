package scheduler

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// LuaFetchJob atomically claims a PENDING job for a worker.
//
// KEYS[1] = job:{traceID}           (hash)
// ARGV[1] = workerID
// ARGV[2] = leaseTTL (seconds)
//
// Returns:
//
//	[1]  "OK"        – job successfully claimed
//	[1]  "GONE"      – job already claimed or doesn't exist
//	+ job fields     – document_id, document_url, pages (when OK)
const LuaFetchJob = `
local jobKey   = KEYS[1]
local workerID = ARGV[1]
local leaseTTL = tonumber(ARGV[2])

-- 1. Check job exists and is still PENDING
local status = redis.call("HGET", jobKey, "status")
if status ~= "PENDING" then
    return {"GONE"}
end

-- 2. Atomically set to PROCESSING and bind worker
redis.call("HMSET", jobKey,
    "status",    "PROCESSING",
    "worker_id", workerID
)

-- 3. Set lease TTL – if not reported back within this window, key expires
--    and the lease watchdog can re-enqueue.
redis.call("EXPIRE", jobKey, leaseTTL)

-- 4. Return job details needed by the worker
local fields = redis.call("HMGET", jobKey, "document_id", "document_url", "pages")
return {"OK", fields[1], fields[2], fields[3]}
`

// LuaCompleteJob atomically marks a job as COMPLETED and stores
// the result in the per-owner cache key.
//
// KEYS[1] = job:{traceID}                  (hash)
// KEYS[2] = cache:{ownerID}:{documentID}   (string – result URL)
// KEYS[3] = inflight:{ownerID}:{documentID}(collapsing key)
// KEYS[4] = queue:pending                  (list)
// ARGV[1] = result URL
// ARGV[2] = cacheTTL (seconds)
// ARGV[3] = workerID (reporting worker)
//
// Returns: "OK", "INVALID", or "WORKER_MISMATCH"
const LuaCompleteJob = `
local jobKey      = KEYS[1]
local cacheKey    = KEYS[2]
local collapseKey = KEYS[3]
local queueKey    = KEYS[4]
local resultURL   = ARGV[1]
local cacheTTL    = tonumber(ARGV[2])
local workerID    = ARGV[3]

local status = redis.call("HGET", jobKey, "status")
if status ~= "PROCESSING" then
    return "INVALID"
end

-- Verify the job is still assigned to this worker (prevent stale completion)
local assigned = redis.call("HGET", jobKey, "worker_id")
if assigned ~= workerID then
    return "WORKER_MISMATCH"
end

-- 1. Mark job done
redis.call("HSET", jobKey, "status", "COMPLETED")
redis.call("EXPIRE", jobKey, 300)  -- keep metadata 5 min for diagnostics

-- 2. Store result in per-owner cache
redis.call("SET", cacheKey, resultURL, "EX", cacheTTL)

-- 3. Remove collapsing key so future requests create new jobs
redis.call("DEL", collapseKey)

-- 4. Remove completed job from pending queue
local traceID = redis.call("HGET", jobKey, "trace_id")
redis.call("LREM", queueKey, 0, traceID)

return "OK"
`

// LuaPublishJob creates a new job hash if no inflight job exists
// for the same owner+document (request collapsing).
//
// KEYS[1] = job:{traceID}                  (hash to create)
// KEYS[2] = inflight:{ownerID}:{documentID}(collapsing sentinel)
// KEYS[3] = queue:pending                  (list)
// ARGV[1] = traceID
// ARGV[2] = ownerID
// ARGV[3] = documentID
// ARGV[4] = force   ("0" or "1")
// ARGV[5] = leaseTTL (seconds) – used for inflight key expiry
// ARGV[6] = documentURL
// ARGV[7] = pages
//
// Returns:
//
//	"CREATED"   – new job created
//	traceID     – existing inflight job (collapsed)
const LuaPublishJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local traceID     = ARGV[1]
local ownerID     = ARGV[2]
local documentID  = ARGV[3]
local force       = ARGV[4]
local leaseTTL    = tonumber(ARGV[5])
local documentURL = ARGV[6]
local pages       = ARGV[7]

-- Request Collapsing: check if an identical job is already in-flight
local existing = redis.call("GET", collapseKey)
if existing then
    -- Verify the job still exists (avoid collapsing to expired jobs)
    local existingJobKey = "job:" .. existing
    local existingStatus = redis.call("HGET", existingJobKey, "status")
    if existingStatus == "PENDING" or existingStatus == "PROCESSING" then
        return existing  -- return the traceID of the existing job
    end
    -- Job expired, clear stale collapseKey and create new job
    redis.call("DEL", collapseKey)
end

-- Create the job hash
redis.call("HMSET", jobKey,
    "trace_id",     traceID,
    "owner_id",     ownerID,
    "document_id",  documentID,
    "document_url", documentURL,
    "status",       "PENDING",
    "force",        force,
    "pages",        pages,
    "worker_id",    ""
)
redis.call("EXPIRE", jobKey, leaseTTL * 3)  -- generous TTL for the hash itself

-- Set collapsing sentinel
redis.call("SET", collapseKey, traceID, "EX", leaseTTL * 2)

-- Push to pending queue
redis.call("RPUSH", queueKey, traceID)

return "CREATED"
`

// LuaReclaimJob handles timeout/failure recovery:
// - Resets PROCESSING jobs back to PENDING
// - Re-sets the collapsing key to protect from duplication
// - Re-enqueues the job
//
// KEYS[1] = job:{traceID}                  (hash)
// KEYS[2] = inflight:{ownerID}:{documentID}(collapsing key)
// KEYS[3] = queue:pending                  (list)
// ARGV[1] = leaseTTL (seconds)
//
// Returns:
//
//	"RECLAIMED"    – job was reset and re-enqueued
//	"NOT_NEEDED"   – job is not in PROCESSING state or doesn't exist
const LuaReclaimJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local leaseTTL    = tonumber(ARGV[1])

-- Check if job exists and is PROCESSING
local status = redis.call("HGET", jobKey, "status")
if status ~= "PROCESSING" then
    return "NOT_NEEDED"
end

-- Reset to PENDING and clear worker assignment
redis.call("HMSET", jobKey,
    "status",    "PENDING",
    "worker_id", ""
)
redis.call("EXPIRE", jobKey, leaseTTL * 3)

-- Re-enqueue first
local traceID = redis.call("HGET", jobKey, "trace_id")
redis.call("RPUSH", queueKey, traceID)

-- Re-set collapsing key to protect the re-enqueued job from duplication
redis.call("SET", collapseKey, traceID, "EX", leaseTTL * 2)

return "RECLAIMED"
`
