package redis

import "github.com/redis/go-redis/v9"

// Every state transition runs as a single script so Redis serializes lease
// arbitration across processes. Scores and timestamps are unix millis passed
// in from the caller's clock.

const trimFn = `
local function trim(key, keep, prefix)
  if keep < 0 then return end
  local excess = redis.call('ZCARD', key) - keep
  if excess > 0 then
    local old = redis.call('ZRANGE', key, 0, excess - 1)
    for _, oid in ipairs(old) do redis.call('DEL', prefix .. oid) end
    redis.call('ZREMRANGEBYRANK', key, 0, excess - 1)
  end
end
`

// KEYS: job, wait. ARGV: id, name, data, timestamp, attempts, backoffType,
// backoffDelay, timeout, keepCompleted, keepFailed.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'name', ARGV[2], 'data', ARGV[3], 'timestamp', ARGV[4],
  'attempts', ARGV[5], 'backoffType', ARGV[6], 'backoffDelay', ARGV[7],
  'timeout', ARGV[8], 'keepCompleted', ARGV[9], 'keepFailed', ARGV[10],
  'attemptsMade', '0', 'stalledCount', '0', 'state', 'waiting')
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, active, delayed, leases. ARGV: now, leaseExpiry, token, jobPrefix.
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[4] .. id, 'state', 'waiting')
end
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then return false end
redis.call('HSET', ARGV[4] .. id, 'state', 'active', 'token', ARGV[3],
  'processedOn', ARGV[1], 'leaseExpiresAt', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], id)
return id
`)

const tokenCheck = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return -2
end
`

// KEYS: job, leases. ARGV: token, leaseExpiry, id.
var heartbeatScript = redis.NewScript(tokenCheck + `
redis.call('HSET', KEYS[1], 'leaseExpiresAt', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// KEYS: job, active, leases, completed. ARGV: token, now, result, id, jobPrefix.
var completeScript = redis.NewScript(trimFn + tokenCheck + `
redis.call('LREM', KEYS[2], 0, ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[4])
redis.call('HSET', KEYS[1], 'state', 'completed', 'finishedOn', ARGV[2], 'returnvalue', ARGV[3], 'token', '')
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[4])
trim(KEYS[4], tonumber(redis.call('HGET', KEYS[1], 'keepCompleted') or '-1'), ARGV[5])
return 1
`)

// KEYS: job, active, leases, delayed, failed.
// ARGV: token, now, reason, id, attemptsMade, retry, runAt, jobPrefix.
var failScript = redis.NewScript(trimFn + tokenCheck + `
redis.call('LREM', KEYS[2], 0, ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[4])
redis.call('HSET', KEYS[1], 'attemptsMade', ARGV[5], 'failedReason', ARGV[3], 'token', '')
if ARGV[6] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'runAt', ARGV[7])
  redis.call('ZADD', KEYS[4], ARGV[7], ARGV[4])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'finishedOn', ARGV[2])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[4])
trim(KEYS[5], tonumber(redis.call('HGET', KEYS[1], 'keepFailed') or '-1'), ARGV[8])
return 1
`)

// KEYS: leases, active, wait, failed. ARGV: now, maxStalled, jobPrefix, reason.
var recoverScript = redis.NewScript(trimFn + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local requeued = 0
local failed = 0
for _, id in ipairs(expired) do
  local jk = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 0, id)
  local stalled = redis.call('HINCRBY', jk, 'stalledCount', 1)
  redis.call('HSET', jk, 'token', '')
  if stalled > tonumber(ARGV[2]) then
    redis.call('HSET', jk, 'state', 'failed', 'failedReason', ARGV[4], 'finishedOn', ARGV[1])
    redis.call('ZADD', KEYS[4], ARGV[1], id)
    trim(KEYS[4], tonumber(redis.call('HGET', jk, 'keepFailed') or '-1'), ARGV[3])
    failed = failed + 1
  else
    redis.call('HSET', jk, 'state', 'waiting')
    redis.call('RPUSH', KEYS[3], id)
    requeued = requeued + 1
  end
end
return {requeued, failed}
`)

// KEYS: wait, delayed, completed, failed. ARGV: jobPrefix.
var cleanScript = redis.NewScript(`
local function purge(ids)
  for _, id in ipairs(ids) do redis.call('DEL', ARGV[1] .. id) end
  return #ids
end
local drained = purge(redis.call('LRANGE', KEYS[1], 0, -1)) + purge(redis.call('ZRANGE', KEYS[2], 0, -1))
local completed = purge(redis.call('ZRANGE', KEYS[3], 0, -1))
local failed = purge(redis.call('ZRANGE', KEYS[4], 0, -1))
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return {drained, completed, failed}
`)
