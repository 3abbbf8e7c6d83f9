package redis

import "github.com/go-redis/redis/v8"

// Script replies. Anything else returned by a state-changing script is the
// job's current status, which makes the requested transition invalid.
const (
	replyOK       = "ok"
	replyRequeued = "requeued"
	replyMissing  = "missing"
	replyStale    = "stale"
	replyFresh    = "fresh"
)

// Scores order the pending set: priority descending, then sequence
// ascending. Priorities are at most 100, so scores stay well inside the
// integer range a double represents exactly.

// KEYS: seq, queue, job hash
// ARGV: id, priority, field/value pairs...
var enqueueScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[3], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], string.format('%.0f', -tonumber(ARGV[2]) * 1e12 + seq), ARGV[1])
return seq
`)

// claimBatch is how many queue entries the claim script inspects per
// ZRANGE while looking past skipped job types.
const claimBatch = 100

// KEYS: queue, processing
// ARGV: prefix, worker id, started at, claim time ms, batch, skipped types...
var claimScript = redis.NewScript(`
local skip = {}
for i = 6, #ARGV do
	skip[ARGV[i]] = true
end
local batch = tonumber(ARGV[5])
local offset = 0
while true do
	local ids = redis.call('ZRANGE', KEYS[1], offset, offset + batch - 1)
	if #ids == 0 then
		return false
	end
	for _, id in ipairs(ids) do
		local key = ARGV[1] .. 'job:' .. id
		local fields = redis.call('HMGET', key, 'status', 'job_type')
		if fields[1] ~= 'pending' then
			redis.call('ZREM', KEYS[1], id)
			offset = offset - 1
		elseif not skip[fields[2]] then
			redis.call('ZREM', KEYS[1], id)
			redis.call('HSET', key, 'status', 'running', 'worker_id', ARGV[2], 'started_at', ARGV[3])
			redis.call('HINCRBY', key, 'attempts', 1)
			redis.call('ZADD', KEYS[2], ARGV[4], id)
			return redis.call('HGETALL', key)
		end
	end
	offset = offset + #ids
end
`)

// pushHistory is shared by every script that makes a job terminal.
// It expects KEYS[results], the prefix, the id and the history size.
const pushHistory = `
local function push_history(results, prefix, id, size)
	redis.call('LPUSH', results, id)
	local evicted = redis.call('LRANGE', results, size, -1)
	for _, old in ipairs(evicted) do
		redis.call('DEL', prefix .. 'job:' .. old)
	end
	redis.call('LTRIM', results, 0, size - 1)
end
`

// KEYS: processing, results, completed counter
// ARGV: prefix, id, completed at, result, history size, counter ttl seconds, attempt
var ackScript = redis.NewScript(pushHistory + `
local key = ARGV[1] .. 'job:' .. ARGV[2]
local status = redis.call('HGET', key, 'status')
if not status then
	return 'missing'
end
if status ~= 'running' then
	return status
end
if redis.call('HGET', key, 'attempts') ~= ARGV[7] then
	return 'stale'
end
redis.call('HSET', key, 'status', 'completed', 'completed_at', ARGV[3], 'result', ARGV[4])
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('INCR', KEYS[3])
redis.call('EXPIRE', KEYS[3], ARGV[6])
push_history(KEYS[2], ARGV[1], ARGV[2], tonumber(ARGV[5]))
return 'ok'
`)

// KEYS: processing, queue, seq, results
// ARGV: prefix, id, completed at, error message, retry flag, history size,
// attempt, claimed-before cutoff ms
// An empty attempt accepts any claim; an empty cutoff accepts any claim time.
var failScript = redis.NewScript(pushHistory + `
local key = ARGV[1] .. 'job:' .. ARGV[2]
local status = redis.call('HGET', key, 'status')
if not status then
	return 'missing'
end
if status ~= 'running' then
	return status
end
if ARGV[7] ~= '' and redis.call('HGET', key, 'attempts') ~= ARGV[7] then
	return 'stale'
end
if ARGV[8] ~= '' then
	local claimed = redis.call('ZSCORE', KEYS[1], ARGV[2])
	if claimed and tonumber(claimed) > tonumber(ARGV[8]) then
		return 'fresh'
	end
end
redis.call('ZREM', KEYS[1], ARGV[2])
local attempts = tonumber(redis.call('HGET', key, 'attempts'))
local max = tonumber(redis.call('HGET', key, 'max_attempts'))
if ARGV[5] == '1' and attempts < max then
	local seq = redis.call('INCR', KEYS[3])
	local priority = tonumber(redis.call('HGET', key, 'priority'))
	redis.call('HSET', key, 'status', 'pending', 'error_message', ARGV[4])
	redis.call('ZADD', KEYS[2], string.format('%.0f', -priority * 1e12 + seq), ARGV[2])
	return 'requeued'
end
redis.call('HSET', key, 'status', 'failed', 'error_message', ARGV[4], 'completed_at', ARGV[3])
push_history(KEYS[4], ARGV[1], ARGV[2], tonumber(ARGV[6]))
return 'ok'
`)

// KEYS: queue, results
// ARGV: prefix, id, completed at, history size
var cancelScript = redis.NewScript(pushHistory + `
local key = ARGV[1] .. 'job:' .. ARGV[2]
local status = redis.call('HGET', key, 'status')
if not status then
	return 'missing'
end
if status ~= 'pending' then
	return status
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', key, 'status', 'cancelled', 'completed_at', ARGV[3])
push_history(KEYS[2], ARGV[1], ARGV[2], tonumber(ARGV[4]))
return 'ok'
`)
