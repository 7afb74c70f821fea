package redis

const (
	// createTimerScript atomically enforces one active timer per user and
	// records the idempotency key alongside the new timer.
	createTimerScript = `
local timer_key = KEYS[1]       -- worktimer:timer:{timerID}
local active_key = KEYS[2]      -- worktimer:active:{userID}
local idem_key = KEYS[3]        -- worktimer:idem:{userID}:{key} (unused when ARGV[4] == '')
local active_set = KEYS[4]      -- worktimer:timers:active
local channel = KEYS[5]         -- worktimer:changes:{userID}

local timer_id = ARGV[1]
local data = ARGV[2]
local sync_version = ARGV[3]
local idem = ARGV[4]
local idem_ttl = tonumber(ARGV[5])
local user_id = ARGV[6]
local timer_prefix = ARGV[7]
local change = ARGV[8]

-- Replayed request: return the timer it created
if idem ~= '' then
  local original = redis.call('GET', idem_key)
  if original then
    return {'IDEMPOTENT', original}
  end
end

-- One non-terminal timer per user
local active_id = redis.call('GET', active_key)
if active_id then
  local existing = redis.call('HGET', timer_prefix .. active_id, 'data')
  if existing then
    return {'EXISTS', existing}
  end
  -- Dangling pointer, the timer expired or was removed out of band
  redis.call('DEL', active_key)
  redis.call('SREM', active_set, active_id)
end

redis.call('HSET', timer_key,
  'data', data,
  'user_id', user_id,
  'sync_version', sync_version
)
redis.call('SET', active_key, timer_id)
redis.call('SADD', active_set, timer_id)

if idem ~= '' then
  redis.call('SET', idem_key, data, 'EX', idem_ttl)
end

redis.call('PUBLISH', channel, change)

return {'OK', data}
`

	// updateTimerScript replaces a timer only if its sync_version matches.
	updateTimerScript = `
local timer_key = KEYS[1]       -- worktimer:timer:{timerID}
local channel = KEYS[2]         -- worktimer:changes:{userID}

local data = ARGV[1]
local sync_version = ARGV[2]
local expected = ARGV[3]
local change = ARGV[4]

local current = redis.call('HGET', timer_key, 'sync_version')
if not current then
  return 'NOT_FOUND'
end
if tonumber(current) ~= tonumber(expected) then
  return 'CONFLICT'
end

redis.call('HSET', timer_key, 'data', data, 'sync_version', sync_version)
redis.call('PUBLISH', channel, change)

return 'OK'
`

	// deleteTimerScript removes a timer and its indexes.
	deleteTimerScript = `
local timer_key = KEYS[1]       -- worktimer:timer:{timerID}
local active_key = KEYS[2]      -- worktimer:active:{userID}
local active_set = KEYS[3]      -- worktimer:timers:active
local channel = KEYS[4]         -- worktimer:changes:{userID}

local timer_id = ARGV[1]
local change = ARGV[2]

if redis.call('GET', active_key) == timer_id then
  redis.call('DEL', active_key)
end
redis.call('SREM', active_set, timer_id)

local removed = redis.call('DEL', timer_key)
if removed == 1 then
  redis.call('PUBLISH', channel, change)
end

return removed
`

	// createApprovalScript stores a new approval request and indexes it by
	// creation time.
	createApprovalScript = `
local approval_key = KEYS[1]    -- worktimer:approval:{id}
local index_key = KEYS[2]       -- worktimer:approvals

local id = ARGV[1]
local data = ARGV[2]
local version = ARGV[3]
local created_at = tonumber(ARGV[4])

if redis.call('EXISTS', approval_key) == 1 then
  return 'EXISTS'
end

redis.call('HSET', approval_key, 'data', data, 'version', version)
redis.call('ZADD', index_key, created_at, id)

return 'OK'
`

	// updateApprovalScript replaces an approval request only if its version
	// matches.
	updateApprovalScript = `
local approval_key = KEYS[1]    -- worktimer:approval:{id}

local data = ARGV[1]
local version = ARGV[2]
local expected = ARGV[3]

local current = redis.call('HGET', approval_key, 'version')
if not current then
  return 'NOT_FOUND'
end
if tonumber(current) ~= tonumber(expected) then
  return 'CONFLICT'
end

redis.call('HSET', approval_key, 'data', data, 'version', version)

return 'OK'
`
)
