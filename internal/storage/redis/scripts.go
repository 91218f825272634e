package redis

const (
	// tryConsumeScript atomically admits one operation against a daily
	// counter. Returns {-1, 0} on a cache miss (caller rebuilds from the
	// durable log first), {0, count} when the ceiling is reached, or
	// {1, count} after a successful increment.
	tryConsumeScript = `
local key = KEYS[1]            -- docfold:usage:daily:{userID}:{date}

local ceiling = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current == false then
  return {-1, 0}
end

current = tonumber(current)
if current >= ceiling then
  return {0, current}
end

current = redis.call('INCR', key)
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end

return {1, current}
`

	// seedCountScript seeds a counter only if absent, then returns whatever
	// value is stored. A concurrent seeder or consumer always wins.
	seedCountScript = `
local key = KEYS[1]

local count = ARGV[1]
local ttl = tonumber(ARGV[2])

if ttl > 0 then
  redis.call('SET', key, count, 'NX', 'EX', ttl)
else
  redis.call('SET', key, count, 'NX')
end

return tonumber(redis.call('GET', key))
`

	// settleScript increments a counter only if it exists. Missing counters
	// are left missing so the next read rebuilds from the durable log,
	// which already includes the entry being settled.
	settleScript = `
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
  return 0
end

return redis.call('INCR', key)
`

	// refundScript decrements a counter, flooring at zero. Missing counters
	// are left missing so the next read rebuilds from the durable log.
	refundScript = `
local key = KEYS[1]

local current = redis.call('GET', key)
if current == false then
  return 0
end
if tonumber(current) <= 0 then
  return 0
end

return redis.call('DECR', key)
`
)
