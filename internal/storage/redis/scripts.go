package redis

const (
	// incrementDailyUsageScript adds seconds to one ledger field, creating the
	// record and its date indexes on first use
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- kguard:usage:daily:{date}:{domain}
local index_key = KEYS[2]     -- kguard:usage:daily:index:{date}
local dates_key = KEYS[3]     -- kguard:usage:dates

local date = ARGV[1]
local domain = ARGV[2]
local field = ARGV[3]
local seconds = tonumber(ARGV[4])

redis.call('HSETNX', usage_key, 'date', date)
redis.call('HSETNX', usage_key, 'domain', domain)
local total = redis.call('HINCRBY', usage_key, field, seconds)

redis.call('SADD', index_key, domain)
redis.call('SADD', dates_key, date)

return total
`

	// applyServerUsageScript stores the server figure for one domain and
	// advances confirmed_seconds, capped by flushed_seconds and never lowered
	applyServerUsageScript = `
local usage_key = KEYS[1]     -- kguard:usage:daily:{date}:{domain}
local index_key = KEYS[2]     -- kguard:usage:daily:index:{date}
local dates_key = KEYS[3]     -- kguard:usage:dates

local date = ARGV[1]
local domain = ARGV[2]
local server = tonumber(ARGV[3])
local confirmed = tonumber(ARGV[4])

if server < 0 then
  server = 0
end

redis.call('HSETNX', usage_key, 'date', date)
redis.call('HSETNX', usage_key, 'domain', domain)
redis.call('HSET', usage_key, 'server_seconds', server)

local flushed = tonumber(redis.call('HGET', usage_key, 'flushed_seconds') or '0')
local current = tonumber(redis.call('HGET', usage_key, 'confirmed_seconds') or '0')
if confirmed > flushed then
  confirmed = flushed
end
if confirmed > current then
  redis.call('HSET', usage_key, 'confirmed_seconds', confirmed)
end

redis.call('SADD', index_key, domain)
redis.call('SADD', dates_key, date)

return 'OK'
`
)
