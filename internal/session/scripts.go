package session

import "github.com/redis/go-redis/v9"

// Every script receives the key prefix as ARGV[1] and replies with a flat
// array whose first element is a status.
//
// A torn-down session is reported as five fields:
// id, callerId, calleeId, state, createdAt.

const teardownLua = `
local function pairKey(p, a, b)
  local lo, hi = a, b
  if b < a then
    lo, hi = b, a
  end
  return p .. 'pair:' .. lo .. '|' .. hi
end

local function teardown(p, sid)
  local key = p .. 'session:' .. sid
  local s = redis.call('HMGET', key, 'callerId', 'calleeId', 'state', 'createdAt')
  if not s[1] then
    return nil
  end
  local caller, callee = s[1], s[2]
  redis.call('DEL', key)
  local pair = pairKey(p, caller, callee)
  if redis.call('GET', pair) == sid then
    redis.call('DEL', pair)
  end
  redis.call('SREM', p .. 'incoming:' .. callee, caller)
  redis.call('SREM', p .. 'outgoing:' .. caller, callee)
  for _, id in ipairs({caller, callee}) do
    local sessions = p .. 'sessions:' .. id
    redis.call('SREM', sessions, sid)
    local presence = p .. 'presence:' .. id
    if redis.call('EXISTS', presence) == 1 and redis.call('SCARD', sessions) == 0 then
      redis.call('HSET', presence, 'available', '1')
      redis.call('SADD', p .. 'available', id)
    end
  end
  return {sid, caller, callee, s[3], s[4]}
end
`

// ARGV[2] session id, ARGV[3] caller, ARGV[4] callee, ARGV[5] now in ms.
// Replies ok, callerName, calleeName.
var requestScript = redis.NewScript(teardownLua + `
local p, sid, caller, callee = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local pair = pairKey(p, caller, callee)
if redis.call('EXISTS', pair) == 1 then
  return {'conflict', redis.call('GET', pair)}
end
local names = {}
for i, id in ipairs({caller, callee}) do
  local rec = redis.call('HMGET', p .. 'presence:' .. id, 'available', 'displayName')
  if rec[1] ~= '1' then
    return {'not_available', id}
  end
  names[i] = rec[2]
end
redis.call('SET', pair, sid)
redis.call('HSET', p .. 'session:' .. sid,
  'id', sid, 'callerId', caller, 'calleeId', callee, 'state', 'pending', 'createdAt', ARGV[5])
for _, id in ipairs({caller, callee}) do
  redis.call('SADD', p .. 'sessions:' .. id, sid)
  redis.call('HSET', p .. 'presence:' .. id, 'available', '0')
  redis.call('SREM', p .. 'available', id)
end
redis.call('SADD', p .. 'incoming:' .. callee, caller)
redis.call('SADD', p .. 'outgoing:' .. caller, callee)
return {'ok', names[1], names[2]}
`)

// ARGV[2] session id, ARGV[3] accepter.
// Replies ok, the session fields, callerName, calleeName.
var acceptScript = redis.NewScript(`
local p, sid = ARGV[1], ARGV[2]
local key = p .. 'session:' .. sid
local s = redis.call('HMGET', key, 'callerId', 'calleeId', 'state', 'createdAt')
if not s[1] or s[3] ~= 'pending' then
  return {'not_found'}
end
if s[2] ~= ARGV[3] then
  return {'not_authorized'}
end
redis.call('HSET', key, 'state', 'active')
redis.call('SREM', p .. 'incoming:' .. s[2], s[1])
redis.call('SREM', p .. 'outgoing:' .. s[1], s[2])
local callerName = redis.call('HGET', p .. 'presence:' .. s[1], 'displayName')
local calleeName = redis.call('HGET', p .. 'presence:' .. s[2], 'displayName')
return {'ok', sid, s[1], s[2], 'active', s[4], callerName, calleeName}
`)

// ARGV[2] session id, ARGV[3] rejecter. Only the callee of a pending
// session may reject.
var rejectScript = redis.NewScript(teardownLua + `
local p, sid = ARGV[1], ARGV[2]
local s = redis.call('HMGET', p .. 'session:' .. sid, 'callerId', 'calleeId', 'state')
if not s[1] or s[3] ~= 'pending' then
  return {'not_found'}
end
if s[2] ~= ARGV[3] then
  return {'not_authorized'}
end
local t = teardown(p, sid)
return {'ok', t[1], t[2], t[3], t[4], t[5]}
`)

// ARGV[2] session id, ARGV[3] ender. Either participant may end a session
// in any state.
var endScript = redis.NewScript(teardownLua + `
local p, sid = ARGV[1], ARGV[2]
local s = redis.call('HMGET', p .. 'session:' .. sid, 'callerId', 'calleeId')
if not s[1] then
  return {'not_found'}
end
if s[1] ~= ARGV[3] and s[2] ~= ARGV[3] then
  return {'not_authorized'}
end
local t = teardown(p, sid)
return {'ok', t[1], t[2], t[3], t[4], t[5]}
`)

// ARGV[2] identity. Tears down every session of the identity and leaves it
// unavailable. Replies ok followed by five fields per torn-down session.
var endAllScript = redis.NewScript(teardownLua + `
local p, id = ARGV[1], ARGV[2]
local out = {'ok'}
local sessions = p .. 'sessions:' .. id
for _, sid in ipairs(redis.call('SMEMBERS', sessions)) do
  local t = teardown(p, sid)
  if t then
    for _, v in ipairs(t) do
      table.insert(out, v)
    end
  end
end
redis.call('DEL', sessions)
local presence = p .. 'presence:' .. id
if redis.call('EXISTS', presence) == 1 then
  redis.call('HSET', presence, 'available', '0')
  redis.call('SREM', p .. 'available', id)
end
return out
`)
