package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/daviddao/persona/pkg/model"
)

// RedisLeases implements arbiter.Leases on Redis. Each claim is a hash
// whose key TTL tracks the lease, so Redis itself forgets lapsed and
// long-resolved claims. Check-and-set runs in Lua scripts, which Redis
// executes atomically.
type RedisLeases struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	clock     clockwork.Clock
}

// NewRedisLeases creates a lease store whose keys start with
// "persona:claim:". Resolved claims are kept for retention.
func NewRedisLeases(client *redis.Client, retention time.Duration, clk clockwork.Clock) *RedisLeases {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &RedisLeases{client: client, prefix: "persona:claim:", retention: retention, clock: clk}
}

func (r *RedisLeases) key(k model.ClaimKey) string {
	return r.prefix + k.ChannelID + ":" + k.StimulusID
}

// Returns {} when granted, otherwise the current hash as a flat list.
var acquireScript = redis.NewScript(`
local cur = redis.call('HGETALL', KEYS[1])
if #cur > 0 then
  local h = {}
  for i = 1, #cur, 2 do h[cur[i]] = cur[i + 1] end
  if h['state'] == 'resolved' then return cur end
  if h['state'] == 'claimed' and h['holder'] ~= ARGV[1] and tonumber(h['expires']) > tonumber(ARGV[8]) then
    return cur
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'claimed', 'holder', ARGV[1], 'token', ARGV[2],
  'lamport', ARGV[3], 'score', ARGV[4], 'acquired', ARGV[5], 'ttl', ARGV[6], 'expires', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {}
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'claimed' then return 0 end
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], 'expires', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') ~= ARGV[1] then return 0 end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'resolved')
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
else
  redis.call('DEL', KEYS[1])
end
return 1
`)

// Acquire implements arbiter.Leases.
func (r *RedisLeases) Acquire(ctx context.Context, want model.Claim) (model.Claim, error) {
	now := r.clock.Now()
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(want.Key)},
		want.HolderID, want.Token, want.LamportTS,
		strconv.FormatFloat(want.Score, 'f', -1, 64),
		want.AcquiredAt.UnixMilli(), max(want.TTL.Milliseconds(), 1), want.ExpiresAt.UnixMilli(), now.UnixMilli(),
	).StringSlice()
	if err != nil {
		return model.Claim{}, fmt.Errorf("acquire %s: %w", want.Key, err)
	}
	if len(res) == 0 {
		out := want
		out.State = model.ClaimClaimed
		return out, nil
	}
	cur, err := parseClaimHash(want.Key, res)
	if err != nil {
		return model.Claim{}, err
	}
	return cur, fmt.Errorf("%w: %s held by %s (%s)", ErrLeaseHeld, want.Key, cur.HolderID, cur.State)
}

// Renew implements arbiter.Leases. Once the key's Redis TTL has passed the
// hash is gone and renewal fails.
func (r *RedisLeases) Renew(ctx context.Context, key model.ClaimKey, holderID, token string, expiresAt time.Time) error {
	ttl := max(expiresAt.Sub(r.clock.Now()).Milliseconds(), 1)
	ok, err := renewScript.Run(ctx, r.client, []string{r.key(key)},
		holderID, token, expiresAt.UnixMilli(), ttl).Int()
	if err != nil {
		return fmt.Errorf("renew %s: %w", key, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s no longer held by %s", ErrLeaseHeld, key, holderID)
	}
	return nil
}

// Release implements arbiter.Leases.
func (r *RedisLeases) Release(ctx context.Context, key model.ClaimKey, holderID, token string, resolved bool) error {
	flag := "0"
	if resolved {
		flag = "1"
	}
	err := releaseScript.Run(ctx, r.client, []string{r.key(key)},
		holderID, token, flag, r.retention.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func parseClaimHash(key model.ClaimKey, flat []string) (model.Claim, error) {
	h := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		h[flat[i]] = flat[i+1]
	}
	c := model.Claim{
		Key:      key,
		State:    model.ClaimState(h["state"]),
		HolderID: h["holder"],
		Token:    h["token"],
	}
	var err error
	if c.LamportTS, err = strconv.ParseInt(h["lamport"], 10, 64); err != nil {
		return c, fmt.Errorf("parse claim %s lamport: %w", key, err)
	}
	if c.Score, err = strconv.ParseFloat(h["score"], 64); err != nil {
		return c, fmt.Errorf("parse claim %s score: %w", key, err)
	}
	ms := func(field string) (int64, error) {
		v, err := strconv.ParseInt(h[field], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse claim %s %s: %w", key, field, err)
		}
		return v, nil
	}
	acq, err := ms("acquired")
	if err != nil {
		return c, err
	}
	ttl, err := ms("ttl")
	if err != nil {
		return c, err
	}
	exp, err := ms("expires")
	if err != nil {
		return c, err
	}
	c.AcquiredAt = time.UnixMilli(acq).UTC()
	c.TTL = time.Duration(ttl) * time.Millisecond
	c.ExpiresAt = time.UnixMilli(exp).UTC()
	return c, nil
}
