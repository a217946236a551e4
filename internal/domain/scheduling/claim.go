package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long a booking may hold a slot claim.
const DefaultClaimTTL = 10 * time.Second

// Claimer serialises concurrent bookings of the same doctor/date/time. Claim
// returns ErrSlotClaimed while another holder has the key.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), err error)
}

// ClaimKey identifies one doctor's slot.
func ClaimKey(doctorID, date, startTime string) string {
	return doctorID + "|" + date + "|" + startTime
}

// =========== Redis ===========

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisClaimer implements Claimer with SET NX PX so claims hold across
// server instances.
type RedisClaimer struct {
	client *redis.Client
	prefix string
}

func NewRedisClaimer(client *redis.Client, prefix string) *RedisClaimer {
	if prefix == "" {
		prefix = "slotsync:claim:"
	}
	return &RedisClaimer{client: client, prefix: prefix}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, c.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, ErrSlotClaimed
	}
	return func(ctx context.Context) {
		_ = releaseScript.Run(ctx, c.client, []string{c.prefix + key}, token).Err()
	}, nil
}

// =========== Memory ===========

// MemoryClaimer implements Claimer for a single process.
type MemoryClaimer struct {
	mu   sync.Mutex
	held map[string]memoryClaim
	seq  uint64
	now  func() time.Time
}

type memoryClaim struct {
	token   uint64
	expires time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{held: make(map[string]memoryClaim), now: time.Now}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if h, ok := c.held[key]; ok && now.Before(h.expires) {
		return nil, ErrSlotClaimed
	}
	c.seq++
	token := c.seq
	c.held[key] = memoryClaim{token: token, expires: now.Add(ttl)}

	return func(context.Context) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if h, ok := c.held[key]; ok && h.token == token {
			delete(c.held, key)
		}
	}, nil
}
