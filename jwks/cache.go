// Package jwks fetches and caches JWT verification keys from one or more
// trusted issuers' JWKS documents, keyed by (issuer, kid).
package jwks

import (
	"context"
	"crypto"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/chris/termgate/errkind"
)

// Issuer describes one trusted issuer's JWKS endpoint.
type Issuer struct {
	Name        string
	JWKSURL     string
	IssuerValue string
}

type cacheEntry struct {
	key       crypto.PublicKey
	fetchedAt time.Time
}

type backoffState struct {
	mu       sync.Mutex
	attempts int
	nextTry  time.Time
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// next returns the delay before the next retry is allowed, advancing the
// attempt counter and jittering the result: base 1s, doubling each attempt,
// capped at 60s.
func (b *backoffState) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := backoffBase << b.attempts
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	b.attempts++
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func (b *backoffState) reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

func (b *backoffState) blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.nextTry)
}

func (b *backoffState) arm() {
	b.mu.Lock()
	b.nextTry = time.Now().Add(b.next())
	b.mu.Unlock()
}

// Cache is the (issuer, kid) -> public key cache. Reads take only a read lock
// to find the per-issuer LRU; concurrent misses for the same issuer coalesce
// into one in-flight fetch via singleflight.
type Cache struct {
	issuers          map[string]Issuer // by IssuerValue
	ttl              time.Duration
	entriesPerIssuer int

	mu  sync.RWMutex
	lru map[string]*lru.Cache[string, cacheEntry] // issuer -> (kid -> entry)

	sf       singleflight.Group
	backoffs sync.Map // issuer -> *backoffState

	stop chan struct{}
	once sync.Once
}

// Config configures a Cache.
type Config struct {
	Issuers          []Issuer
	TTL              time.Duration // default 1h
	EntriesPerIssuer int           // default 32
	RefreshInterval  time.Duration // no default; 0 disables background refresh
}

// New builds a Cache and starts its background per-issuer refresh loop.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.EntriesPerIssuer <= 0 {
		cfg.EntriesPerIssuer = 32
	}
	c := &Cache{
		issuers:          make(map[string]Issuer, len(cfg.Issuers)),
		ttl:              cfg.TTL,
		entriesPerIssuer: cfg.EntriesPerIssuer,
		lru:              make(map[string]*lru.Cache[string, cacheEntry]),
		stop:             make(chan struct{}),
	}
	for _, iss := range cfg.Issuers {
		c.issuers[iss.IssuerValue] = iss
		l, _ := lru.New[string, cacheEntry](cfg.EntriesPerIssuer)
		c.lru[iss.IssuerValue] = l
	}
	if cfg.RefreshInterval > 0 {
		go c.refreshLoop(cfg.RefreshInterval)
	}
	return c
}

// KnownIssuer reports whether issuer is one of the configured trusted
// issuers.
func (c *Cache) KnownIssuer(issuer string) bool {
	_, ok := c.issuers[issuer]
	return ok
}

// GetKey returns the public key for (issuer, kid), fetching and caching the
// issuer's JWKS document on a miss or stale entry.
func (c *Cache) GetKey(ctx context.Context, issuer, kid string) (crypto.PublicKey, error) {
	iss, ok := c.issuers[issuer]
	if !ok {
		return nil, errkind.New(errkind.KeyNotFound, "unknown issuer")
	}

	c.mu.RLock()
	store := c.lru[issuer]
	c.mu.RUnlock()

	if entry, ok := store.Get(kid); ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.key, nil
	}

	bs := c.backoffFor(issuer)
	if bs.blocked() {
		return nil, errkind.New(errkind.JwksUnreachable, "jwks fetch backing off after recent failure")
	}

	v, err, _ := c.sf.Do(issuer, func() (interface{}, error) {
		return nil, c.refreshIssuer(ctx, iss)
	})
	_ = v
	if err != nil {
		bs.arm()
		return nil, err
	}
	bs.reset()

	if entry, ok := store.Get(kid); ok {
		return entry.key, nil
	}
	return nil, errkind.New(errkind.KeyNotFound, fmt.Sprintf("kid %q not present in %s's JWKS", kid, issuer))
}

func (c *Cache) backoffFor(issuer string) *backoffState {
	v, _ := c.backoffs.LoadOrStore(issuer, &backoffState{})
	return v.(*backoffState)
}

// refreshIssuer fetches iss's JWKS document and populates every key it
// contains into the per-issuer LRU, keyed by kid. A fetch failure never
// evicts previously cached entries — an unreachable IdP must not poison
// keys that were already trusted.
func (c *Cache) refreshIssuer(ctx context.Context, iss Issuer) error {
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set, err := jwk.Fetch(fctx, iss.JWKSURL)
	if err != nil {
		return errkind.Wrap(errkind.JwksUnreachable, "fetching jwks for "+iss.Name, err)
	}

	c.mu.RLock()
	store := c.lru[iss.IssuerValue]
	c.mu.RUnlock()

	now := time.Now()
	n := set.Len()
	for i := 0; i < n; i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			continue
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			log.Printf("[JWKS] %s: skipping kid %q, could not materialize raw key: %v", iss.Name, kid, err)
			continue
		}
		store.Add(kid, cacheEntry{key: raw, fetchedAt: now})
	}
	return nil
}

// refreshLoop proactively re-fetches every configured issuer's JWKS on a
// fixed interval, independent of cache misses, so key rotation is picked up
// without waiting for a client to present a new kid.
func (c *Cache) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for _, iss := range c.issuers {
				if err := c.refreshIssuer(context.Background(), iss); err != nil {
					log.Printf("[JWKS] background refresh of %s failed: %v", iss.Name, err)
				}
			}
		}
	}
}

// Shutdown stops the background refresh loop.
func (c *Cache) Shutdown() {
	c.once.Do(func() { close(c.stop) })
}
