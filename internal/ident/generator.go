// Package ident provides collision-resistant identifier generation and the
// safeguards registry that tracks every identifier's lifecycle.
//
// The [Generator] produces identifiers through several entropy strategies
// and never blocks on network availability: an offline pool is kept
// pre-populated so generation keeps working through connectivity loss, and
// a background sync loop reconciles offline-generated identifiers once the
// process is back online. The [Safeguards] registry validates registrations
// (collision, reuse, session mismatch, format, expiry) and sweeps for
// orphaned identifiers whose owning session has disappeared.
package ident

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livecap/livecap/internal/clock"
)

// Method selects the entropy strategy used to build an identifier.
type Method string

const (
	// MethodTimestamp combines millisecond timestamp, a monotonic sequence,
	// the device fingerprint and a random tail.
	MethodTimestamp Method = "timestamp"

	// MethodUUID produces a random (version 4) UUID.
	MethodUUID Method = "uuid"

	// MethodSecureRandom produces hex-encoded bytes from crypto/rand.
	MethodSecureRandom Method = "secure-random"

	// MethodHybrid concatenates timestamp, fingerprint, random and sequence
	// slices into one identifier.
	MethodHybrid Method = "hybrid"

	// MethodNanoid produces a nanoid-style identifier over a URL-safe
	// alphabet.
	MethodNanoid Method = "nanoid"

	// MethodCustom derives the identifier body from caller-supplied
	// metadata plus a random tail.
	MethodCustom Method = "custom"
)

// IsValid reports whether m is a recognised generation method.
func (m Method) IsValid() bool {
	switch m {
	case MethodTimestamp, MethodUUID, MethodSecureRandom, MethodHybrid, MethodNanoid, MethodCustom:
		return true
	}
	return false
}

// ValidationLevel controls how strictly [Generator.Validate] checks an
// identifier. Each level includes all checks of the levels below it.
type ValidationLevel int

const (
	// ValidateFormat checks length and character set only.
	ValidateFormat ValidationLevel = iota

	// ValidateChecksum additionally verifies the checksum suffix.
	ValidateChecksum

	// ValidateCollisionFree additionally probes the registry for an active
	// duplicate.
	ValidateCollisionFree

	// ValidateEntropy additionally applies a distinct-character heuristic
	// that rejects degenerate random tails.
	ValidateEntropy
)

// Source records how an identifier was produced.
type Source string

const (
	SourceOnline    Source = "online"
	SourceOffline   Source = "offline"
	SourceRecovered Source = "recovered"
)

// ErrGenerationExhausted is returned when collision retries and the
// fallback method both failed to produce an unregistered identifier.
// Hitting it indicates a configuration problem — the id space is too small
// for the collision rate.
var ErrGenerationExhausted = errors.New("ident: id generation exhausted after retries and fallback")

// nanoidAlphabet is the URL-safe alphabet used by [MethodNanoid].
const nanoidAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// defaultLength is the random-body length used when the caller passes 0.
const defaultLength = 16

// GenerateOptions describe one identifier request.
type GenerateOptions struct {
	// Method selects the entropy strategy. Empty selects [MethodHybrid].
	Method Method

	// Length is the random-body length in characters. 0 selects the
	// default.
	Length int

	// Prefix and Suffix are joined to the body with '-'.
	Prefix string
	Suffix string

	// Metadata is stored in the generator cache and, for [MethodCustom],
	// folded into the identifier body.
	Metadata map[string]string

	// Checksum appends a CRC32 checksum segment to the identifier.
	Checksum bool
}

// GeneratorConfig holds the dependencies and tuning for a [Generator].
type GeneratorConfig struct {
	// CollisionRetries is how many times Generate retries its primary
	// method when the probe reports a collision. Default: 3.
	CollisionRetries int

	// FallbackMethod is used for the single post-retry regeneration.
	// Default: [MethodSecureRandom].
	FallbackMethod Method

	// FallbackExtraLength is added to the body length for the fallback
	// attempt. Default: 8.
	FallbackExtraLength int

	// Validation selects the strictness applied to generated identifiers.
	Validation ValidationLevel

	// CacheSize bounds the id → metadata cache. Default: 1000.
	CacheSize int

	// CacheTTL expires cache entries. Default: 1h.
	CacheTTL time.Duration

	// OfflinePoolSize is the number of identifiers pre-generated for
	// offline use. Default: 50.
	OfflinePoolSize int

	// SyncInterval is the cadence of the background sync loop.
	// Default: 30s.
	SyncInterval time.Duration

	// SyncBatchSize caps identifiers flushed per sync cycle. Default: 20.
	SyncBatchSize int

	// CollisionProbe reports whether an identifier is already registered
	// and active. May be nil, in which case collisions are never detected
	// locally.
	CollisionProbe func(id string) bool

	// SyncFunc reconciles a batch of offline-generated identifiers with
	// the outside world. May be nil; sync then succeeds trivially.
	SyncFunc func(ids []string) error

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// cacheEntry is one id → metadata record in the generator cache.
type cacheEntry struct {
	metadata  map[string]string
	method    Method
	createdAt time.Time
}

// Generator produces collision-resistant identifiers.
// All methods are safe for concurrent use.
type Generator struct {
	mu sync.Mutex

	cfg         GeneratorConfig
	clk         clock.Clock
	fingerprint string
	sequence    uint64

	cache map[string]cacheEntry

	online  bool
	pool    []string
	pending []string

	syncFailures  uint64
	syncSucceeded uint64
}

// NewGenerator creates a [Generator]. Zero-value config fields are replaced
// with defaults, the offline pool is pre-populated, and the generator
// starts in the online state.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.CollisionRetries <= 0 {
		cfg.CollisionRetries = 3
	}
	if cfg.FallbackMethod == "" {
		cfg.FallbackMethod = MethodSecureRandom
	}
	if cfg.FallbackExtraLength <= 0 {
		cfg.FallbackExtraLength = 8
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.OfflinePoolSize < 0 {
		cfg.OfflinePoolSize = 0
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 20
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	g := &Generator{
		cfg:         cfg,
		clk:         clk,
		fingerprint: deviceFingerprint(),
		cache:       make(map[string]cacheEntry),
		online:      true,
	}
	g.mu.Lock()
	g.refillPoolLocked()
	g.mu.Unlock()
	return g
}

// Generate produces one identifier according to opts. On collision it
// retries the primary method up to the configured count, then regenerates
// once with the fallback method at increased length, then fails with
// [ErrGenerationExhausted].
//
// While offline, identifiers are drawn from the pre-populated pool and
// queued for reconciliation by the next sync cycle.
func (g *Generator) Generate(opts GenerateOptions) (string, error) {
	if opts.Method == "" {
		opts.Method = MethodHybrid
	}
	if !opts.Method.IsValid() {
		return "", fmt.Errorf("ident: unknown generation method %q", opts.Method)
	}
	if opts.Length <= 0 {
		opts.Length = defaultLength
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.online {
		if id, ok := g.takeFromPoolLocked(opts); ok {
			return id, nil
		}
		// Pool exhausted; fall through and generate locally. Offline
		// generation needs no network, only the probe is skipped.
	}

	for attempt := 0; attempt < g.cfg.CollisionRetries; attempt++ {
		id := g.buildLocked(opts.Method, opts.Length, opts)
		if g.acceptableLocked(id) {
			g.rememberLocked(id, opts)
			return id, nil
		}
		slog.Debug("ident: collision on generated id, retrying",
			"method", opts.Method,
			"attempt", attempt+1,
		)
	}

	// Retries exhausted: one fallback regeneration with more entropy.
	fallback := g.buildLocked(g.cfg.FallbackMethod, opts.Length+g.cfg.FallbackExtraLength, opts)
	if g.acceptableLocked(fallback) {
		slog.Warn("ident: primary method exhausted retries, fallback succeeded",
			"method", opts.Method,
			"fallback", g.cfg.FallbackMethod,
		)
		g.rememberLocked(fallback, opts)
		return fallback, nil
	}

	return "", fmt.Errorf("%w (method=%s retries=%d fallback=%s)",
		ErrGenerationExhausted, opts.Method, g.cfg.CollisionRetries, g.cfg.FallbackMethod)
}

// Validate checks id at the given strictness level. The returned error
// describes the first failed check.
func (g *Generator) Validate(id string, level ValidationLevel) error {
	if id == "" {
		return errors.New("ident: empty id")
	}
	for _, r := range id {
		if !safeIDChar(r) {
			return fmt.Errorf("ident: id %q contains unsafe character %q", id, r)
		}
	}

	if level >= ValidateChecksum {
		body, sum, ok := splitChecksum(id)
		if !ok {
			return fmt.Errorf("ident: id %q has no checksum segment", id)
		}
		if checksum(body) != sum {
			return fmt.Errorf("ident: id %q checksum mismatch", id)
		}
	}

	if level >= ValidateCollisionFree && g.cfg.CollisionProbe != nil && g.cfg.CollisionProbe(id) {
		return fmt.Errorf("ident: id %q already registered", id)
	}

	if level >= ValidateEntropy {
		if !enoughEntropy(id) {
			return fmt.Errorf("ident: id %q fails entropy heuristic", id)
		}
	}
	return nil
}

// MarkOffline switches the generator to offline mode. Subsequent Generate
// calls draw from the pool first.
func (g *Generator) MarkOffline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.online {
		g.online = false
		slog.Info("ident: generator offline, serving from pool", "pool", len(g.pool))
	}
}

// MarkOnline switches the generator back online. Pending offline
// identifiers are flushed by the next sync cycle.
func (g *Generator) MarkOnline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.online {
		g.online = true
		slog.Info("ident: generator online", "pending_sync", len(g.pending))
	}
}

// Run executes the background sync loop until ctx is done. Each cycle
// flushes up to the configured batch of pending offline identifiers and
// tops the pool back up. Sync failures are counted and retried on the next
// cycle; they are never fatal.
func (g *Generator) Run(ctx context.Context) {
	t := g.clk.NewTicker(g.cfg.SyncInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			g.SyncNow()
		}
	}
}

// SyncNow performs one sync cycle: expire stale cache entries, refill the
// offline pool, and flush one batch of pending identifiers when online.
func (g *Generator) SyncNow() {
	g.mu.Lock()
	g.expireCacheLocked()
	g.refillPoolLocked()

	if !g.online || len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}

	n := len(g.pending)
	if n > g.cfg.SyncBatchSize {
		n = g.cfg.SyncBatchSize
	}
	batch := make([]string, n)
	copy(batch, g.pending[:n])
	syncFn := g.cfg.SyncFunc
	g.mu.Unlock()

	var err error
	if syncFn != nil {
		err = syncFn(batch)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.syncFailures++
		slog.Warn("ident: sync batch failed, will retry next cycle",
			"batch", len(batch),
			"failures", g.syncFailures,
			"err", err,
		)
		return
	}
	g.syncSucceeded += uint64(len(batch))
	g.pending = g.pending[n:]
}

// Stats reports generator counters for telemetry.
type Stats struct {
	CacheSize     int
	PoolSize      int
	PendingSync   int
	SyncFailures  uint64
	SyncSucceeded uint64
	Online        bool
}

// Stats returns a snapshot of the generator's counters.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		CacheSize:     len(g.cache),
		PoolSize:      len(g.pool),
		PendingSync:   len(g.pending),
		SyncFailures:  g.syncFailures,
		SyncSucceeded: g.syncSucceeded,
		Online:        g.online,
	}
}

// CachedMetadata returns the metadata recorded for id at generation time.
func (g *Generator) CachedMetadata(id string) (map[string]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[id]
	if !ok {
		return nil, false
	}
	if g.clk.Now().Sub(e.createdAt) > g.cfg.CacheTTL {
		delete(g.cache, id)
		return nil, false
	}
	return e.metadata, true
}

// ── internals ────────────────────────────────────────────────────────────────

// buildLocked assembles one identifier. Must be called with g.mu held.
func (g *Generator) buildLocked(method Method, length int, opts GenerateOptions) string {
	var body string
	switch method {
	case MethodUUID:
		body = uuid.NewString()
	case MethodSecureRandom:
		body = randomHex(length)
	case MethodNanoid:
		body = randomAlphabet(nanoidAlphabet, length)
	case MethodTimestamp:
		g.sequence++
		body = fmt.Sprintf("%s-%s-%s-%s",
			strconv.FormatInt(g.clk.Now().UnixMilli(), 36),
			strconv.FormatUint(g.sequence, 36),
			g.fingerprint,
			randomHex(6),
		)
	case MethodHybrid:
		g.sequence++
		half := length / 2
		if half < 4 {
			half = 4
		}
		body = fmt.Sprintf("%s%s%s%s",
			strconv.FormatInt(g.clk.Now().UnixMilli(), 36),
			g.fingerprint,
			randomAlphabet(nanoidAlphabet, half),
			strconv.FormatUint(g.sequence, 36),
		)
	case MethodCustom:
		g.sequence++
		seed := fnv.New32a()
		for k, v := range opts.Metadata {
			seed.Write([]byte(k))
			seed.Write([]byte(v))
		}
		body = fmt.Sprintf("%08x-%s-%s",
			seed.Sum32(),
			strconv.FormatUint(g.sequence, 36),
			randomHex(length/2),
		)
	}

	id := body
	if opts.Prefix != "" {
		id = opts.Prefix + "-" + id
	}
	if opts.Suffix != "" {
		id = id + "-" + opts.Suffix
	}
	if opts.Checksum {
		id = id + "-" + checksum(id)
	}
	return id
}

// acceptableLocked applies the configured validation level plus the
// collision probe. Must be called with g.mu held.
func (g *Generator) acceptableLocked(id string) bool {
	if g.cfg.CollisionProbe != nil && g.cfg.CollisionProbe(id) {
		return false
	}
	if err := g.Validate(id, min(g.cfg.Validation, ValidateChecksum)); err != nil {
		return false
	}
	if g.cfg.Validation >= ValidateEntropy && !enoughEntropy(id) {
		return false
	}
	return true
}

// rememberLocked records id in the bounded cache, evicting the oldest
// entry when over capacity. Must be called with g.mu held.
func (g *Generator) rememberLocked(id string, opts GenerateOptions) {
	now := g.clk.Now()
	for len(g.cache) >= g.cfg.CacheSize {
		oldestID := ""
		var oldest time.Time
		for cid, e := range g.cache {
			if oldestID == "" || e.createdAt.Before(oldest) {
				oldestID = cid
				oldest = e.createdAt
			}
		}
		delete(g.cache, oldestID)
	}
	g.cache[id] = cacheEntry{
		metadata:  opts.Metadata,
		method:    opts.Method,
		createdAt: now,
	}
	if !g.online {
		g.pending = append(g.pending, id)
	}
}

// expireCacheLocked removes cache entries past the TTL. Must be called
// with g.mu held.
func (g *Generator) expireCacheLocked() {
	cutoff := g.clk.Now().Add(-g.cfg.CacheTTL)
	for id, e := range g.cache {
		if e.createdAt.Before(cutoff) {
			delete(g.cache, id)
		}
	}
}

// refillPoolLocked tops the offline pool up to its configured size.
// Must be called with g.mu held.
func (g *Generator) refillPoolLocked() {
	for len(g.pool) < g.cfg.OfflinePoolSize {
		g.sequence++
		g.pool = append(g.pool, fmt.Sprintf("%s%s%s",
			strconv.FormatInt(g.clk.Now().UnixMilli(), 36),
			g.fingerprint,
			randomAlphabet(nanoidAlphabet, defaultLength),
		))
	}
}

// takeFromPoolLocked pops one pre-generated identifier and applies the
// request's prefix/suffix/checksum decoration. Must be called with g.mu
// held.
func (g *Generator) takeFromPoolLocked(opts GenerateOptions) (string, bool) {
	if len(g.pool) == 0 {
		return "", false
	}
	body := g.pool[0]
	g.pool = g.pool[1:]

	id := body
	if opts.Prefix != "" {
		id = opts.Prefix + "-" + id
	}
	if opts.Suffix != "" {
		id = id + "-" + opts.Suffix
	}
	if opts.Checksum {
		id = id + "-" + checksum(id)
	}
	if g.cfg.CollisionProbe != nil && g.cfg.CollisionProbe(id) {
		// Pool entry collided with a registered id; fall back to the
		// normal generation path.
		return "", false
	}
	g.rememberLocked(id, opts)
	return id, true
}

// deviceFingerprint derives a short stable tag for this process from the
// hostname and pid, so identifiers generated on different devices cannot
// collide even with equal timestamps and sequences.
func deviceFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	h.Write([]byte(strconv.Itoa(os.Getpid())))
	return fmt.Sprintf("%06x", h.Sum32()&0xffffff)
}

// checksum returns the 8-hex-digit CRC32 of s.
func checksum(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// splitChecksum splits an id into body and trailing checksum segment.
func splitChecksum(id string) (body, sum string, ok bool) {
	if len(id) < 10 || id[len(id)-9] != '-' {
		return "", "", false
	}
	return id[:len(id)-9], id[len(id)-8:], true
}

// enoughEntropy applies the distinct-character heuristic: at least a
// quarter of the characters must be unique. Degenerate output such as a
// constant tail fails; normal random bodies pass comfortably.
func enoughEntropy(id string) bool {
	if len(id) == 0 {
		return false
	}
	seen := make(map[rune]struct{}, len(id))
	for _, r := range id {
		seen[r] = struct{}{}
	}
	return len(seen)*4 >= len(id)
}

// safeIDChar reports whether r belongs to the identifier character set.
func safeIDChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// randomHex returns n hex characters from crypto/rand.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// degrade to a timestamp-derived value rather than panic.
		return timestampHex(n)
	}
	return hex.EncodeToString(buf)[:n]
}

// timestampHex derives n hex characters from the current time, repeating
// the digits when n exceeds one timestamp's worth.
func timestampHex(n int) string {
	s := strconv.FormatInt(time.Now().UnixNano(), 16)
	for len(s) < n {
		s += s
	}
	return s[:n]
}

// randomAlphabet returns n characters drawn uniformly from alphabet.
func randomAlphabet(alphabet string, n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return randomHex(n)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
