package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig carries the brute-force protection knobs. The defaults
// mirror the security.register_* configuration keys.
type GuardConfig struct {
	// FailWindow is the sliding window in which failures are counted.
	// Failures older than this are forgotten automatically.
	FailWindow time.Duration

	// FailThreshold is the number of failed SIP auth attempts within
	// FailWindow before a source IP is blocked.
	FailThreshold int

	// BlockDuration is how long an IP remains blocked after exceeding
	// the failure threshold. Doubles on repeat offences (progressive
	// backoff) up to maxBlockDuration.
	BlockDuration time.Duration
}

// DefaultGuardConfig returns the stock fail2ban-style settings: three
// failures inside a minute block the source for five minutes.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FailWindow:    time.Minute,
		FailThreshold: 3,
		BlockDuration: 5 * time.Minute,
	}
}

// maxBlockDuration caps the progressive backoff at 24 hours.
const maxBlockDuration = 24 * time.Hour

// challengeRate bounds how fast a single source can be issued fresh
// digest challenges. A REGISTER flood without credentials would
// otherwise mint nonces as fast as the UDP socket can deliver requests.
var challengeRate = rate.Every(500 * time.Millisecond)

const challengeBurst = 4

// ipRecord tracks per-IP authentication failure state.
type ipRecord struct {
	failures   []time.Time   // timestamps of recent failures within the window
	blocked    bool          // whether the IP is currently blocked
	blockedAt  time.Time     // when the block was applied
	blockFor   time.Duration // how long this block lasts (progressive)
	challenges *rate.Limiter // challenge issuance limiter
}

// BruteForceGuard tracks failed SIP authentication attempts per source IP
// and automatically blocks IPs that exceed the failure threshold. It
// implements fail2ban-style progressive blocking:
//
//   - After FailThreshold failures within FailWindow, the IP is blocked
//     for BlockDuration.
//   - Repeated offences double the block duration up to maxBlockDuration.
//   - Blocks expire automatically and the failure counter resets.
type BruteForceGuard struct {
	mu      sync.Mutex
	cfg     GuardConfig
	records map[string]*ipRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a new guard with empty state.
func NewBruteForceGuard(cfg GuardConfig, logger *slog.Logger) *BruteForceGuard {
	if cfg.FailWindow <= 0 {
		cfg.FailWindow = DefaultGuardConfig().FailWindow
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultGuardConfig().FailThreshold
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultGuardConfig().BlockDuration
	}
	return &BruteForceGuard{
		cfg:     cfg,
		records: make(map[string]*ipRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked returns true if the given source address is currently blocked.
// The source may be "ip:port" or just "ip".
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		return false
	}

	if !rec.blocked {
		return false
	}

	// Check if the block has expired.
	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}

	return true
}

// AllowChallenge reports whether the source may be issued another digest
// challenge right now. Sources that request challenges faster than the
// limiter allows are briefly refused, bounding nonce-table growth under
// a credential-less request flood.
func (g *BruteForceGuard) AllowChallenge(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	rec := g.record(ip)
	if rec.challenges == nil {
		rec.challenges = rate.NewLimiter(challengeRate, challengeBurst)
	}
	lim := rec.challenges
	g.mu.Unlock()

	return lim.Allow()
}

// record returns the per-IP record, creating it if needed. Caller holds mu.
func (g *BruteForceGuard) record(ip string) *ipRecord {
	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{
			blockFor:   g.cfg.BlockDuration,
			challenges: rate.NewLimiter(challengeRate, challengeBurst),
		}
		g.records[ip] = rec
	}
	return rec
}

// RecordFailure records a failed authentication attempt from the given source.
// If the failure count reaches the threshold, the IP is blocked automatically.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.record(ip)

	// If already blocked, nothing more to do.
	if rec.blocked {
		return
	}

	now := time.Now()

	// Prune failures outside the sliding window.
	rec.failures = pruneOldFailures(rec.failures, now, g.cfg.FailWindow)

	// Record this failure.
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= g.cfg.FailThreshold {
		rec.blocked = true
		rec.blockedAt = now

		g.logger.Warn("source ip blocked for repeated auth failures",
			"ip", ip,
			"failures", len(rec.failures),
			"window", g.cfg.FailWindow.String(),
			"block_duration", rec.blockFor.String(),
		)

		// Progressive backoff: double the next block duration.
		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next

		// Reset failure counter; the block itself now gates the IP.
		rec.failures = nil
	}
}

// RecordSuccess clears the failure history for a source after a
// successful authentication. It does not lift an active block.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		return
	}
	if rec.blocked {
		return
	}
	rec.failures = nil
}

// Unblock manually lifts a block on the given IP and resets its state.
// Returns true if the IP was blocked.
func (g *BruteForceGuard) Unblock(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}

	delete(g.records, ip)
	g.logger.Info("source ip manually unblocked", "ip", ip)
	return true
}

// BlockedEntry describes one currently blocked source IP.
type BlockedEntry struct {
	IP        string
	BlockedAt time.Time
	ExpiresAt time.Time
}

// Blocked returns a snapshot of all currently blocked IPs.
func (g *BruteForceGuard) Blocked() []BlockedEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var out []BlockedEntry
	for ip, rec := range g.records {
		if !rec.blocked {
			continue
		}
		expires := rec.blockedAt.Add(rec.blockFor)
		if now.After(expires) {
			continue
		}
		out = append(out, BlockedEntry{
			IP:        ip,
			BlockedAt: rec.blockedAt,
			ExpiresAt: expires,
		})
	}
	return out
}

// Cleanup removes expired blocks and stale failure records. Called
// periodically from the registrar's expiry sweep.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		rec.failures = pruneOldFailures(rec.failures, now, g.cfg.FailWindow)
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// pruneOldFailures drops failure timestamps older than the window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// extractIP returns the IP portion of a "host:port" or bare "host"
// string, or "" when the host is not a valid IP address.
func extractIP(source string) string {
	host := source
	if h, _, err := net.SplitHostPort(source); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}
