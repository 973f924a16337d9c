package supervisor

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBlockThreshold = 3
	defaultBlockDuration  = time.Hour
)

// Blocker persists temporary IP blocks and failure counters.
type Blocker interface {
	IsBlocked(ctx context.Context, ip string) bool
	Block(ctx context.Context, ip string, duration time.Duration, reason string) error
	IncrementViolations(ctx context.Context, ip string) (int64, error)
}

// GuardConfig holds configuration for the manager guard.
type GuardConfig struct {
	Whitelist        []string // IPs or CIDRs never blocked
	AutoBlockEnabled bool     // Block after repeated failed sessions
	Threshold        int64    // failed sessions per hour before blocking
	BlockFor         time.Duration
}

// Guard refuses manager connections from blocked IPs and blocks IPs that
// keep failing authentication. A nil Guard allows everything.
type Guard struct {
	blocker      Blocker
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
	autoBlock    bool
	threshold    int64
	blockFor     time.Duration
}

// NewGuard creates a guard backed by blocker.
func NewGuard(blocker Blocker, logger zerolog.Logger, cfg GuardConfig) *Guard {
	g := &Guard{
		blocker:      blocker,
		logger:       logger,
		whitelistIPs: make(map[string]bool),
		autoBlock:    cfg.AutoBlockEnabled,
		threshold:    cfg.Threshold,
		blockFor:     cfg.BlockFor,
	}
	if g.threshold <= 0 {
		g.threshold = defaultBlockThreshold
	}
	if g.blockFor <= 0 {
		g.blockFor = defaultBlockDuration
	}

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			g.whitelist = append(g.whitelist, ipNet)
		} else {
			g.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(g.whitelistIPs)).
			Int("cidrs", len(g.whitelist)).
			Msg("admin whitelist configured")
	}
	return g
}

func (g *Guard) isWhitelisted(ipStr string) bool {
	if g.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range g.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Allowed reports whether a manager from ip may be served.
func (g *Guard) Allowed(ctx context.Context, ip string) bool {
	if g == nil || g.isWhitelisted(ip) {
		return true
	}
	return !g.blocker.IsBlocked(ctx, ip)
}

// RecordFailure counts a session that exhausted its passkey attempts and
// blocks ip once the threshold is reached. It reports whether ip is now
// blocked.
func (g *Guard) RecordFailure(ctx context.Context, ip string) bool {
	if g == nil || !g.autoBlock || g.isWhitelisted(ip) {
		return false
	}

	count, err := g.blocker.IncrementViolations(ctx, ip)
	if err != nil {
		g.logger.Warn().Err(err).Str("ip", ip).Msg("failed to count auth failure")
		return false
	}
	if count < g.threshold {
		return false
	}

	if err := g.blocker.Block(ctx, ip, g.blockFor, "repeated admin auth failures"); err != nil {
		g.logger.Warn().Err(err).Str("ip", ip).Msg("failed to block ip")
		return false
	}
	g.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Int64("violations", count).
		Msg("IP auto-blocked for repeated auth failures")
	return true
}

// hostOf strips the port from a remote address.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
