package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 64
)

type webCacheEntry struct {
	value   string
	expires time.Time
}

// webCache is a small TTL cache shared by the web tools so repeated fetches
// of the same page within a turn do not hit the network twice.
type webCache struct {
	mu      sync.Mutex
	entries map[string]webCacheEntry
	max     int
	ttl     time.Duration
}

func newWebCache(max int, ttl time.Duration) *webCache {
	return &webCache{entries: make(map[string]webCacheEntry), max: max, ttl: ttl}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Evict whatever expires soonest.
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.expires.Before(oldestAt) {
				oldest, oldestAt = k, e.expires
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = webCacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

// CheckSSRF rejects URLs that resolve to private, loopback or link-local
// addresses. Exported for the gateway's link-preview handler, which fetches
// attacker-supplied URLs too.
func CheckSSRF(rawURL string) error { return checkSSRF(rawURL) }

// checkSSRF rejects URLs that resolve to private, loopback or link-local
// addresses so the agent cannot be steered at internal services.
func checkSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("host %s is not allowed", host)
	}

	// Literal IPs are checked directly; names are resolved once.
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("cannot resolve host %s", host)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s resolves to a blocked address %s", host, ip)
		}
	}
	return nil
}
