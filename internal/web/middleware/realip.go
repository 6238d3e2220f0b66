package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies turns CIDRs or bare addresses into prefixes.
// Blank entries are skipped; invalid ones are returned as skipped so the
// caller can report them.
func ParseTrustedProxies(entries []string) (prefixes []netip.Prefix, skipped []string) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		skipped = append(skipped, e)
	}
	return prefixes, skipped
}

// TrustedRealIP rewrites r.RemoteAddr to the client address reported by a
// trusted proxy. Headers from any other peer are ignored, since the rate
// limiter keys on RemoteAddr.
//
// X-Real-IP wins when present. Otherwise X-Forwarded-For is read from the
// right, skipping hops that are themselves trusted proxies.
func TrustedRealIP(trusted []string) func(http.Handler) http.Handler {
	prefixes, skipped := ParseTrustedProxies(trusted)
	for _, e := range skipped {
		slog.Warn("realip: invalid trusted proxy, skipping", "entry", e)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peer, ok := remoteAddr(r.RemoteAddr); ok && contains(prefixes, peer) {
				if client, ok := clientAddr(r.Header, prefixes); ok {
					r.RemoteAddr = client.String()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(h http.Header, trusted []netip.Prefix) (netip.Addr, bool) {
	if rip := strings.TrimSpace(h.Get("X-Real-IP")); rip != "" {
		if a, err := netip.ParseAddr(rip); err == nil {
			return a.Unmap(), true
		}
	}

	hops := strings.Split(h.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return netip.Addr{}, false
		}
		a = a.Unmap()
		if !contains(trusted, a) || i == 0 {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// remoteAddr parses "host:port" or a bare address.
func remoteAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func contains(prefixes []netip.Prefix, a netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
