package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust decides when X-Real-IP and X-Forwarded-For may name the client.
// A nil ProxyTrust ignores both headers and keys clients by their socket address.
type ProxyTrust struct {
	trustAll bool
	prefixes []netip.Prefix
}

// NewProxyTrust accepts proxy addresses as bare IPs or CIDR ranges. With
// trustHeaders set, forwarding headers are honoured from any peer, which is only
// safe when every request passes a proxy that overwrites them.
func NewProxyTrust(trustHeaders bool, proxies []string) (*ProxyTrust, error) {
	p := &ProxyTrust{trustAll: trustHeaders}
	for _, raw := range proxies {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if !p.trustAll && len(p.prefixes) == 0 {
		return nil, nil
	}
	return p, nil
}

func (p *ProxyTrust) trusted(host string) bool {
	if p == nil {
		return false
	}
	if p.trustAll {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for r.
func (p *ProxyTrust) Resolve(r *http.Request) string {
	remote := remoteHost(r)
	if !p.trusted(remote) {
		return remote
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		if p.trustAll {
			if first := canonicalHost(hops[0]); first != "" {
				return first
			}
		} else {
			// Walk back from the nearest hop and stop at the first address
			// that is not one of our own proxies.
			for i := len(hops) - 1; i >= 0; i-- {
				hop := canonicalHost(hops[i])
				if hop == "" {
					continue
				}
				if !p.trusted(hop) {
					return hop
				}
			}
		}
	}
	if realIP := canonicalHost(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return remote
}

type clientKey struct{}

// ResolveClient stores the resolved client address on the request context for
// ClientIP. It replaces chi's RealIP, which trusts the headers unconditionally.
func ResolveClient(p *ProxyTrust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientKey{}, p.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the address resolved by ResolveClient, or the socket peer
// when the request did not pass through it.
func ClientIP(r *http.Request) string {
	if client, ok := r.Context().Value(clientKey{}).(string); ok && client != "" {
		return client
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// canonicalHost strips whitespace and any port and normalises IP spelling.
func canonicalHost(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	if addr, err := netip.ParseAddr(strings.Trim(value, "[]")); err == nil {
		return addr.Unmap().String()
	}
	return ""
}
