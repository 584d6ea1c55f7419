package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

type requestKey struct{}

// RequestMeta is the caller information stamped onto events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// WithRequest stores the caller's IP and user agent on ctx.
func WithRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, RequestMeta{
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
	})
}

func requestFrom(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	m, _ := ctx.Value(requestKey{}).(RequestMeta)
	return m
}

// TrustedProxies lists the peers whose forwarding headers are believed.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR ranges and bare addresses.
func ParseTrustedProxies(list []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) contains(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range t {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

var trusted atomic.Pointer[TrustedProxies]

// SetTrustedProxies replaces the proxy list used by ClientIP. With an empty
// list forwarding headers are ignored.
func SetTrustedProxies(t TrustedProxies) {
	trusted.Store(&t)
}

func trustedProxies() TrustedProxies {
	if t := trusted.Load(); t != nil {
		return *t
	}
	return nil
}

// ClientIP returns the address requests are attributed to. It is the TCP
// peer unless the peer is a trusted proxy, in which case X-Forwarded-For is
// walked from the right and the first untrusted hop wins.
func ClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	proxies := trustedProxies()
	addr, err := netip.ParseAddr(peer)
	if len(proxies) == 0 || err != nil || !proxies.contains(addr) {
		return peer
	}

	if hops := forwardedFor(r); len(hops) > 0 {
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(hops[i])
			if err != nil {
				// Anything left of a garbled hop is client supplied.
				return client
			}
			client = hop.Unmap().String()
			if !proxies.contains(hop) {
				return client
			}
		}
		return client
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

// forwardedFor joins every X-Forwarded-For header line in arrival order.
func forwardedFor(r *http.Request) []string {
	var hops []string
	for _, line := range r.Header.Values("X-Forwarded-For") {
		for _, h := range strings.Split(line, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	return hops
}
