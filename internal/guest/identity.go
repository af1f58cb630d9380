// Package guest derives anonymous buyer identities from request metadata.
package guest

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-orders/internal/domain"
)

const fingerprintLen = 32

// RequestMeta is the subset of a request that feeds the fingerprint.
type RequestMeta struct {
	RemoteAddr     string
	ForwardedFor   string
	UserAgent      string
	AcceptLanguage string
}

func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		RemoteAddr:     r.RemoteAddr,
		ForwardedFor:   r.Header.Get("X-Forwarded-For"),
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
	}
}

// ClientIP prefers the first X-Forwarded-For hop and falls back to the
// socket address without its port.
func (m RequestMeta) ClientIP() string {
	if m.ForwardedFor != "" {
		first, _, _ := strings.Cut(m.ForwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(m.RemoteAddr)
	if err != nil {
		return m.RemoteAddr
	}
	return host
}

// Fingerprint groups orders coming from the same browser. It is not an
// authentication factor.
func Fingerprint(m RequestMeta) string {
	sum := sha256.Sum256([]byte(m.ClientIP() + "\x00" + m.UserAgent + "\x00" + m.AcceptLanguage))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Identify mints a fresh guest id for every placement; only the fingerprint
// is stable across orders.
func Identify(m RequestMeta) domain.GuestOwner {
	return domain.GuestOwner{
		GuestID:     "guest_" + uuid.NewString(),
		Fingerprint: Fingerprint(m),
	}
}
