package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"admission-gateway/internal/ratelimit"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the admission key and class derived from a request.
type Identity struct {
	Key   string
	Class ratelimit.CallerClass
}

// Claims are the bearer token claims understood by the resolver.
type Claims struct {
	Tier string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// IdentityResolver derives an Identity from a bearer token, an API key or the
// client address, in that order.
type IdentityResolver struct {
	jwtSecret      []byte
	trustedProxies []netip.Prefix
}

// NewIdentityResolver creates a resolver. With an empty secret bearer tokens
// are ignored. Forwarding headers are only honored when the peer address is
// inside one of trustedProxies.
func NewIdentityResolver(jwtSecret string, trustedProxies ...netip.Prefix) *IdentityResolver {
	return &IdentityResolver{jwtSecret: []byte(jwtSecret), trustedProxies: trustedProxies}
}

func (ir *IdentityResolver) Resolve(r *http.Request) Identity {
	if id, ok := ir.fromBearer(r); ok {
		return id
	}

	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		sum := sha256.Sum256([]byte(apiKey))
		return Identity{Key: "key:" + hex.EncodeToString(sum[:]), Class: ratelimit.APIKey}
	}

	return Identity{Key: "ip:" + ir.ClientIP(r), Class: ratelimit.Anonymous}
}

func (ir *IdentityResolver) fromBearer(r *http.Request) (Identity, bool) {
	if len(ir.jwtSecret) == 0 {
		return Identity{}, false
	}

	header := r.Header.Get("Authorization")
	tokenString, found := strings.CutPrefix(header, "Bearer ")
	if !found || tokenString == "" {
		return Identity{}, false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return ir.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.Subject == "" {
		return Identity{}, false
	}

	return Identity{Key: "user:" + claims.Subject, Class: tierClass(claims.Tier)}, true
}

// tierClass maps the tier claim to a class. Only user tiers are accepted;
// anything else is an ordinary authenticated caller.
func tierClass(tier string) ratelimit.CallerClass {
	class, err := ratelimit.ParseCallerClass(tier)
	if err != nil {
		return ratelimit.Authenticated
	}
	switch class {
	case ratelimit.Premium, ratelimit.Admin:
		return class
	default:
		return ratelimit.Authenticated
	}
}

// ClientIP returns the caller address. Behind trusted proxies it is the right
// most X-Forwarded-For entry that is not itself a trusted proxy, then
// X-Real-IP. Otherwise the headers are ignored and the peer address is used.
func (ir *IdentityResolver) ClientIP(r *http.Request) string {
	peer := peerAddr(r)
	if !ir.trusted(peer) {
		return peer
	}

	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !ir.trusted(hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peer
}

func (ir *IdentityResolver) trusted(address string) bool {
	if len(ir.trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range ir.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
