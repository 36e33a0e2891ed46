package daemon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sakuga/internal/config"
)

var (
	errTokenMalformed = errors.New("malformed token")
	errTokenSignature = errors.New("token signature mismatch")
	errTokenExpired   = errors.New("token expired")
)

type tokenClaims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

// verifyToken checks an HS256 JWT against the shared secret and returns
// the subject claim. Tokens without an exp claim never expire.
func verifyToken(token, secret string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errTokenMalformed
	}

	var header struct {
		Alg string `json:"alg"`
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errTokenMalformed
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", errTokenMalformed
	}
	if header.Alg != "HS256" {
		return "", errTokenMalformed
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", errTokenMalformed
	}
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", errTokenSignature
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errTokenMalformed
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return "", errTokenMalformed
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return "", errTokenExpired
	}
	if claims.Subject == "" {
		claims.Subject = "anonymous"
	}
	return claims.Subject, nil
}

// signToken builds an HS256 JWT for the subject. The daemon itself never
// issues tokens; tests and the CLI login helper do.
func signToken(subject, secret string, expiresAt time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims := tokenClaims{Subject: subject}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = expiresAt.Unix()
	}
	claimsJSON, _ := json.Marshal(claims)
	payload := base64.RawURLEncoding.EncodeToString(claimsJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + signature
}

// authenticator gates operator requests: trusted-subnet callers pass
// through, everyone else needs a bearer token, and each authenticated
// subject is rate limited.
type authenticator struct {
	secret        string
	trustedSubnet *net.IPNet
	perMinute     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAuthenticator(cfg config.Auth) (*authenticator, error) {
	auth := &authenticator{
		secret:    strings.TrimSpace(cfg.JWTSecret),
		perMinute: cfg.RateLimitPerMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
	if auth.perMinute <= 0 {
		auth.perMinute = 60
	}
	if subnet := strings.TrimSpace(cfg.TrustedSubnet); subnet != "" {
		_, network, err := net.ParseCIDR(subnet)
		if err != nil {
			return nil, errors.New("invalid trusted subnet: " + subnet)
		}
		auth.trustedSubnet = network
	}
	return auth, nil
}

// authorize resolves the request to a subject or an error. Requests are
// trusted when no secret is configured (local-only surface) or when the
// peer address falls inside the trusted subnet.
func (a *authenticator) authorize(r *http.Request) (string, error) {
	if a.secret == "" {
		return "local", nil
	}
	if a.trustedSubnet != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			if ip := net.ParseIP(host); ip != nil && a.trustedSubnet.Contains(ip) {
				return "trusted", nil
			}
		}
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	subject, err := verifyToken(strings.TrimPrefix(header, "Bearer "), a.secret)
	if err != nil {
		return "", err
	}
	return subject, nil
}

// allow applies the per-subject rate limit.
func (a *authenticator) allow(subject string) bool {
	a.mu.Lock()
	limiter, ok := a.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(a.perMinute)/60.0), a.perMinute)
		a.limiters[subject] = limiter
	}
	a.mu.Unlock()
	return limiter.Allow()
}
