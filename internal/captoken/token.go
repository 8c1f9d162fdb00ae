// Package captoken issues the capability tokens that identify a host or a
// guest within one event.
package captoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"phototheology/internal/util"
	"phototheology/pkg/domain"
)

const (
	// DefaultHostTTL covers a long evening of hosting.
	DefaultHostTTL = 12 * time.Hour
	// DefaultGuestTTL lets a guest reconnect during the event.
	DefaultGuestTTL = 12 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second

	minSecretLen = 32
)

var ErrInvalidToken = errors.New("invalid capability token")

// Claims binds a role (and guest id) to one event.
type Claims struct {
	EventID string      `json:"eid"`
	Role    domain.Role `json:"role"`
	GuestID string      `json:"gid,omitempty"`
	jwt.RegisteredClaims
}

// Actor converts the claims into the coordinator's caller identity.
func (c Claims) Actor() domain.Actor {
	if c.Role == domain.RoleHost {
		return domain.Host()
	}
	return domain.AsGuest(c.GuestID)
}

// Options configures a Signer.
type Options struct {
	Secret   string
	Issuer   string
	HostTTL  time.Duration
	GuestTTL time.Duration
	Leeway   time.Duration
}

// Signer issues and verifies HS256 capability tokens.
type Signer struct {
	secret   []byte
	issuer   string
	hostTTL  time.Duration
	guestTTL time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewSigner validates options and builds a Signer.
func NewSigner(opts Options) (*Signer, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("capability token secret must be at least %d bytes", minSecretLen)
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = "guesthouse"
	}
	s := &Signer{
		secret:   []byte(secret),
		issuer:   issuer,
		hostTTL:  opts.HostTTL,
		guestTTL: opts.GuestTTL,
		leeway:   opts.Leeway,
		now:      time.Now,
	}
	if s.hostTTL <= 0 {
		s.hostTTL = DefaultHostTTL
	}
	if s.guestTTL <= 0 {
		s.guestTTL = DefaultGuestTTL
	}
	if s.leeway <= 0 {
		s.leeway = DefaultLeeway
	}
	return s, nil
}

// IssueHost returns a host token for the event.
func (s *Signer) IssueHost(eventID string) (string, error) {
	return s.issue(Claims{EventID: eventID, Role: domain.RoleHost}, s.hostTTL)
}

// IssueGuest returns a token for one guest of the event.
func (s *Signer) IssueGuest(eventID, guestID string) (string, error) {
	if strings.TrimSpace(guestID) == "" {
		return "", errors.New("guest id required")
	}
	return s.issue(Claims{EventID: eventID, Role: domain.RoleGuest, GuestID: guestID}, s.guestTTL)
}

func (s *Signer) issue(claims Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(claims.EventID) == "" {
		return "", errors.New("event id required")
	}
	now := s.now().UTC()
	subject := "host"
	if claims.Role == domain.RoleGuest {
		subject = claims.GuestID
	}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{claims.EventID},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        util.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates signature, expiry and issuer and returns the claims.
func (s *Signer) Verify(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch claims.Role {
	case domain.RoleHost:
	case domain.RoleGuest:
		if claims.GuestID == "" {
			return Claims{}, fmt.Errorf("%w: guest id missing", ErrInvalidToken)
		}
	default:
		return Claims{}, fmt.Errorf("%w: unknown role", ErrInvalidToken)
	}
	if claims.EventID == "" {
		return Claims{}, fmt.Errorf("%w: event id missing", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts a bearer token from request header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", false
	}
	return token, true
}
