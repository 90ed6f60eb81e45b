package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"circulation/pkg/domain"
)

const (
	defaultIssuer   = "library-auth"
	defaultAudience = "circulation-api"
	defaultLeeway   = 30 * time.Second
)

// ErrUnknownRole marks a token whose role claim maps to no circulation role.
var ErrUnknownRole = errors.New("token role not recognized")

// Claims are the access-token claims the circulation service reads.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier turns RS256 access tokens issued by the auth service into
// circulation actors.
type Verifier struct {
	keys   *keySet
	parser *jwt.Parser
}

// NewVerifier creates a verifier and loads the initial key set, so a
// misconfigured JWKS URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	keys := newKeySet(jwksURL, cfg.HTTPClient)
	if err := keys.refresh(); err != nil {
		return nil, err
	}
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// VerifyActor validates the token and returns the actor it speaks for.
// A missing role claim means an ordinary member.
func (v *Verifier) VerifyActor(token string) (domain.Actor, error) {
	var claims Claims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc); err != nil {
		return domain.Actor{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Actor{}, errors.New("token subject missing")
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{ID: subject, Role: role}, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	return v.keys.lookup(kid)
}

// ParseRole maps a role claim onto a circulation role. Librarian and
// desk roles issued by the auth service count as staff.
func ParseRole(raw string) (domain.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "member", "user", "reader":
		return domain.RoleMember, nil
	case "staff", "librarian", "desk":
		return domain.RoleStaff, nil
	case "admin":
		return domain.RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}
