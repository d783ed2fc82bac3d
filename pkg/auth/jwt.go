// Package auth resolves the caller behind an HTTP or websocket request.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// SubprotocolPrefix marks a websocket subprotocol that carries a token,
// for browsers that cannot set headers on the upgrade request.
const SubprotocolPrefix = "Bearer."

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator interface {
	Authenticate(r *http.Request) (dock.Actor, error)
}

type AuthenticatorFunc func(r *http.Request) (dock.Actor, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (dock.Actor, error) { return f(r) }

type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type JWTConfig struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
	Now    func() time.Time
}

// JWT verifies HS256 bearer tokens. The subject claim becomes the user id.
type JWT struct {
	cfg JWTConfig
}

func NewJWT(cfg JWTConfig) (*JWT, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWT{cfg: cfg}, nil
}

func (j *JWT) Authenticate(r *http.Request) (dock.Actor, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return dock.Actor{}, ErrUnauthenticated
	}
	return j.Verify(raw)
}

// Verify parses raw and returns the actor it names.
func (j *JWT) Verify(raw string) (dock.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.cfg.Leeway),
		jwt.WithTimeFunc(j.cfg.Now),
	}
	if j.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.cfg.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return j.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return dock.Actor{}, fmt.Errorf("%w: %s", ErrUnauthenticated, reason(err))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return dock.Actor{}, fmt.Errorf("%w: subject is required", ErrUnauthenticated)
	}
	return dock.Actor{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Issue signs a token for actor valid for ttl.
func (j *JWT) Issue(actor dock.Actor, ttl time.Duration) (string, error) {
	if actor.UserID == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := j.cfg.Now()
	claims := Claims{
		Email: actor.Email,
		Role:  actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    j.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
}

func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature is invalid"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "alg is invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "required claim missing"
	default:
		return "token is invalid"
	}
}

// TokenFromRequest looks for a token in the Authorization header, then in
// a Bearer.<token> websocket subprotocol, then in the token query param.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if p := BearerSubprotocol(r); p != "" {
		return strings.TrimPrefix(p, SubprotocolPrefix)
	}
	return r.URL.Query().Get("token")
}

// BearerSubprotocol returns the offered subprotocol that carries a token,
// or "".
func BearerSubprotocol(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, SubprotocolPrefix) && len(p) > len(SubprotocolPrefix) {
				return p
			}
		}
	}
	return ""
}
