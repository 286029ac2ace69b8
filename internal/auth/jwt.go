package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultScope is the OAuth2 scope a peer needs to call the SMF services.
const DefaultScope = "nsmf-pdusession"

var ErrScope = errors.New("auth: token scope not granted")

// AccessClaims is the NF access token body: registered claims plus a space
// separated scope list.
type AccessClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 access tokens signed with Secret that carry
// Scope and, when set, Audience.
type JWTValidator struct {
	Secret   []byte
	Audience string
	Scope    string
}

func (v JWTValidator) Validate(token string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	scope := v.Scope
	if scope == "" {
		scope = DefaultScope
	}
	if !slices.Contains(strings.Fields(claims.Scope), scope) {
		return fmt.Errorf("%w: %w: want %s", ErrUnauthorized, ErrScope, scope)
	}
	return nil
}

// JWTFromConfig returns a JWTValidator for a non-empty secret and nil
// otherwise.
func JWTFromConfig(secret, audience string) Validator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return JWTValidator{Secret: []byte(secret), Audience: strings.TrimSpace(audience)}
}

// IssueToken signs an access token for subject granting scope, valid for ttl.
func IssueToken(secret []byte, subject, audience, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Any accepts a token when at least one of vs accepts it. Nil entries are
// skipped; with none left Any returns nil, which disables authentication.
func Any(vs ...Validator) Validator {
	var live []Validator
	for _, v := range vs {
		if v != nil {
			live = append(live, v)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return FuncValidator(func(token string) error {
		var errs []error
		for _, v := range live {
			err := v.Validate(token)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}
