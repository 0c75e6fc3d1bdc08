package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin   = "admin"
	RoleFaculty = "faculty"
	RoleStudent = "student"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token is expired or not valid yet")
)

// Identity is the caller a turn runs for. StudentID and FacultyID are only
// set for the matching role.
type Identity struct {
	Role      string
	Subject   string
	Name      string
	StudentID *int64
	FacultyID *int64
}

func (i Identity) HasRole(role string) bool {
	return i.Role == role
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleFaculty, RoleStudent:
		return true
	}
	return false
}

type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses key:role:subject entries separated by
// commas. For students and faculty the subject is the numeric record id.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:role:subject", entry)
		}
		key := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		subject := strings.TrimSpace(parts[2])
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/subject", entry)
		}
		identity, err := identityFor(role, subject)
		if err != nil {
			return nil, fmt.Errorf("invalid static key entry %q: %w", entry, err)
		}
		validator.keys[key] = identity
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}

func identityFor(role, subject string) (Identity, error) {
	if !ValidRole(role) {
		return Identity{}, fmt.Errorf("unknown role %q", role)
	}
	identity := Identity{Role: role, Subject: subject}
	switch role {
	case RoleStudent, RoleFaculty:
		id, err := strconv.ParseInt(subject, 10, 64)
		if err != nil || id <= 0 {
			return Identity{}, fmt.Errorf("%s subject must be a positive id", role)
		}
		if role == RoleStudent {
			identity.StudentID = &id
		} else {
			identity.FacultyID = &id
		}
	}
	return identity, nil
}

type Claims struct {
	Role      string `json:"role"`
	StudentID *int64 `json:"student_id,omitempty"`
	FacultyID *int64 `json:"faculty_id,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

func NewJWTValidator(secret, issuer string) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTValidator{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}, nil
}

func (v *JWTValidator) Parse(tokenString string) (Identity, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return Identity{}, ErrTokenInvalid
	}

	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if !ValidRole(role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	identity := Identity{Role: role, Subject: claims.Subject, Name: claims.Name}
	switch role {
	case RoleStudent:
		identity.StudentID = claims.StudentID
	case RoleFaculty:
		identity.FacultyID = claims.FacultyID
	}
	return identity, nil
}

func (v *JWTValidator) Validate(_ context.Context, tokenString string) (Identity, bool) {
	identity, err := v.Parse(tokenString)
	return identity, err == nil
}

// Issue signs a token for identity. It backs tooling and tests.
func (v *JWTValidator) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      identity.Role,
		StudentID: identity.StudentID,
		FacultyID: identity.FacultyID,
		Name:      identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Chain tries validators in order. Tokens with three dot separated parts go
// to JWT validators only.
type Chain struct {
	keys   Validator
	tokens Validator
}

func NewChain(keys, tokens Validator) *Chain {
	return &Chain{keys: keys, tokens: tokens}
}

func (c *Chain) Validate(ctx context.Context, credential string) (Identity, bool) {
	if strings.Count(credential, ".") == 2 && c.tokens != nil {
		return c.tokens.Validate(ctx, credential)
	}
	if c.keys != nil {
		return c.keys.Validate(ctx, credential)
	}
	return Identity{}, false
}
