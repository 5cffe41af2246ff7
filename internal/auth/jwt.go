package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oriys/tenantgate/internal/domain"
)

// Claim names accepted for the caller email, in lookup order. Tokens minted
// by ASP.NET identity carry the long ClaimTypes URIs.
var emailClaims = []string{
	"email",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	"nameid",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
	"unique_name",
	"sub",
}

var userTypeClaims = []string{"user_type", "userType", "UserType"}

// JWTAuthConfig holds JWT authenticator configuration
type JWTAuthConfig struct {
	Algorithm     string // HS256, RS256
	Secret        string // HMAC secret
	PublicKeyFile string // RSA public key file (PEM)
	Issuer        string // optional issuer validation
	Audience      string // optional audience validation
}

// JWTAuthenticator validates bearer tokens
type JWTAuthenticator struct {
	parser *jwt.Parser
	key    any
}

// NewJWTAuthenticator creates a new JWT authenticator
func NewJWTAuthenticator(cfg JWTAuthConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("JWT secret required for HS256")
		}
		a.key = []byte(cfg.Secret)

	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("public key file required for RS256")
		}
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		a.key = pub

	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	a.parser = jwt.NewParser(opts...)
	return a, nil
}

// Authenticate implements Authenticator
func (a *JWTAuthenticator) Authenticate(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}

	claims, err := a.Validate(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
	if err != nil {
		return nil
	}
	return identityFromClaims(claims)
}

// Validate parses and verifies a token and returns its claims.
func (a *JWTAuthenticator) Validate(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return claims, nil
}

func identityFromClaims(claims jwt.MapClaims) *Identity {
	email := firstClaim(claims, emailClaims)
	if email == "" {
		return nil
	}
	sub, _ := claims.GetSubject()
	return &Identity{
		Email:    domain.NormalizeEmail(email),
		UserType: domain.ParseUserType(firstClaim(claims, userTypeClaims)),
		Subject:  sub,
		Claims:   claims,
	}
}

func firstClaim(claims jwt.MapClaims, names []string) string {
	for _, name := range names {
		if v, ok := claims[name].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// SignHS256 mints an HS256 token for email. Used by the CLI and tests.
func SignHS256(secret, email string, userType domain.UserType, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"email":     email,
		"sub":       email,
		"user_type": string(userType),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
