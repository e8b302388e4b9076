// Package auth provides JWT bearer authentication middleware for the
// web server.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/flowstate/pkg/web"
)

// JWTConfig configures JWT validation.
type JWTConfig struct {
	// SecretKey verifies HMAC-signed tokens.
	SecretKey string

	// KeyFunc overrides SecretKey for asymmetric keys or rotation.
	KeyFunc func(token *jwt.Token) (interface{}, error)

	// ValidMethods restricts accepted signing algorithms. Defaults to
	// HS256 when SecretKey is used, which also blocks alg confusion.
	ValidMethods []string

	// Issuer requires a matching iss claim when set.
	Issuer string

	// Audience requires a matching aud claim when set.
	Audience string

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration

	// ClaimsKey is where validated claims land in the request user
	// values. Defaults to "user".
	ClaimsKey string

	// AuthScheme is the Authorization scheme. Defaults to "Bearer".
	AuthScheme string

	// SkipPaths lists request paths served without a token.
	SkipPaths []string
}

// DefaultJWTConfig returns the usual HS256 bearer setup.
func DefaultJWTConfig(secretKey string) JWTConfig {
	return JWTConfig{
		SecretKey:    secretKey,
		ValidMethods: []string{"HS256"},
		ClaimsKey:    "user",
		AuthScheme:   "Bearer",
	}
}

// JWT returns middleware rejecting requests without a valid token.
func JWT(config JWTConfig) web.Middleware {
	if config.SecretKey == "" && config.KeyFunc == nil {
		panic("auth: SecretKey or KeyFunc must be provided")
	}

	keyFunc := config.KeyFunc
	if keyFunc == nil {
		keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
			}
			return []byte(config.SecretKey), nil
		}
	}

	validMethods := config.ValidMethods
	if len(validMethods) == 0 && config.SecretKey != "" {
		validMethods = []string{"HS256"}
	}

	claimsKey := config.ClaimsKey
	if claimsKey == "" {
		claimsKey = "user"
	}
	scheme := config.AuthScheme
	if scheme == "" {
		scheme = "Bearer"
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods(validMethods)}
	if config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(config.Audience))
	}
	if config.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(config.Leeway))
	}

	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(next web.RequestHandler) web.RequestHandler {
		return func(ctx *web.RequestContext) error {
			if skip[string(ctx.Path())] {
				return next(ctx)
			}

			raw, err := extractToken(ctx, scheme)
			if err != nil {
				return unauthorized(ctx, err)
			}

			token, err := jwt.Parse(raw, keyFunc, parserOpts...)
			if err != nil {
				return unauthorized(ctx, err)
			}
			if !token.Valid {
				return unauthorized(ctx, fmt.Errorf("invalid token"))
			}

			ctx.SetUserValue(claimsKey, token.Claims)
			return next(ctx)
		}
	}
}

func extractToken(ctx *web.RequestContext, scheme string) (string, error) {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	prefix := scheme + " "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("authorization header is not a %s token", scheme)
	}
	return header[len(prefix):], nil
}

func unauthorized(ctx *web.RequestContext, err error) error {
	return ctx.JSON(fasthttp.StatusUnauthorized, map[string]string{
		"error": err.Error(),
	})
}
