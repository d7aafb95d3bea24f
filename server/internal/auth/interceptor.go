package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/changeagent/server/internal/config"
)

type subjectKey struct{}

// SubjectFromContext returns the verified token subject, if the call was
// authenticated with a JWT.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok
}

// Interceptor returns the interceptor for cfg.Mode. A mode whose secret
// resolves empty is an error rather than a silent pass-through.
func Interceptor(cfg config.AuthConfig) (grpc.UnaryServerInterceptor, error) {
	switch cfg.Mode {
	case "apikey":
		key := cfg.Key()
		if key == "" {
			return nil, fmt.Errorf("auth: environment variable %q is empty", cfg.KeyEnv)
		}
		return APIKeyInterceptor(cfg.EffectiveHeader(), key), nil
	case "jwt":
		secret := cfg.Secret()
		if secret == "" {
			return nil, fmt.Errorf("auth: environment variable %q is empty", cfg.SecretEnv)
		}
		return JWTInterceptor([]byte(secret)), nil
	}
	return passThrough, nil
}

func passThrough(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(ctx, req)
}

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that enforces API key
// authentication on every incoming call.
//
// header should be lowercase (gRPC normalises metadata keys to lowercase).
// A missing, empty, or incorrect key returns codes.Unauthenticated.
func APIKeyInterceptor(header, key string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		vals := md.Get(header)
		if len(vals) == 0 || subtle.ConstantTimeCompare([]byte(vals[0]), []byte(key)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}

		return handler(ctx, req)
	}
}

// JWTInterceptor returns a gRPC UnaryServerInterceptor that requires a valid
// HS256 token signed with secret. Expired tokens and tokens without a
// subject are rejected.
func JWTInterceptor(secret []byte) grpc.UnaryServerInterceptor {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get("authorization")
		if len(vals) == 0 || !strings.HasPrefix(vals[0], "Bearer ") {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}

		claims := &jwt.RegisteredClaims{}
		if _, err := parser.ParseWithClaims(strings.TrimPrefix(vals[0], "Bearer "), claims, keyFunc); err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, status.Error(codes.Unauthenticated, "token expired")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if claims.Subject == "" {
			return nil, status.Error(codes.Unauthenticated, "token has no subject")
		}

		return handler(context.WithValue(ctx, subjectKey{}, claims.Subject), req)
	}
}
