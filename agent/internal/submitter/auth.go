package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/pkg/rpc"
)

// RequestDecorator adds credentials to the context of an outgoing RPC.
// Decorators run in order on every FetchInitialState and SendEvents call.
type RequestDecorator interface {
	Decorate(ctx context.Context) (context.Context, error)
}

// DecoratorFunc adapts a function to RequestDecorator.
type DecoratorFunc func(ctx context.Context) (context.Context, error)

// Decorate calls f(ctx).
func (f DecoratorFunc) Decorate(ctx context.Context) (context.Context, error) { return f(ctx) }

// NewDecorator returns the decorator for auth.Mode, or nil when the mode
// adds nothing at the request level (none, mtls).
func NewDecorator(auth config.AuthConfig, machineID uint64) (RequestDecorator, error) {
	switch auth.Mode {
	case "apikey":
		key := auth.Key()
		if key == "" {
			return nil, fmt.Errorf("apikey: environment variable %q is empty", auth.KeyEnv)
		}
		return APIKey(auth.EffectiveHeader(), key), nil
	case "jwt":
		secret := auth.Secret()
		if secret == "" {
			return nil, fmt.Errorf("jwt: environment variable %q is empty", auth.SecretEnv)
		}
		return NewJWTSigner([]byte(secret), rpc.MachineSubject(machineID), auth.TokenTTL), nil
	}
	return nil, nil
}

// APIKey sends key in the given metadata header.
func APIKey(header, key string) RequestDecorator {
	return DecoratorFunc(func(ctx context.Context) (context.Context, error) {
		return metadata.AppendToOutgoingContext(ctx, header, key), nil
	})
}

// JWTSigner signs a fresh short-lived HS256 token for every request and
// sends it as "authorization: Bearer <token>".
type JWTSigner struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time
}

// NewJWTSigner creates a signer for subject whose tokens expire after ttl.
func NewJWTSigner(secret []byte, subject string, ttl time.Duration) *JWTSigner {
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return &JWTSigner{secret: secret, subject: subject, ttl: ttl, now: time.Now}
}

// Decorate implements RequestDecorator.
func (s *JWTSigner) Decorate(ctx context.Context) (context.Context, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return ctx, fmt.Errorf("sign token: %w", err)
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

// decoratorInterceptor applies decorators to every unary RPC.
func decoratorInterceptor(decorators []RequestDecorator) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		for _, d := range decorators {
			var err error
			ctx, err = d.Decorate(ctx)
			if err != nil {
				return fmt.Errorf("decorate %s: %w", method, err)
			}
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
