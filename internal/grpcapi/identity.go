// Package grpcapi carries the gRPC side of the control plane: identity
// extraction from metadata, the error-to-status mapping, and the bridge
// that streams bus events to a gRPC server stream. Message framing
// belongs to the generated stubs of whichever proto the deployment
// uses; everything here is framing-agnostic.
package grpcapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Metadata keys carrying the caller identity, asserted by the gateway.
const (
	mdUserID    = "user-id"
	mdUserName  = "user-name"
	mdUserRoles = "user-roles"
	mdAuth      = "authorization"
)

// CallerFromContext builds the caller identity from incoming metadata.
// Missing identity metadata yields the default single-tenant identity,
// mirroring the REST middleware.
func CallerFromContext(ctx context.Context) types.Caller {
	md, _ := metadata.FromIncomingContext(ctx)

	c := types.Caller{
		UserID:   first(md, mdUserID),
		Username: first(md, mdUserName),
	}
	if roles := first(md, mdUserRoles); roles != "" {
		for _, r := range strings.Split(roles, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Roles = append(c.Roles, r)
			}
		}
	}
	if c.UserID == "" {
		c.UserID = "default"
	}
	if len(c.Roles) == 0 {
		c.Roles = []string{"user"}
	}
	return c
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// bearerToken extracts the credential from the authorization metadata.
func bearerToken(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	auth := first(md, mdAuth)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return auth
}

// Authenticate validates the request credential when API key auth is
// enabled.
func Authenticate(ctx context.Context, cfg *config.Config) error {
	if !cfg.APIKeyEnabled {
		return nil
	}
	if !middleware.CheckAPIKey(cfg, bearerToken(ctx)) {
		return ToStatus(types.E(types.KindUnauthenticated, "UNAUTHENTICATED", "invalid or missing API key")).Err()
	}
	return nil
}

// UnaryInterceptor authenticates each call and attaches the caller to
// the handler context.
func UnaryInterceptor(cfg *config.Config) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := Authenticate(ctx, cfg); err != nil {
			return nil, err
		}
		return handler(middleware.WithCaller(ctx, CallerFromContext(ctx)), req)
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor.
func StreamInterceptor(cfg *config.Config) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := Authenticate(ss.Context(), cfg); err != nil {
			return err
		}
		return handler(srv, &callerStream{ServerStream: ss,
			ctx: middleware.WithCaller(ss.Context(), CallerFromContext(ss.Context()))})
	}
}

type callerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *callerStream) Context() context.Context { return s.ctx }
