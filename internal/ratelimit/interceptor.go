package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// KeyFunc derives the rate limit key for a call. An empty key skips limiting.
type KeyFunc func(ctx context.Context, fullMethod string) string

// PeerKeyFunc keys calls by the remote host, ignoring the port. Health
// checks are never limited.
func PeerKeyFunc(ctx context.Context, fullMethod string) string {
	if strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/") {
		return ""
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return "peer:" + host
	}
	return "peer:" + addr
}

// UnaryServerInterceptor rejects calls over the limit with ResourceExhausted
// and a RetryInfo detail. Limiter errors fail open.
func UnaryServerInterceptor(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if limiter == nil {
			return handler(ctx, req)
		}
		key := keyFunc(ctx, info.FullMethod)
		if key == "" {
			return handler(ctx, req)
		}

		d, err := limiter.Allow(ctx, key)
		if err != nil {
			logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
			return handler(ctx, req)
		}
		if d.Allowed {
			return handler(ctx, req)
		}

		st := status.New(codes.ResourceExhausted, "too many requests")
		if withInfo, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(d.RetryAfter)}); err == nil {
			st = withInfo
		}
		return nil, st.Err()
	}
}
