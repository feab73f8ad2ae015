package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ollyllm/ollyllm/internal/ctxutil"
	"github.com/ollyllm/ollyllm/internal/telemetry"
)

// RequestIDHeader is the metadata key carrying the request id in both directions.
const RequestIDHeader = "x-request-id"

// requestIDInterceptor assigns a request id to each call, honouring one sent
// by the client, and echoes it back in the response header.
func requestIDInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" && len(ids[0]) <= 128 {
			ctx = ctxutil.WithRequestID(ctx, ids[0])
		}
	}
	ctx, reqID := ctxutil.EnsureRequestID(ctx)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ctx = ctxutil.WithPeer(ctx, p.Addr.String())
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, reqID))
	return handler(ctx, req)
}

// ServerVersionHeader is the response metadata key carrying the server build version.
const ServerVersionHeader = "x-ollyllm-version"

func versionHeaderInterceptor(version string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		_ = grpc.SetHeader(ctx, metadata.Pairs(ServerVersionHeader, version))
		return handler(ctx, req)
	}
}

// loggingInterceptor logs each call with structured fields.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		attrs := []any{
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(ctx),
			"peer", ctxutil.PeerFromContext(ctx),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		logger.Log(ctx, levelFor(code), "rpc request", attrs...)
		return resp, err
	}
}

func levelFor(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// recoveryInterceptor turns handler panics into Internal without leaking the
// panic value to the client.
func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc: panic recovered",
					"method", info.FullMethod,
					"request_id", ctxutil.RequestIDFromContext(ctx),
					"panic", r,
					"stack", string(debug.Stack()),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// metadataCarrier adapts incoming gRPC metadata to an OTEL TextMapCarrier.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// tracingInterceptor creates a server span for each call, continuing the
// caller's trace when traceparent metadata is present, and records request
// count and duration metrics.
func tracingInterceptor() grpc.UnaryServerInterceptor {
	tracer := telemetry.Tracer("ollyllm/grpc")
	meter := telemetry.Meter("ollyllm/grpc")
	requestCount, _ := meter.Int64Counter("rpc.server.request_count",
		metric.WithDescription("Total RPC requests"),
	)
	duration, _ := meter.Float64Histogram("rpc.server.duration",
		metric.WithDescription("RPC duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
		}
		service, method := splitMethod(info.FullMethod)
		ctx, span := tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("rpc.system", "grpc"),
				attribute.String("rpc.service", service),
				attribute.String("rpc.method", method),
				attribute.String("ollyllm.request_id", ctxutil.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
		if code != codes.OK {
			span.SetStatus(otelcodes.Error, code.String())
		}

		attrs := metric.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.grpc.status_code", code.String()),
		)
		if requestCount != nil {
			requestCount.Add(ctx, 1, attrs)
		}
		if duration != nil {
			duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		}
		return resp, err
	}
}

// splitMethod splits "/pkg.Service/Method" into service and method.
func splitMethod(fullMethod string) (string, string) {
	s := strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "unknown", s
}
