package ollyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
)

// requestIDHeader matches the server's request id metadata key.
const requestIDHeader = "x-request-id"

// Config holds the settings needed to construct a Client.
type Config struct {
	// Addr is the server address (e.g. "localhost:50051"). Ignored when Conn is set.
	Addr string

	// Conn is an optional existing connection. The Client does not close it.
	Conn grpc.ClientConnInterface

	// DialOptions are appended to the defaults when the Client dials Addr.
	// The default transport is plaintext.
	DialOptions []grpc.DialOption

	// Timeout applies to each attempt of each call. Defaults to 30 seconds.
	Timeout time.Duration

	// MaxRetries is how many times a call failing with Unavailable or
	// ResourceExhausted is resent. Zero disables retries.
	MaxRetries int

	// RetryBackoff is the first retry delay, doubled on each attempt.
	// Defaults to 100ms. A server RetryInfo hint takes precedence when longer.
	RetryBackoff time.Duration
}

// Client is a gRPC client for the ollyllm API.
// All methods are safe for concurrent use.
type Client struct {
	rpc        ollyllmv1.OllyllmServiceClient
	conn       *grpc.ClientConn // owned; nil when Config.Conn was supplied
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if neither Addr nor Conn is set.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.backoff <= 0 {
		c.backoff = 100 * time.Millisecond
	}

	cc := cfg.Conn
	if cc == nil {
		if cfg.Addr == "" {
			return nil, errors.New("ollyllm: Addr or Conn is required")
		}
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, cfg.DialOptions...)
		conn, err := grpc.NewClient(cfg.Addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("ollyllm: dial %s: %w", cfg.Addr, err)
		}
		c.conn = conn
		cc = conn
	}
	c.rpc = ollyllmv1.NewOllyllmServiceClient(cc)
	return c, nil
}

// Close releases the connection if the Client dialed it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// WithRequestID sets the request id sent with calls made using ctx. Without
// it each call gets a fresh UUIDv7, kept across retries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, requestIDHeader, id)
}

func ensureRequestID(ctx context.Context) context.Context {
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get(requestIDHeader)) > 0 {
		return ctx
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return WithRequestID(ctx, id.String())
}

// call runs fn with a per-attempt timeout and retries transient failures.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = ensureRequestID(ctx)
	delay := c.backoff
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fromStatus(fn(callCtx))
		cancel()
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			return err
		}

		wait := delay
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > wait {
			wait = e.RetryAfter
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}

// ReportSpans stores spans as one atomic batch. Either every span is stored
// or none is.
func (c *Client) ReportSpans(ctx context.Context, spans []Span) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.rpc.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: spans})
		return err
	})
}

// QueueTest enqueues a test execution. The call returns once the request is
// durably stored.
func (c *Client) QueueTest(ctx context.Context, req TestExecutionRequest) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.rpc.QueueTest(ctx, &req)
		return err
	})
}

// ReportLogs attaches log lines to spans that were already reported.
func (c *Client) ReportLogs(ctx context.Context, logs []LogEntry) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.rpc.ReportLogs(ctx, &ollyllmv1.ReportLogsRequest{Logs: logs})
		return err
	})
}

// RegisterTest registers a test artifact and returns its id. metadata may be nil.
func (c *Client) RegisterTest(ctx context.Context, blobURL string, metadata json.RawMessage) (int32, error) {
	var id int32
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.rpc.RegisterTest(ctx, &ollyllmv1.RegisterTestRequest{BlobURL: blobURL, Metadata: metadata})
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	return id, err
}

// CreateTestVersion adds a version to a registration and returns its id.
func (c *Client) CreateTestVersion(ctx context.Context, registrationID int32, name, version string) (int32, error) {
	var id int32
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.rpc.CreateTestVersion(ctx, &ollyllmv1.CreateTestVersionRequest{
			TestRegistrationID: registrationID,
			Name:               name,
			Version:            version,
		})
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	return id, err
}

// ClaimTest claims the oldest queued test for workerID. ok is false when
// the queue is empty.
func (c *Client) ClaimTest(ctx context.Context, workerID string) (test QueuedTest, ok bool, err error) {
	err = c.call(ctx, func(ctx context.Context) error {
		resp, err := c.rpc.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: workerID})
		if err != nil {
			return err
		}
		if resp.Found && resp.Test != nil {
			test, ok = *resp.Test, true
		}
		return nil
	})
	return test, ok, err
}

// FinishTest records the terminal status of a claimed entry.
func (c *Client) FinishTest(ctx context.Context, queueID int64, workerID, status string) error {
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.rpc.FinishTest(ctx, &ollyllmv1.FinishTestRequest{QueueID: queueID, WorkerID: workerID, Status: status})
		return err
	})
}

// TraceOption adjusts a GetTrace call.
type TraceOption func(*ollyllmv1.GetTraceRequest)

// WithLogs also fetches the log lines attached to the trace's spans.
func WithLogs() TraceOption {
	return func(r *ollyllmv1.GetTraceRequest) { r.IncludeLogs = true }
}

// GetTrace returns every stored span of a trace.
func (c *Client) GetTrace(ctx context.Context, traceID string, opts ...TraceOption) (*Trace, error) {
	req := &ollyllmv1.GetTraceRequest{TraceID: traceID}
	for _, opt := range opts {
		opt(req)
	}
	var out *Trace
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.rpc.GetTrace(ctx, req)
		if err != nil {
			return err
		}
		out = &Trace{Spans: resp.Spans, OrphanIDs: resp.OrphanIDs, Logs: resp.Logs}
		return nil
	})
	return out, err
}

// GetTest returns a registration with all of its versions, or only the given
// version when version is not empty. Workers call it after ClaimTest to find
// the artifact to run.
func (c *Client) GetTest(ctx context.Context, registrationID int32, version string) (*Test, error) {
	var out *Test
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.rpc.GetTest(ctx, &ollyllmv1.GetTestRequest{TestRegistrationID: registrationID, Version: version})
		if err != nil {
			return err
		}
		out = &Test{Registration: resp.Registration, Versions: resp.Versions}
		return nil
	})
	return out, err
}
