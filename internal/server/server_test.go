package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	ollyllmv1 "github.com/ollyllm/ollyllm/api/ollyllmv1"
	"github.com/ollyllm/ollyllm/internal/model"
	"github.com/ollyllm/ollyllm/internal/ratelimit"
	"github.com/ollyllm/ollyllm/internal/server"
	"github.com/ollyllm/ollyllm/internal/storage"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway is an in-memory Gateway with the same ordering and claim
// semantics as the Postgres implementation.
type fakeGateway struct {
	mu       sync.Mutex
	spans    map[string]model.Span
	logs     []model.Log
	regs     map[int32]model.TestRegistration
	versions []model.TestVersion
	queue    []model.QueuedTest
	nextID   int64

	calls int
	// failWith, when set, is returned by every call.
	failWith error
	// panicOn names a method that panics when called.
	panicOn string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{spans: map[string]model.Span{}, regs: map[int32]model.TestRegistration{}}
}

func (g *fakeGateway) enter(method string) error {
	g.calls++
	if g.panicOn == method {
		panic("boom in " + method)
	}
	return g.failWith
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failWith = err
}

func (g *fakeGateway) panicIn(method string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.panicOn = method
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) InsertSpanBatch(_ context.Context, spans []model.Span) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("InsertSpanBatch"); err != nil {
		return 0, err
	}
	for _, s := range spans {
		if _, dup := g.spans[s.ID]; dup {
			return 0, fmt.Errorf("storage: copy span batch: %w", storage.ErrConflict)
		}
	}
	for _, s := range spans {
		g.spans[s.ID] = s
	}
	return int64(len(spans)), nil
}

func (g *fakeGateway) InsertLogs(_ context.Context, logs []model.Log) ([]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("InsertLogs"); err != nil {
		return nil, err
	}
	ids := make([]int64, len(logs))
	for i, l := range logs {
		if _, ok := g.spans[l.SpanID]; !ok {
			return nil, fmt.Errorf("storage: insert log: %w", storage.ErrNotFound)
		}
		ids[i] = int64(len(g.logs) + i + 1)
	}
	g.logs = append(g.logs, logs...)
	return ids, nil
}

func (g *fakeGateway) GetTrace(_ context.Context, traceID string) ([]model.Span, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetTrace"); err != nil {
		return nil, err
	}
	var out []model.Span
	for _, s := range g.spans {
		if s.TraceID == traceID {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	slices.SortFunc(out, func(a, b model.Span) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

func (g *fakeGateway) FindOrphanSpans(_ context.Context, traceID string) ([]model.Span, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("FindOrphanSpans"); err != nil {
		return nil, err
	}
	var out []model.Span
	for _, s := range g.spans {
		if s.TraceID != traceID || s.IsRoot() {
			continue
		}
		if _, ok := g.spans[s.ParentID]; !ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetTraceLogs(_ context.Context, traceID string) ([]model.Log, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetTraceLogs"); err != nil {
		return nil, err
	}
	var out []model.Log
	for _, l := range g.logs {
		if g.spans[l.SpanID].TraceID == traceID {
			out = append(out, l)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Log) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (g *fakeGateway) GetTestRegistration(_ context.Context, id int32) (model.TestRegistration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetTestRegistration"); err != nil {
		return model.TestRegistration{}, err
	}
	reg, ok := g.regs[id]
	if !ok {
		return model.TestRegistration{}, storage.ErrNotFound
	}
	return reg, nil
}

func (g *fakeGateway) GetTestVersion(_ context.Context, registrationID int32, version string) (model.TestVersion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("GetTestVersion"); err != nil {
		return model.TestVersion{}, err
	}
	for _, v := range g.versions {
		if v.TestRegistrationID == registrationID && v.Version == version {
			return v, nil
		}
	}
	return model.TestVersion{}, storage.ErrNotFound
}

func (g *fakeGateway) ListTestVersions(_ context.Context, registrationID int32) ([]model.TestVersion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("ListTestVersions"); err != nil {
		return nil, err
	}
	var out []model.TestVersion
	for _, v := range g.versions {
		if v.TestRegistrationID == registrationID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (g *fakeGateway) CreateTestRegistration(_ context.Context, reg model.TestRegistration) (model.TestRegistration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateTestRegistration"); err != nil {
		return model.TestRegistration{}, err
	}
	reg.ID = int32(len(g.regs) + 1)
	g.regs[reg.ID] = reg
	return reg, nil
}

func (g *fakeGateway) CreateTestVersion(_ context.Context, v model.TestVersion) (model.TestVersion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("CreateTestVersion"); err != nil {
		return model.TestVersion{}, err
	}
	if _, ok := g.regs[v.TestRegistrationID]; !ok {
		return model.TestVersion{}, storage.ErrNotFound
	}
	for _, existing := range g.versions {
		if existing.TestRegistrationID == v.TestRegistrationID && existing.Version == v.Version {
			return model.TestVersion{}, storage.ErrConflict
		}
	}
	v.ID = int32(len(g.versions) + 1)
	g.versions = append(g.versions, v)
	return v, nil
}

func (g *fakeGateway) EnqueueTestExecution(_ context.Context, req model.TestExecutionRequest) (model.QueuedTest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("EnqueueTestExecution"); err != nil {
		return model.QueuedTest{}, err
	}
	for _, v := range g.versions {
		if int64(v.TestRegistrationID) == req.Test.ID && v.Version == req.Test.VersionLabel() {
			g.nextID++
			q := model.QueuedTest{
				ID:               g.nextID,
				SessionID:        req.SessionID,
				Test:             req.Test,
				TestVersionID:    v.ID,
				RequestTimestamp: req.RequestTimestamp,
				TestInput:        req.TestInput,
				Status:           model.QueueStatusQueued,
			}
			g.queue = append(g.queue, q)
			return q, nil
		}
	}
	return model.QueuedTest{}, storage.ErrNotFound
}

func (g *fakeGateway) FetchNextQueuedTest(_ context.Context, workerID string) (model.QueuedTest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("FetchNextQueuedTest"); err != nil {
		return model.QueuedTest{}, err
	}
	best := -1
	for i, q := range g.queue {
		if q.Status != model.QueueStatusQueued {
			continue
		}
		if best < 0 || q.RequestTimestamp.Before(g.queue[best].RequestTimestamp) {
			best = i
		}
	}
	if best < 0 {
		return model.QueuedTest{}, storage.ErrQueueEmpty
	}
	now := time.Now()
	g.queue[best].Status = model.QueueStatusClaimed
	g.queue[best].ClaimedBy = &workerID
	g.queue[best].ClaimedAt = &now
	return g.queue[best], nil
}

func (g *fakeGateway) FinishQueuedTest(_ context.Context, id int64, workerID string, st model.QueueStatus) (model.QueuedTest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter("FinishQueuedTest"); err != nil {
		return model.QueuedTest{}, err
	}
	for i, q := range g.queue {
		if q.ID != id {
			continue
		}
		if q.Status != model.QueueStatusClaimed || q.ClaimedBy == nil || *q.ClaimedBy != workerID {
			return model.QueuedTest{}, storage.ErrInvalidTransition
		}
		g.queue[i].Status = st
		return g.queue[i], nil
	}
	return model.QueuedTest{}, storage.ErrNotFound
}

type harness struct {
	gw     *fakeGateway
	client ollyllmv1.OllyllmServiceClient
	conn   *grpc.ClientConn
}

func startServer(t *testing.T, mutate func(*server.ServerConfig)) *harness {
	t.Helper()
	gw := newFakeGateway()
	cfg := server.ServerConfig{
		Gateway:       gw,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxBatchSpans: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := server.New(cfg)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{gw: gw, client: ollyllmv1.NewOllyllmServiceClient(conn), conn: conn}
}

func wireSpan(id, parent string, start time.Time) ollyllmv1.Span {
	return ollyllmv1.Span{ID: id, TraceID: "t1", ParentID: parent, OperationName: "op-" + id, StartTimestamp: start}
}

func ptr[T any](v T) *T { return &v }

func requireCode(t *testing.T, err error, want codes.Code) *status.Status {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	require.Equal(t, want, st.Code(), "message: %s", st.Message())
	return st
}

func violations(st *status.Status) []string {
	var fields []string
	for _, d := range st.Details() {
		if br, ok := d.(*errdetails.BadRequest); ok {
			for _, v := range br.GetFieldViolations() {
				fields = append(fields, v.GetField())
			}
		}
	}
	return fields
}

func (h *harness) seedTest(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	reg, err := h.client.RegisterTest(ctx, &ollyllmv1.RegisterTestRequest{BlobURL: "s3://tests/smoke.tar"})
	require.NoError(t, err)
	_, err = h.client.CreateTestVersion(ctx, &ollyllmv1.CreateTestVersionRequest{
		TestRegistrationID: reg.ID, Name: "smoke", Version: "1",
	})
	require.NoError(t, err)
	return int64(reg.ID)
}

func TestReportSpanParentChildTrace(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()

	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{
		wireSpan("s1", "", t0),
		wireSpan("s2", "s1", t0.Add(time.Second)),
	}})
	require.NoError(t, err)

	resp, err := h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t1"})
	require.NoError(t, err)
	require.Len(t, resp.Spans, 2)
	assert.Equal(t, "s1", resp.Spans[0].ID)
	assert.Equal(t, "", resp.Spans[0].ParentID)
	assert.Equal(t, "s2", resp.Spans[1].ID)
	assert.Equal(t, "s1", resp.Spans[1].ParentID)
	assert.Empty(t, resp.OrphanIDs)
}

func TestReportSpanRejectsReversedTimestampAtAnyPosition(t *testing.T) {
	for pos := range 3 {
		t.Run(fmt.Sprintf("position %d", pos), func(t *testing.T) {
			h := startServer(t, nil)
			spans := []ollyllmv1.Span{
				wireSpan("a", "", t0),
				wireSpan("b", "a", t0),
				wireSpan("c", "a", t0),
			}
			spans[pos].EndTimestamp = ptr(t0.Add(-time.Second))

			_, err := h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{Spans: spans})
			st := requireCode(t, err, codes.InvalidArgument)
			assert.Equal(t, []string{fmt.Sprintf("spans[%d].end_timestamp", pos)}, violations(st))
			assert.Zero(t, h.gw.Calls(), "storage must not be touched")
		})
	}
}

func TestReportSpanCollectsAllViolations(t *testing.T) {
	h := startServer(t, nil)
	bad := wireSpan("", "", time.Time{})
	bad.ExternalUUID = "not-a-uuid"

	_, err := h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{bad}})
	st := requireCode(t, err, codes.InvalidArgument)
	assert.ElementsMatch(t, []string{
		"spans[0].external_uuid",
		"spans[0].id",
		"spans[0].start_timestamp",
	}, violations(st))
}

func TestReportSpanEmptyBatch(t *testing.T) {
	h := startServer(t, nil)
	_, err := h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestReportSpanBatchLimit(t *testing.T) {
	h := startServer(t, func(c *server.ServerConfig) { c.MaxBatchSpans = 2 })
	_, err := h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{
		wireSpan("a", "", t0), wireSpan("b", "", t0), wireSpan("c", "", t0),
	}})
	requireCode(t, err, codes.InvalidArgument)
}

func TestReportSpanDuplicateOfStoredSpan(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	req := &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("s1", "", t0)}}
	_, err := h.client.ReportSpan(ctx, req)
	require.NoError(t, err)

	_, err = h.client.ReportSpan(ctx, req)
	st := requireCode(t, err, codes.InvalidArgument)
	assert.Equal(t, "span id already reported", st.Message())
}

func TestGetTraceReportsOrphans(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{
		wireSpan("child", "parent-not-yet-reported", t0),
	}})
	require.NoError(t, err)

	resp, err := h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, resp.OrphanIDs)
}

func TestGetTraceParentInAnotherTraceIsNotOrphan(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	callee := wireSpan("callee", "caller", t0.Add(time.Second))
	callee.TraceID = "t2"
	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{
		wireSpan("caller", "", t0), callee,
	}})
	require.NoError(t, err)

	resp, err := h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t2"})
	require.NoError(t, err)
	require.Len(t, resp.Spans, 1)
	assert.Empty(t, resp.OrphanIDs)
}

func TestGetTraceIncludesLogsOnRequest(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{
		wireSpan("s1", "", t0), wireSpan("s2", "s1", t0.Add(time.Second)),
	}})
	require.NoError(t, err)
	_, err = h.client.ReportLogs(ctx, &ollyllmv1.ReportLogsRequest{Logs: []ollyllmv1.LogEntry{
		{SpanID: "s2", Timestamp: t0.Add(2 * time.Second), Message: "second"},
		{SpanID: "s1", Timestamp: t0, Message: "first"},
	}})
	require.NoError(t, err)

	resp, err := h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Logs)

	resp, err = h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t1", IncludeLogs: true})
	require.NoError(t, err)
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, "first", resp.Logs[0].Message)
	assert.Equal(t, "s2", resp.Logs[1].SpanID)
}

func TestGetTraceNotFound(t *testing.T) {
	h := startServer(t, nil)
	_, err := h.client.GetTrace(context.Background(), &ollyllmv1.GetTraceRequest{TraceID: "nope"})
	requireCode(t, err, codes.NotFound)

	_, err = h.client.GetTrace(context.Background(), &ollyllmv1.GetTraceRequest{})
	requireCode(t, err, codes.InvalidArgument)
}

func TestReportLogs(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("s1", "", t0)}})
	require.NoError(t, err)

	_, err = h.client.ReportLogs(ctx, &ollyllmv1.ReportLogsRequest{Logs: []ollyllmv1.LogEntry{
		{SpanID: "s1", Timestamp: t0, Message: "hello"},
	}})
	require.NoError(t, err)

	_, err = h.client.ReportLogs(ctx, &ollyllmv1.ReportLogsRequest{Logs: []ollyllmv1.LogEntry{
		{SpanID: "missing", Timestamp: t0, Message: "dangling"},
	}})
	st := requireCode(t, err, codes.NotFound)
	assert.Equal(t, "span not found", st.Message())
}

func TestQueueTestAndClaimInRequestOrder(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	testID := h.seedTest(t)

	for i, ts := range []time.Time{t0.Add(time.Minute), t0} {
		_, err := h.client.QueueTest(ctx, &ollyllmv1.TestExecutionRequest{
			SessionID:        int64(i + 1),
			VersionedTest:    &ollyllmv1.VersionedTest{ID: testID, Version: 1},
			RequestTimestamp: ts,
			TestInput:        []byte("input"),
		})
		require.NoError(t, err)
	}

	first, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, first.Found)
	assert.Equal(t, int64(2), first.Test.SessionID, "earlier request_timestamp first")
	assert.Equal(t, []byte("input"), first.Test.TestInput)

	second, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, second.Found)
	assert.Equal(t, int64(1), second.Test.SessionID)

	empty, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	require.NoError(t, err)
	assert.False(t, empty.Found)
	assert.Nil(t, empty.Test)
}

func TestQueueTestUnknownVersion(t *testing.T) {
	h := startServer(t, nil)
	testID := h.seedTest(t)
	_, err := h.client.QueueTest(context.Background(), &ollyllmv1.TestExecutionRequest{
		SessionID:        1,
		VersionedTest:    &ollyllmv1.VersionedTest{ID: testID, Version: 9},
		RequestTimestamp: t0,
	})
	st := requireCode(t, err, codes.NotFound)
	assert.Equal(t, "versioned test not found", st.Message())
}

func TestQueueTestValidation(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()

	_, err := h.client.QueueTest(ctx, &ollyllmv1.TestExecutionRequest{SessionID: 1, RequestTimestamp: t0})
	st := requireCode(t, err, codes.InvalidArgument)
	assert.Equal(t, []string{"versioned_test"}, violations(st))

	_, err = h.client.QueueTest(ctx, &ollyllmv1.TestExecutionRequest{
		VersionedTest: &ollyllmv1.VersionedTest{ID: 1, Version: 1},
	})
	st = requireCode(t, err, codes.InvalidArgument)
	assert.ElementsMatch(t, []string{"session_id", "request_timestamp"}, violations(st))
	assert.Zero(t, h.gw.Calls())
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	testID := h.seedTest(t)

	const entries = 10
	for i := range entries {
		_, err := h.client.QueueTest(ctx, &ollyllmv1.TestExecutionRequest{
			SessionID:        int64(i + 1),
			VersionedTest:    &ollyllmv1.VersionedTest{ID: testID, Version: 1},
			RequestTimestamp: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := range 4 {
		g.Go(func() error {
			for {
				resp, err := h.client.ClaimTest(gctx, &ollyllmv1.ClaimTestRequest{WorkerID: fmt.Sprintf("w%d", w)})
				if err != nil {
					return err
				}
				if !resp.Found {
					return nil
				}
				mu.Lock()
				dup := seen[resp.Test.QueueID]
				seen[resp.Test.QueueID] = true
				mu.Unlock()
				if dup {
					return fmt.Errorf("queue entry %d delivered twice", resp.Test.QueueID)
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, entries)
}

func TestFinishTest(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	testID := h.seedTest(t)
	_, err := h.client.QueueTest(ctx, &ollyllmv1.TestExecutionRequest{
		SessionID: 1, VersionedTest: &ollyllmv1.VersionedTest{ID: testID, Version: 1}, RequestTimestamp: t0,
	})
	require.NoError(t, err)
	claimed, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	require.NoError(t, err)
	id := claimed.Test.QueueID

	_, err = h.client.FinishTest(ctx, &ollyllmv1.FinishTestRequest{QueueID: id, WorkerID: "w1", Status: "claimed"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.FinishTest(ctx, &ollyllmv1.FinishTestRequest{QueueID: id, WorkerID: "w2", Status: "completed"})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = h.client.FinishTest(ctx, &ollyllmv1.FinishTestRequest{QueueID: id, WorkerID: "w1", Status: "completed"})
	require.NoError(t, err)

	_, err = h.client.FinishTest(ctx, &ollyllmv1.FinishTestRequest{QueueID: id + 100, WorkerID: "w1", Status: "failed"})
	requireCode(t, err, codes.NotFound)
}

func TestCreateTestVersionErrors(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	testID := h.seedTest(t)

	_, err := h.client.CreateTestVersion(ctx, &ollyllmv1.CreateTestVersionRequest{
		TestRegistrationID: int32(testID), Name: "smoke", Version: "1",
	})
	requireCode(t, err, codes.AlreadyExists)

	_, err = h.client.CreateTestVersion(ctx, &ollyllmv1.CreateTestVersionRequest{
		TestRegistrationID: 999, Name: "smoke", Version: "1",
	})
	requireCode(t, err, codes.NotFound)
}

func TestRegisterTestValidation(t *testing.T) {
	h := startServer(t, nil)
	_, err := h.client.RegisterTest(context.Background(), &ollyllmv1.RegisterTestRequest{
		BlobURL:  "relative/path",
		Metadata: []byte(`{"owner":"evals"}`),
	})
	st := requireCode(t, err, codes.InvalidArgument)
	assert.Equal(t, []string{"blob_url"}, violations(st))
	assert.Equal(t, "invalid request: blob_url: must be an absolute URL", st.Message())
}

func TestStorageErrorsDoNotLeak(t *testing.T) {
	h := startServer(t, nil)
	secret := `password authentication failed for user "ollyllm" at 10.1.2.3`
	h.gw.fail(errors.New(secret))

	_, err := h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("s1", "", t0)}})
	st := requireCode(t, err, codes.Internal)
	assert.NotContains(t, st.Message(), "password")
	assert.NotContains(t, st.Message(), "10.1.2.3")

	h.gw.fail(fmt.Errorf("storage: enqueue: %w: %s", storage.ErrUnavailable, secret))
	_, err = h.client.ClaimTest(context.Background(), &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	st = requireCode(t, err, codes.Unavailable)
	assert.NotContains(t, st.Message(), "password")
}

func TestPanicIsRecovered(t *testing.T) {
	h := startServer(t, nil)
	h.gw.panicIn("GetTrace")

	_, err := h.client.GetTrace(context.Background(), &ollyllmv1.GetTraceRequest{TraceID: "t1"})
	st := requireCode(t, err, codes.Internal)
	assert.NotContains(t, st.Message(), "boom")

	// The server keeps serving after a panic.
	h.gw.panicIn("")
	_, err = h.client.ReportSpan(context.Background(), &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("s1", "", t0)}})
	require.NoError(t, err)
}

func TestRequestIDEchoed(t *testing.T) {
	h := startServer(t, nil)
	ctx := metadata.AppendToOutgoingContext(context.Background(), server.RequestIDHeader, "req-123")

	var header metadata.MD
	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("s1", "", t0)}},
		grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-123"}, header.Get(server.RequestIDHeader))

	header = nil
	_, err = h.client.ClaimTest(context.Background(), &ollyllmv1.ClaimTestRequest{WorkerID: "w1"}, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(server.RequestIDHeader), 1)
	assert.NotEmpty(t, header.Get(server.RequestIDHeader)[0])
}

func TestServerVersionHeader(t *testing.T) {
	h := startServer(t, func(cfg *server.ServerConfig) { cfg.Version = "v1.2.3" })

	var header metadata.MD
	_, err := h.client.ClaimTest(context.Background(), &ollyllmv1.ClaimTestRequest{WorkerID: "w1"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.2.3"}, header.Get(server.ServerVersionHeader))

	bare := startServer(t, nil)
	header = nil
	_, err = bare.client.ClaimTest(context.Background(), &ollyllmv1.ClaimTestRequest{WorkerID: "w1"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Empty(t, header.Get(server.ServerVersionHeader))
}

func TestHealthCheck(t *testing.T) {
	h := startServer(t, nil)
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ollyllmv1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	h := startServer(t, func(c *server.ServerConfig) { c.Limiter = limiter })
	ctx := context.Background()

	for range 2 {
		_, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
		require.NoError(t, err)
	}
	_, err := h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w1"})
	requireCode(t, err, codes.ResourceExhausted)

	// Health checks are exempt.
	_, err = healthpb.NewHealthClient(h.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
}

func TestMalformedPayloadIsInvalidArgument(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		method  string
		payload any
	}{
		{"wrong field type", ollyllmv1.QueueTestFullMethodName, map[string]any{"session_id": "nope"}},
		{"unparseable timestamp", ollyllmv1.ReportSpanFullMethodName, map[string]any{
			"spans": []map[string]any{{"id": "a", "trace_id": "t1", "start_timestamp": "yesterday"}},
		}},
		{"not an object", ollyllmv1.ClaimTestFullMethodName, []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.conn.Invoke(ctx, tt.method, tt.payload, &ollyllmv1.Ack{},
				grpc.CallContentSubtype(ollyllmv1.CodecName))
			st := requireCode(t, err, codes.InvalidArgument)
			assert.Equal(t, "malformed request", st.Message())
		})
	}
	assert.Zero(t, h.gw.Calls())
}

func TestGetTest(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()
	testID := int32(h.seedTest(t))
	_, err := h.client.CreateTestVersion(ctx, &ollyllmv1.CreateTestVersionRequest{
		TestRegistrationID: testID, Name: "smoke", Version: "2",
	})
	require.NoError(t, err)

	all, err := h.client.GetTest(ctx, &ollyllmv1.GetTestRequest{TestRegistrationID: testID})
	require.NoError(t, err)
	assert.Equal(t, "s3://tests/smoke.tar", all.Registration.BlobURL)
	require.Len(t, all.Versions, 2)
	assert.Equal(t, "1", all.Versions[0].Version)

	one, err := h.client.GetTest(ctx, &ollyllmv1.GetTestRequest{TestRegistrationID: testID, Version: "2"})
	require.NoError(t, err)
	require.Len(t, one.Versions, 1)
	assert.Equal(t, "2", one.Versions[0].Version)

	_, err = h.client.GetTest(ctx, &ollyllmv1.GetTestRequest{TestRegistrationID: testID, Version: "9"})
	st := requireCode(t, err, codes.NotFound)
	assert.Equal(t, "test version not found", st.Message())

	_, err = h.client.GetTest(ctx, &ollyllmv1.GetTestRequest{TestRegistrationID: testID + 100})
	st = requireCode(t, err, codes.NotFound)
	assert.Equal(t, "test registration not found", st.Message())

	_, err = h.client.GetTest(ctx, &ollyllmv1.GetTestRequest{Version: "1\x00"})
	st = requireCode(t, err, codes.InvalidArgument)
	assert.ElementsMatch(t, []string{"test_registration_id", "version"}, violations(st))
}

func TestNULBytesRejectedBeforeStorage(t *testing.T) {
	h := startServer(t, nil)
	ctx := context.Background()

	_, err := h.client.ReportSpan(ctx, &ollyllmv1.ReportSpanRequest{Spans: []ollyllmv1.Span{wireSpan("a\x00", "", t0)}})
	st := requireCode(t, err, codes.InvalidArgument)
	assert.Equal(t, []string{"spans[0].id"}, violations(st))

	_, err = h.client.ClaimTest(ctx, &ollyllmv1.ClaimTestRequest{WorkerID: "w\x00"})
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.client.GetTrace(ctx, &ollyllmv1.GetTraceRequest{TraceID: "t\x001"})
	requireCode(t, err, codes.InvalidArgument)

	assert.Zero(t, h.gw.Calls())
}
