package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollyllm/ollyllm/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func span(id, parent string, offset time.Duration) model.Span {
	return model.Span{ID: id, TraceID: "t1", ParentID: parent, OperationName: "op-" + id, StartedAt: t0.Add(offset)}
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Span.ID)
	}
	return out
}

func TestBuildForestParentChild(t *testing.T) {
	// Child reported before its parent.
	f := BuildForest([]model.Span{
		span("s2", "s1", 2*time.Second),
		span("s1", "", 0),
	})

	require.Len(t, f.Roots, 1)
	assert.Equal(t, "s1", f.Roots[0].Span.ID)
	assert.Equal(t, []string{"s2"}, ids(f.Roots[0].Children))
	assert.Empty(t, f.Orphans)
	assert.Empty(t, f.Detached)
	assert.Equal(t, 2, f.Len())
}

func TestBuildForestSiblingOrder(t *testing.T) {
	f := BuildForest([]model.Span{
		span("root", "", 0),
		span("c", "root", 3*time.Second),
		span("b", "root", time.Second),
		span("a", "root", time.Second),
	})
	require.Len(t, f.Roots, 1)
	assert.Equal(t, []string{"a", "b", "c"}, ids(f.Roots[0].Children))
}

func TestBuildForestOrphans(t *testing.T) {
	f := BuildForest([]model.Span{
		span("root", "", 0),
		span("lost", "never-reported", time.Second),
		span("lost-child", "lost", 2*time.Second),
	})
	assert.Equal(t, []string{"root"}, ids(f.Roots))
	assert.Equal(t, []string{"lost"}, ids(f.Orphans))
	assert.Equal(t, []string{"lost-child"}, ids(f.Orphans[0].Children))
	assert.Equal(t, 3, f.Len())
}

func TestBuildForestCycleIsDetached(t *testing.T) {
	f := BuildForest([]model.Span{
		span("a", "b", 0),
		span("b", "a", time.Second),
		span("root", "", 0),
	})
	assert.Equal(t, []string{"root"}, ids(f.Roots))
	assert.Empty(t, f.Orphans)
	assert.Len(t, f.Detached, 2)
	assert.Equal(t, 1, f.Len())
}

func TestBuildForestDuplicateKeepsFirst(t *testing.T) {
	first := span("s1", "", 0)
	second := span("s1", "", time.Second)
	second.OperationName = "other"
	f := BuildForest([]model.Span{first, second})
	require.Len(t, f.Roots, 1)
	assert.Equal(t, "op-s1", f.Roots[0].Span.OperationName)
}

func TestForestString(t *testing.T) {
	f := BuildForest([]model.Span{
		span("s1", "", 0),
		span("s2", "s1", time.Second),
		span("s9", "gone", 2*time.Second),
	})
	assert.Equal(t, "s1 op-s1\n  s2 op-s2\ns9 op-s9 (parent gone not in trace)\n", f.String())
}

type fakeReader struct {
	spans   []model.Span
	orphans []model.Span
	logs    []model.Log
	err     error
	logErr  error
}

func (r fakeReader) GetTrace(context.Context, string) ([]model.Span, error) {
	return r.spans, r.err
}

func (r fakeReader) FindOrphanSpans(context.Context, string) ([]model.Span, error) {
	return r.orphans, nil
}

func (r fakeReader) GetTraceLogs(context.Context, string) ([]model.Log, error) {
	return r.logs, r.logErr
}

func TestServiceGet(t *testing.T) {
	svc := NewService(fakeReader{spans: []model.Span{span("s1", "", 0), span("s2", "s1", time.Second)}})
	tr, err := svc.Get(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Len(t, tr.Spans, 2)
	assert.Equal(t, 2, tr.Forest.Len())
	assert.Empty(t, tr.OrphanIDs)
	assert.Nil(t, tr.Logs)
}

func TestServiceGetOrphansComeFromStorage(t *testing.T) {
	// "remote" has its parent in another trace: a local orphan in the forest,
	// but not an orphan in storage. "late" was stored after the span read.
	svc := NewService(fakeReader{
		spans:   []model.Span{span("s1", "", 0), span("remote", "other-trace-span", time.Second), span("lost", "gone", 2*time.Second)},
		orphans: []model.Span{span("lost", "gone", 2*time.Second), span("late", "gone", 3*time.Second)},
	})
	tr, err := svc.Get(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"lost"}, tr.OrphanIDs)
	assert.ElementsMatch(t, []string{"remote", "lost"}, ids(tr.Forest.Orphans))
}

func TestServiceGetWithLogs(t *testing.T) {
	logs := []model.Log{{SpanID: "s1", Timestamp: t0, Message: "hello"}}
	tr, err := NewService(fakeReader{spans: []model.Span{span("s1", "", 0)}, logs: logs}).Get(context.Background(), "t1", true)
	require.NoError(t, err)
	assert.Equal(t, logs, tr.Logs)

	boom := errors.New("boom")
	_, err = NewService(fakeReader{spans: []model.Span{span("s1", "", 0)}, logErr: boom}).Get(context.Background(), "t1", true)
	assert.ErrorIs(t, err, boom)
}

func TestServiceGetPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewService(fakeReader{err: boom}).Get(context.Background(), "t1", false)
	assert.ErrorIs(t, err, boom)
}
