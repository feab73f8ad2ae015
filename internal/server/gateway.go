package server

import (
	"context"

	"github.com/ollyllm/ollyllm/internal/model"
	"github.com/ollyllm/ollyllm/internal/service/trace"
)

// Gateway is the persistence surface the RPC handlers depend on.
// *storage.DB implements it; tests substitute an in-memory fake.
type Gateway interface {
	trace.Reader

	InsertSpanBatch(ctx context.Context, spans []model.Span) (int64, error)
	InsertLogs(ctx context.Context, logs []model.Log) ([]int64, error)

	CreateTestRegistration(ctx context.Context, reg model.TestRegistration) (model.TestRegistration, error)
	GetTestRegistration(ctx context.Context, id int32) (model.TestRegistration, error)
	CreateTestVersion(ctx context.Context, v model.TestVersion) (model.TestVersion, error)
	GetTestVersion(ctx context.Context, registrationID int32, version string) (model.TestVersion, error)
	ListTestVersions(ctx context.Context, registrationID int32) ([]model.TestVersion, error)

	EnqueueTestExecution(ctx context.Context, req model.TestExecutionRequest) (model.QueuedTest, error)
	FetchNextQueuedTest(ctx context.Context, workerID string) (model.QueuedTest, error)
	FinishQueuedTest(ctx context.Context, id int64, workerID string, status model.QueueStatus) (model.QueuedTest, error)
}
