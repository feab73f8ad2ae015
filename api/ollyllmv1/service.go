package ollyllmv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "ollyllm.v1.OllyllmService"

// Full method names, as seen by interceptors in grpc.UnaryServerInfo.FullMethod.
const (
	ReportSpanFullMethodName        = "/" + ServiceName + "/ReportSpan"
	QueueTestFullMethodName         = "/" + ServiceName + "/QueueTest"
	ReportLogsFullMethodName        = "/" + ServiceName + "/ReportLogs"
	RegisterTestFullMethodName      = "/" + ServiceName + "/RegisterTest"
	CreateTestVersionFullMethodName = "/" + ServiceName + "/CreateTestVersion"
	ClaimTestFullMethodName         = "/" + ServiceName + "/ClaimTest"
	FinishTestFullMethodName        = "/" + ServiceName + "/FinishTest"
	GetTraceFullMethodName          = "/" + ServiceName + "/GetTrace"
	GetTestFullMethodName           = "/" + ServiceName + "/GetTest"
)

// OllyllmServiceServer is the server API for OllyllmService.
type OllyllmServiceServer interface {
	// ReportSpan stores a batch of spans atomically.
	ReportSpan(context.Context, *ReportSpanRequest) (*Ack, error)
	// QueueTest durably enqueues a test execution request.
	QueueTest(context.Context, *TestExecutionRequest) (*Ack, error)
	ReportLogs(context.Context, *ReportLogsRequest) (*Ack, error)
	RegisterTest(context.Context, *RegisterTestRequest) (*RegisterTestResponse, error)
	CreateTestVersion(context.Context, *CreateTestVersionRequest) (*CreateTestVersionResponse, error)
	// ClaimTest hands the oldest queued test to one worker.
	ClaimTest(context.Context, *ClaimTestRequest) (*ClaimTestResponse, error)
	FinishTest(context.Context, *FinishTestRequest) (*Ack, error)
	GetTrace(context.Context, *GetTraceRequest) (*GetTraceResponse, error)
	// GetTest returns a registration with its versions.
	GetTest(context.Context, *GetTestRequest) (*GetTestResponse, error)
}

// RegisterOllyllmServiceServer registers srv on s.
func RegisterOllyllmServiceServer(s grpc.ServiceRegistrar, srv OllyllmServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// MalformedRequestError is returned when a request payload cannot be decoded.
// The client sees InvalidArgument with a fixed message; Error keeps the
// decoder detail for server logs.
type MalformedRequestError struct {
	FullMethod string
	Err        error
}

func (e *MalformedRequestError) Error() string {
	return "ollyllmv1: malformed " + e.FullMethod + " request: " + e.Err.Error()
}

func (e *MalformedRequestError) Unwrap() error { return e.Err }

// GRPCStatus implements the interface status.FromError looks for.
func (e *MalformedRequestError) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, "malformed request")
}

// unaryHandler builds a grpc.MethodHandler for one method. It decodes the
// request, then calls invoke directly or through the interceptor chain.
// A payload that fails to decode still passes through the interceptors so it
// is logged, traced and rate limited like any other call.
func unaryHandler[Req, Resp any](
	fullMethod string,
	invoke func(OllyllmServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv.(OllyllmServiceServer), ctx, req.(*Req))
		}
		if err := dec(in); err != nil {
			derr := &MalformedRequestError{FullMethod: fullMethod, Err: err}
			handler = func(context.Context, any) (any, error) { return nil, derr }
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for OllyllmService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OllyllmServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportSpan",
			Handler:    unaryHandler(ReportSpanFullMethodName, OllyllmServiceServer.ReportSpan),
		},
		{
			MethodName: "QueueTest",
			Handler:    unaryHandler(QueueTestFullMethodName, OllyllmServiceServer.QueueTest),
		},
		{
			MethodName: "ReportLogs",
			Handler:    unaryHandler(ReportLogsFullMethodName, OllyllmServiceServer.ReportLogs),
		},
		{
			MethodName: "RegisterTest",
			Handler:    unaryHandler(RegisterTestFullMethodName, OllyllmServiceServer.RegisterTest),
		},
		{
			MethodName: "CreateTestVersion",
			Handler:    unaryHandler(CreateTestVersionFullMethodName, OllyllmServiceServer.CreateTestVersion),
		},
		{
			MethodName: "ClaimTest",
			Handler:    unaryHandler(ClaimTestFullMethodName, OllyllmServiceServer.ClaimTest),
		},
		{
			MethodName: "FinishTest",
			Handler:    unaryHandler(FinishTestFullMethodName, OllyllmServiceServer.FinishTest),
		},
		{
			MethodName: "GetTrace",
			Handler:    unaryHandler(GetTraceFullMethodName, OllyllmServiceServer.GetTrace),
		},
		{
			MethodName: "GetTest",
			Handler:    unaryHandler(GetTestFullMethodName, OllyllmServiceServer.GetTest),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ollyllm/v1/ollyllm.proto",
}

// OllyllmServiceClient is the client API for OllyllmService.
type OllyllmServiceClient interface {
	ReportSpan(ctx context.Context, in *ReportSpanRequest, opts ...grpc.CallOption) (*Ack, error)
	QueueTest(ctx context.Context, in *TestExecutionRequest, opts ...grpc.CallOption) (*Ack, error)
	ReportLogs(ctx context.Context, in *ReportLogsRequest, opts ...grpc.CallOption) (*Ack, error)
	RegisterTest(ctx context.Context, in *RegisterTestRequest, opts ...grpc.CallOption) (*RegisterTestResponse, error)
	CreateTestVersion(ctx context.Context, in *CreateTestVersionRequest, opts ...grpc.CallOption) (*CreateTestVersionResponse, error)
	ClaimTest(ctx context.Context, in *ClaimTestRequest, opts ...grpc.CallOption) (*ClaimTestResponse, error)
	FinishTest(ctx context.Context, in *FinishTestRequest, opts ...grpc.CallOption) (*Ack, error)
	GetTrace(ctx context.Context, in *GetTraceRequest, opts ...grpc.CallOption) (*GetTraceResponse, error)
	GetTest(ctx context.Context, in *GetTestRequest, opts ...grpc.CallOption) (*GetTestResponse, error)
}

type ollyllmServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOllyllmServiceClient returns a client that speaks the JSON codec over cc.
func NewOllyllmServiceClient(cc grpc.ClientConnInterface) OllyllmServiceClient {
	return &ollyllmServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ollyllmServiceClient) ReportSpan(ctx context.Context, in *ReportSpanRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, ReportSpanFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) QueueTest(ctx context.Context, in *TestExecutionRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, QueueTestFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) ReportLogs(ctx context.Context, in *ReportLogsRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, ReportLogsFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) RegisterTest(ctx context.Context, in *RegisterTestRequest, opts ...grpc.CallOption) (*RegisterTestResponse, error) {
	return invoke[RegisterTestResponse](ctx, c.cc, RegisterTestFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) CreateTestVersion(ctx context.Context, in *CreateTestVersionRequest, opts ...grpc.CallOption) (*CreateTestVersionResponse, error) {
	return invoke[CreateTestVersionResponse](ctx, c.cc, CreateTestVersionFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) ClaimTest(ctx context.Context, in *ClaimTestRequest, opts ...grpc.CallOption) (*ClaimTestResponse, error) {
	return invoke[ClaimTestResponse](ctx, c.cc, ClaimTestFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) FinishTest(ctx context.Context, in *FinishTestRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](ctx, c.cc, FinishTestFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) GetTrace(ctx context.Context, in *GetTraceRequest, opts ...grpc.CallOption) (*GetTraceResponse, error) {
	return invoke[GetTraceResponse](ctx, c.cc, GetTraceFullMethodName, in, opts)
}

func (c *ollyllmServiceClient) GetTest(ctx context.Context, in *GetTestRequest, opts ...grpc.CallOption) (*GetTestResponse, error) {
	return invoke[GetTestResponse](ctx, c.cc, GetTestFullMethodName, in, opts)
}
