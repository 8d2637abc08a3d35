package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	serviceName             = "checkupledger.callback.v1.WorkerCallback"
	methodReportResult      = "ReportResult"
	methodReportFailure     = "ReportFailure"
	fullMethodReportResult  = "/" + serviceName + "/" + methodReportResult
	fullMethodReportFailure = "/" + serviceName + "/" + methodReportFailure

	errorInvalidImageSampleID   = "invalid_image_sample_id"
	errorInvalidInferenceResult = "invalid_inference_result"
	errorImageSampleNotFound    = "image_sample_not_found"
	errorCheckupNotFound        = "checkup_not_found"
	errorCheckupClosed          = "checkup_closed"
)

// CallbackService is the slice of the ledger service the callback sink drives.
type CallbackService interface {
	ReportResult(ctx context.Context, report ledger.ImageResultReport) (ledger.Checkup, error)
	ReportFailure(ctx context.Context, sampleID ledger.ImageSampleID, message string) (ledger.Checkup, error)
}

// WorkerCallbackServer is the server API for the WorkerCallback service.
type WorkerCallbackServer interface {
	ReportResult(ctx context.Context, request *ReportResultRequest) (*CheckupStatusResponse, error)
	ReportFailure(ctx context.Context, request *ReportFailureRequest) (*CheckupStatusResponse, error)
}

// CallbackServer receives inference verdicts from workers.
type CallbackServer struct {
	callbacks CallbackService
}

// NewCallbackServer constructs the callback sink.
func NewCallbackServer(callbacks CallbackService) *CallbackServer {
	return &CallbackServer{callbacks: callbacks}
}

func (server *CallbackServer) ReportResult(ctx context.Context, request *ReportResultRequest) (*CheckupStatusResponse, error) {
	sampleID, err := ledger.NewImageSampleID(request.ImageSampleID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	checkup, err := server.callbacks.ReportResult(ctx, ledger.ImageResultReport{
		ImageSampleID: sampleID,
		Label:         request.Label,
		Model:         request.Model,
		Confidence:    request.Confidence,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return checkupStatus(checkup), nil
}

func (server *CallbackServer) ReportFailure(ctx context.Context, request *ReportFailureRequest) (*CheckupStatusResponse, error) {
	sampleID, err := ledger.NewImageSampleID(request.ImageSampleID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	checkup, err := server.callbacks.ReportFailure(ctx, sampleID, request.Message)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return checkupStatus(checkup), nil
}

func checkupStatus(checkup ledger.Checkup) *CheckupStatusResponse {
	return &CheckupStatusResponse{
		CheckupID:       checkup.ID.String(),
		Status:          string(checkup.Status),
		ResultLabel:     checkup.ResultLabel,
		FinalConfidence: checkup.FinalConfidence,
	}
}

// NewGRPCServer builds a grpc.Server with the callback and health services registered.
func NewGRPCServer(callbacks CallbackService, logger *zap.Logger, options ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	options = append(options, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	server := grpc.NewServer(options...)
	RegisterWorkerCallbackServer(server, NewCallbackServer(callbacks))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(started)),
		}
		if err != nil {
			logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return response, err
	}
}

// RegisterWorkerCallbackServer registers the implementation on a grpc registrar.
func RegisterWorkerCallbackServer(registrar grpc.ServiceRegistrar, server WorkerCallbackServer) {
	registrar.RegisterService(&workerCallbackServiceDesc, server)
}

var workerCallbackServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerCallbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodReportResult, Handler: reportResultHandler},
		{MethodName: methodReportFailure, Handler: reportFailureHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "checkupledger/callback/v1",
}

func reportResultHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(ReportResultRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(WorkerCallbackServer).ReportResult(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethodReportResult}
	handler := func(ctx context.Context, request any) (any, error) {
		return server.(WorkerCallbackServer).ReportResult(ctx, request.(*ReportResultRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func reportFailureHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(ReportFailureRequest)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(WorkerCallbackServer).ReportFailure(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethodReportFailure}
	handler := func(ctx context.Context, request any) (any, error) {
		return server.(WorkerCallbackServer).ReportFailure(ctx, request.(*ReportFailureRequest))
	}
	return interceptor(ctx, request, info, handler)
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidImageSampleID) {
		return status.Error(codes.InvalidArgument, errorInvalidImageSampleID)
	}
	if errors.Is(source, ledger.ErrInvalidInferenceResult) {
		return status.Error(codes.InvalidArgument, errorInvalidInferenceResult)
	}
	if errors.Is(source, ledger.ErrImageSampleNotFound) {
		return status.Error(codes.NotFound, errorImageSampleNotFound)
	}
	if errors.Is(source, ledger.ErrCheckupNotFound) {
		return status.Error(codes.NotFound, errorCheckupNotFound)
	}
	if errors.Is(source, ledger.ErrCheckupClosed) {
		return status.Error(codes.FailedPrecondition, errorCheckupClosed)
	}
	if errors.Is(source, context.Canceled) || errors.Is(source, context.DeadlineExceeded) {
		return status.FromContextError(source).Err()
	}
	return status.Error(codes.Internal, source.Error())
}
