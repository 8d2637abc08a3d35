package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// CallbackClient calls the WorkerCallback service.
type CallbackClient struct {
	conn grpc.ClientConnInterface
}

// NewCallbackClient wraps an established connection.
func NewCallbackClient(conn grpc.ClientConnInterface) *CallbackClient {
	return &CallbackClient{conn: conn}
}

func (client *CallbackClient) ReportResult(ctx context.Context, request *ReportResultRequest) (*CheckupStatusResponse, error) {
	response := new(CheckupStatusResponse)
	if err := client.conn.Invoke(ctx, fullMethodReportResult, request, response, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *CallbackClient) ReportFailure(ctx context.Context, request *ReportFailureRequest) (*CheckupStatusResponse, error) {
	response := new(CheckupStatusResponse)
	if err := client.conn.Invoke(ctx, fullMethodReportFailure, request, response, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return response, nil
}
