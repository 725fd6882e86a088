package clients

import (
	"context"
	"fmt"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"canopy-ledger/internal/services/earnings/grpcapi"
)

// GRPCClients holds the gateway's connection to the earnings worker.
type GRPCClients struct {
	OrderEvents *grpcapi.OrderEventsClient
	Health      healthpb.HealthClient
	workerConn  *grpc.ClientConn
}

func NewGRPCClients(workerAddr string) (*GRPCClients, error) {
	workerConn, err := grpc.NewClient(workerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("earnings worker connection failed: %w", err)
	}

	log.Printf("gRPC client for earnings worker at %s ready", workerAddr)
	return &GRPCClients{
		OrderEvents: grpcapi.NewOrderEventsClient(workerConn),
		Health:      healthpb.NewHealthClient(workerConn),
		workerConn:  workerConn,
	}, nil
}

// WorkerStatus asks the worker's health service about the order events service.
func (c *GRPCClients) WorkerStatus(ctx context.Context) (string, error) {
	if c == nil || c.Health == nil {
		return "unavailable", fmt.Errorf("worker client not initialized")
	}
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcapi.OrderEventsServiceName})
	if err != nil {
		return "unavailable", err
	}
	return resp.GetStatus().String(), nil
}

func (c *GRPCClients) Close() {
	if c != nil && c.workerConn != nil {
		c.workerConn.Close()
	}
}
