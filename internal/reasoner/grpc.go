package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClassifyMethod is the full gRPC method name of the reasoning sidecar.
const ClassifyMethod = "/cps.reasoner.v1.Reasoner/Classify"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC reasoner client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC calls a reasoning sidecar over a unary gRPC method carrying
// google.protobuf.Struct messages in the collaborator's JSON shape.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC dials the sidecar and waits until the connection is ready.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger, extra ...grpc.DialOption) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, extra...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create reasoner connection to %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("reasoner at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to reasoning sidecar", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Reasoner.
func (c *GRPC) Name() string { return "grpc" }

// Close closes the gRPC connection.
func (c *GRPC) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Reason implements Reasoner.
func (c *GRPC) Reason(ctx context.Context, req Request) (*Classification, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return nil, unavailable(c.Name(), err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		c.logger.Error("reasoner call failed", "session_id", req.SessionID, "address", c.addr, "error", err)
		return nil, unavailable(c.Name(), err)
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, unavailable(c.Name(), err)
	}
	return Decode(string(raw))
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	return structpb.NewStruct(map[string]any{
		"session_id":           req.SessionID,
		"message":              req.Message,
		"conversation_history": history,
		"current_stage":        string(req.CurrentStage),
		"locale":               req.Locale,
	})
}
