package submitter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/obsidianstack/changeagent/agent/internal/config"
	"github.com/obsidianstack/changeagent/pkg/rpc"
	"github.com/obsidianstack/changeagent/pkg/types"
)

// Client is an established connection to the collection service.
type Client interface {
	FetchInitialState(ctx context.Context, machineID uint64) (types.State, error)
	SendEvents(ctx context.Context, batch types.EventBatch) (types.Ack, error)
	Close() error
}

// connectFunc opens a Client. Abstracted so tests can skip the network.
type connectFunc func(ctx context.Context) (Client, error)

// Dial connects to cfg.Target() and waits until the channel is ready.
// A channel that reaches TransientFailure or Shutdown first yields a
// *ConnectionError; Dial never retries on its own.
func Dial(ctx context.Context, cfg config.AgentConfig, decorators ...RequestDecorator) (Client, error) {
	target := cfg.Target()
	fail := func(err error) (Client, error) {
		return nil, &ConnectionError{Op: OpConnect, Target: target, Err: err}
	}

	opts, err := dialOptions(cfg, decorators)
	if err != nil {
		return fail(err)
	}

	conn, err := grpc.DialContext(ctx, target, opts...) //nolint:staticcheck
	if err != nil {
		return fail(err)
	}
	if err := awaitReady(ctx, conn); err != nil {
		conn.Close()
		return fail(err)
	}

	return &grpcClient{conn: conn, rpc: rpc.NewEventServiceClient(conn)}, nil
}

// awaitReady drives conn out of Idle and blocks until it is Ready.
func awaitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel %s before ready", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func dialOptions(cfg config.AgentConfig, decorators []RequestDecorator) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if cfg.ServerAuth.Mode == "mtls" {
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	base, err := NewDecorator(cfg.ServerAuth, cfg.MachineID)
	if err != nil {
		return nil, err
	}
	if base != nil {
		decorators = append([]RequestDecorator{base}, decorators...)
	}
	if len(decorators) > 0 {
		opts = append(opts, grpc.WithUnaryInterceptor(decoratorInterceptor(decorators)))
	}

	if cfg.Compression != "" && cfg.Compression != rpc.CompressionNone {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(cfg.Compression)))
	}

	return opts, nil
}

func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// grpcClient is the Client returned by Dial.
type grpcClient struct {
	conn *grpc.ClientConn
	rpc  *rpc.EventServiceClient
}

func (c *grpcClient) FetchInitialState(ctx context.Context, machineID uint64) (types.State, error) {
	st, err := c.rpc.FetchInitialState(ctx, &rpc.InitialStateRequest{MachineID: machineID})
	if err != nil {
		return types.State{}, err
	}
	return *st, nil
}

func (c *grpcClient) SendEvents(ctx context.Context, batch types.EventBatch) (types.Ack, error) {
	ack, err := c.rpc.SendEvents(ctx, &batch)
	if err != nil {
		return types.Ack{}, err
	}
	return *ack, nil
}

func (c *grpcClient) Close() error { return c.conn.Close() }
