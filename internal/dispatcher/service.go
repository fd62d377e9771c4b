// Package dispatcher, service.go
//
// gRPC mTLS server wiring for the Dispatcher, adapted from the teacher's
// gossip/server.go ListenAndServe pattern: a TLS 1.3 listener when TLS
// material is configured (requiring a client certificate only when a CA
// file is also set), falling back to
// plaintext credentials otherwise (a workerd node running inside a
// trusted cluster network, unlike the gossip layer's public envelope
// exchange, does not always need mTLS between a node and its own
// co-located clients).
//
// There is no protoc-generated service here: the grpc.ServiceDesc below
// is built by hand, the same shape generated code takes, with every
// method decoding/encoding through the msgpack codec registered in
// codec.go.
package dispatcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/corehost/workerd/internal/apierr"
)

// ServiceName is the gRPC fully-qualified service name workerd exposes.
const ServiceName = "workerd.v1.WorkerService"

// unaryHandler adapts one Dispatcher method into a grpc.MethodDesc
// handler: decode request, call the method, encode the response.
func unaryHandler[Req, Resp any](call func(context.Context, Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		var req Req
		if err := dec(&req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		resp, err := call(ctx, req)
		if err != nil {
			return nil, toGRPCStatus(err)
		}
		return resp, nil
	}
}

// toGRPCStatus maps a domain apierr.Error to a grpc status code; every
// other error becomes codes.Internal.
func toGRPCStatus(err error) error {
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch apiErr.Kind {
	case apierr.KindWorkerNotFound:
		return status.Error(codes.NotFound, apiErr.Error())
	case apierr.KindWorkerAlreadyExists:
		return status.Error(codes.AlreadyExists, apiErr.Error())
	case apierr.KindWrongShard:
		return status.Error(codes.Unavailable, apiErr.Error())
	case apierr.KindInvalidRequest, apierr.KindValueMismatch:
		return status.Error(codes.InvalidArgument, apiErr.Error())
	case apierr.KindInterrupted:
		return status.Error(codes.Aborted, apiErr.Error())
	case apierr.KindOutOfMemory:
		return status.Error(codes.ResourceExhausted, apiErr.Error())
	default:
		return status.Error(codes.Internal, apiErr.Error())
	}
}

// ServiceDesc builds the hand-rolled grpc.ServiceDesc for d, one
// grpc.MethodDesc per request/response pair in messages.go plus the two
// streaming endpoints.
func (d *Dispatcher) ServiceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Create", Handler: unaryHandler(d.Create)},
			{MethodName: "Invoke", Handler: unaryHandler(d.Invoke)},
			{MethodName: "InvokeAndAwait", Handler: unaryHandler(d.InvokeAndAwait)},
			{MethodName: "Delete", Handler: unaryHandler(d.Delete)},
			{MethodName: "Interrupt", Handler: unaryHandler(d.Interrupt)},
			{MethodName: "Resume", Handler: unaryHandler(d.Resume)},
			{MethodName: "CancelInvocation", Handler: unaryHandler(d.CancelInvocation)},
			{MethodName: "CompletePromise", Handler: unaryHandler(d.CompletePromise)},
			{MethodName: "Update", Handler: unaryHandler(d.Update)},
			{MethodName: "GetMetadata", Handler: unaryHandler(d.GetMetadata)},
			{MethodName: "EnumerateWorkers", Handler: unaryHandler(d.EnumerateWorkers)},
			{MethodName: "EnumerateRunningWorkers", Handler: unaryHandler(d.EnumerateRunningWorkers)},
			{MethodName: "GetOplog", Handler: unaryHandler(d.GetOplog)},
			{MethodName: "SearchOplog", Handler: unaryHandler(d.SearchOplog)},
			{MethodName: "Fork", Handler: unaryHandler(d.Fork)},
			{MethodName: "Revert", Handler: unaryHandler(d.Revert)},
			{MethodName: "ActivatePlugin", Handler: unaryHandler(d.ActivatePlugin)},
			{MethodName: "DeactivatePlugin", Handler: unaryHandler(d.DeactivatePlugin)},
			{MethodName: "GetFileSystemNode", Handler: unaryHandler(d.GetFileSystemNode)},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "Connect", Handler: connectStreamHandler, ServerStreams: true},
			{StreamName: "GetFileContents", Handler: fileContentsStreamHandler, ServerStreams: true},
		},
		Metadata: "workerd.proto",
	}
}

func connectStreamHandler(srv any, stream grpc.ServerStream) error {
	d := srv.(*Dispatcher)
	var req ConnectRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return d.Connect(stream.Context(), req, func(ev ConnectEvent) error {
		return stream.SendMsg(&ev)
	})
}

func fileContentsStreamHandler(srv any, stream grpc.ServerStream) error {
	d := srv.(*Dispatcher)
	var req GetFileContentsRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return d.GetFileContents(stream.Context(), req, func(chunk FileChunk) error {
		return stream.SendMsg(&chunk)
	})
}

// ListenAndServe starts the gRPC server on addr. When certFile/keyFile
// are set, the listener serves TLS, and it requires a client cert
// verified against caFile only when caFile is set; otherwise it serves with insecure transport credentials,
// suitable for a node reachable only inside a trusted cluster network.
// Blocks until ctx is cancelled, then drains in-flight calls via
// GracefulStop.
func ListenAndServe(ctx context.Context, addr string, certFile, keyFile, caFile string, d *Dispatcher, log *zap.Logger) error {
	var creds credentials.TransportCredentials
	if certFile != "" {
		tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
		if err != nil {
			return fmt.Errorf("dispatcher: TLS config: %w", err)
		}
		creds = credentials.NewTLS(tlsCfg)
	} else {
		creds = insecure.NewCredentials()
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	grpcSrv.RegisterService(d.ServiceDesc(), d)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", addr, err)
	}

	log.Info("dispatcher listening", zap.String("addr", addr), zap.Bool("tls", certFile != ""))

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			grpcSrv.Stop()
		}
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("dispatcher: serve: %w", err)
	}
	return nil
}

func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = caPool
	}

	return cfg, nil
}
