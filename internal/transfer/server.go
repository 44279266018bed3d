package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/deploy"
)

// Deployer runs a deploy for a fully received artifact.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) *deploy.Result
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// MaxFileSize bounds the declared and received archive size.
	MaxFileSize int64
	// SpoolDir holds received archives while they are deployed. Empty uses
	// os.TempDir.
	SpoolDir string
	Logger   config.Logger
}

// Server receives Deploy streams and hands complete artifacts to a Deployer.
type Server struct {
	deployer Deployer
	maxSize  int64
	spoolDir string
	logger   config.Logger
}

// NewServer returns a Server.
func NewServer(d Deployer, opts ServerOptions) *Server {
	return &Server{
		deployer: d,
		maxSize:  opts.MaxFileSize,
		spoolDir: opts.SpoolDir,
		logger:   config.OrNop(opts.Logger),
	}
}

// Deploy implements DeployServiceServer. Protocol violations end the stream
// with a gRPC status; deploy failures are reported in the response.
func (s *Server) Deploy(stream DeployService_DeployServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, "empty deploy stream")
		}
		return err
	}
	hdr := first.Header
	if err := s.checkHeader(hdr); err != nil {
		return err
	}

	s.logger.Info("receiving artifact",
		"package", hdr.PackageName,
		"version", hdr.Version,
		"size", hdr.FileSize,
		"peer", peerAddr(ctx))

	path, err := s.spool(stream, hdr, first.Data)
	if err != nil {
		s.logger.Warn("transfer aborted", "package", hdr.PackageName, "error", err)
		return err
	}
	defer os.Remove(path)

	res := s.deployer.Deploy(ctx, deploy.Request{
		PackageName: hdr.PackageName,
		Version:     hdr.Version,
		ArchivePath: path,
		Digest:      hdr.FileHash,
		Signature:   hdr.Signature,
		PublicKey:   hdr.PublicKey,
		Metadata:    hdr.Metadata,
	})
	return stream.SendAndClose(responseFromResult(res))
}

func (s *Server) checkHeader(hdr *DeployHeader) error {
	switch {
	case hdr == nil:
		return status.Error(codes.InvalidArgument, "first message must carry the deploy header")
	case hdr.PackageName == "":
		return status.Error(codes.InvalidArgument, "package_name is required")
	case hdr.FileSize < 0:
		return status.Error(codes.InvalidArgument, "file_size must not be negative")
	case s.maxSize > 0 && hdr.FileSize > s.maxSize:
		return status.Errorf(codes.ResourceExhausted, "declared size %d exceeds max_file_size %d", hdr.FileSize, s.maxSize)
	}
	return nil
}

// spool writes the stream's data to a temporary file and returns its path.
// The running total is checked before each write, so an oversized upload is
// never buffered beyond one chunk.
func (s *Server) spool(stream DeployService_DeployServer, hdr *DeployHeader, initial []byte) (string, error) {
	f, err := os.CreateTemp(s.spoolDir, "adeploy-recv-*.tar.gz")
	if err != nil {
		return "", status.Errorf(codes.Internal, "create spool file: %v", err)
	}
	path := f.Name()
	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(path)
		}
	}()

	var total int64
	write := func(data []byte) error {
		if len(data) > MaxChunkSize {
			return status.Errorf(codes.InvalidArgument, "chunk of %d bytes exceeds %d", len(data), MaxChunkSize)
		}
		total += int64(len(data))
		if s.maxSize > 0 && total > s.maxSize {
			return status.Errorf(codes.ResourceExhausted, "received %d bytes, exceeds max_file_size %d", total, s.maxSize)
		}
		if total > hdr.FileSize {
			return status.Errorf(codes.InvalidArgument, "received %d bytes, more than the declared %d", total, hdr.FileSize)
		}
		if _, err := f.Write(data); err != nil {
			return status.Errorf(codes.Internal, "write spool file: %v", err)
		}
		return nil
	}

	if err := write(initial); err != nil {
		return "", err
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk.Header != nil {
			return "", status.Error(codes.InvalidArgument, "deploy header sent twice")
		}
		if err := write(chunk.Data); err != nil {
			return "", err
		}
	}

	if total < hdr.FileSize {
		return "", status.Errorf(codes.DataLoss, "stream truncated: received %d of %d bytes", total, hdr.FileSize)
	}
	if err := f.Sync(); err != nil {
		return "", status.Errorf(codes.Internal, "sync spool file: %v", err)
	}
	ok = true
	return path, nil
}

// NewGRPCServer returns a grpc.Server with s registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	RegisterDeployServiceServer(gs, s)
	return gs
}

// Serve runs gs on lis until ctx is cancelled, then stops gracefully so
// in-flight deploys finish.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
