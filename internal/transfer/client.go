package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var deployStreamDesc = &ServiceDesc.Streams[0]

// Client sends artifacts to an agent.
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial creates a client for addr. The connection is established lazily on
// the first call. Extra options are appended after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(addr, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient wraps an existing connection. Close does not close conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection if the client created it.
func (c *Client) Close() error {
	if c.owned {
		return c.conn.Close()
	}
	return nil
}

// Deploy streams hdr followed by the archive read from r in chunks of at
// most MaxChunkSize bytes, then waits for the agent's response.
func (c *Client) Deploy(ctx context.Context, hdr DeployHeader, r io.Reader) (*DeployResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, deployStreamDesc, deployFullName, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("open deploy stream: %w", err)
	}

	if err := stream.SendMsg(&DeployChunk{Header: &hdr}); err != nil {
		return nil, recvAfterSendError(stream, err)
	}

	for {
		// SendMsg may hold on to the message, so each chunk gets its own buffer.
		buf := make([]byte, MaxChunkSize)
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := stream.SendMsg(&DeployChunk{Data: buf[:n]}); err != nil {
				return nil, recvAfterSendError(stream, err)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read archive: %w", readErr)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close deploy stream: %w", err)
	}
	resp := new(DeployResponse)
	if err := stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// recvAfterSendError returns the server's status when a send fails because
// the server already ended the stream.
func recvAfterSendError(stream grpc.ClientStream, sendErr error) error {
	if !errors.Is(sendErr, io.EOF) {
		return fmt.Errorf("send deploy chunk: %w", sendErr)
	}
	if err := stream.RecvMsg(new(DeployResponse)); err != nil {
		return err
	}
	return fmt.Errorf("send deploy chunk: %w", sendErr)
}
