package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/adeploy/adeploy/internal/deploy"
)

// recordingDeployer captures what the server hands over.
type recordingDeployer struct {
	mu      sync.Mutex
	calls   int
	req     deploy.Request
	payload []byte
	result  *deploy.Result
}

func (d *recordingDeployer) Deploy(_ context.Context, req deploy.Request) *deploy.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.req = req
	d.payload, _ = os.ReadFile(req.ArchivePath)
	if d.result != nil {
		return d.result
	}
	return &deploy.Result{DeployID: "id-1", Success: true, State: deploy.StateSucceeded, Message: "deployed"}
}

func (d *recordingDeployer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// startServer runs a deploy service over an in-memory listener and returns
// a connected client.
func startServer(t *testing.T, d Deployer, opts ServerOptions) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(d, opts))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDeploy_StreamsChunks(t *testing.T) {
	d := &recordingDeployer{}
	spool := t.TempDir()
	c := startServer(t, d, ServerOptions{MaxFileSize: 4 << 20, SpoolDir: spool})

	payload := randomPayload(t, 2*MaxChunkSize+1234)
	hdr := DeployHeader{
		PackageName: "demo",
		Version:     "1.2.3",
		FileHash:    "abc",
		Signature:   "sig",
		PublicKey:   "key",
		Metadata:    map[string]string{"hostname": "laptop"},
		FileSize:    int64(len(payload)),
	}

	resp, err := c.Deploy(context.Background(), hdr, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !resp.Success || resp.DeployID != "id-1" || resp.Message != "deployed" {
		t.Errorf("response = %+v", resp)
	}

	if !bytes.Equal(d.payload, payload) {
		t.Errorf("spooled %d bytes, want %d identical bytes", len(d.payload), len(payload))
	}
	want := deploy.Request{
		PackageName: "demo",
		Version:     "1.2.3",
		Digest:      "abc",
		Signature:   "sig",
		PublicKey:   "key",
		Metadata:    map[string]string{"hostname": "laptop"},
	}
	got := d.req
	got.ArchivePath = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(spool)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("spool not cleaned up: %v", entries)
	}
}

func TestDeploy_EmptyArchive(t *testing.T) {
	d := &recordingDeployer{}
	c := startServer(t, d, ServerOptions{MaxFileSize: 1024, SpoolDir: t.TempDir()})

	if _, err := c.Deploy(context.Background(), DeployHeader{PackageName: "demo"}, bytes.NewReader(nil)); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if d.Calls() != 1 || len(d.payload) != 0 {
		t.Errorf("calls = %d, payload = %d bytes", d.Calls(), len(d.payload))
	}
}

func TestDeploy_FailureResponse(t *testing.T) {
	d := &recordingDeployer{result: &deploy.Result{
		DeployID: "id-2",
		State:    deploy.StateFailed,
		Partial:  true,
		Message:  "post hook failed",
		Backup:   "/var/backups/demo/backup_20240101_000000",
		Err:      &deploy.Error{Kind: deploy.KindHook, Stage: deploy.StagePostHook, Err: errors.New("boom")},
		Entries: []deploy.Entry{
			{Level: deploy.LevelError, Stage: deploy.StagePostHook, Outcome: deploy.OutcomePartial, Message: "POST-DEPLOY HOOK FAILED"},
		},
	}}
	c := startServer(t, d, ServerOptions{MaxFileSize: 1024, SpoolDir: t.TempDir()})

	resp, err := c.Deploy(context.Background(), DeployHeader{PackageName: "demo", FileSize: 3}, bytes.NewReader([]byte("abc")))
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if resp.Success || !resp.Partial || resp.ErrorKind != "HookError" {
		t.Errorf("response = %+v", resp)
	}
	if deploy.ParseKind(resp.ErrorKind) != deploy.KindHook {
		t.Errorf("ParseKind(%q) = %v", resp.ErrorKind, deploy.ParseKind(resp.ErrorKind))
	}
	if len(resp.Logs) != 1 || len(resp.Entries) != 1 || resp.Entries[0].Outcome != deploy.OutcomePartial {
		t.Errorf("logs = %v, entries = %+v", resp.Logs, resp.Entries)
	}
	if resp.Backup == "" {
		t.Error("backup location missing from response")
	}
}

func TestDeploy_ProtocolViolations(t *testing.T) {
	const max = 1000

	tests := []struct {
		name     string
		hdr      DeployHeader
		payload  int
		wantCode codes.Code
	}{
		{name: "declared size over limit", hdr: DeployHeader{PackageName: "demo", FileSize: max + 1}, payload: 10, wantCode: codes.ResourceExhausted},
		{name: "received size over limit", hdr: DeployHeader{PackageName: "demo", FileSize: max}, payload: max + 1, wantCode: codes.ResourceExhausted},
		{name: "more than declared", hdr: DeployHeader{PackageName: "demo", FileSize: 10}, payload: 11, wantCode: codes.InvalidArgument},
		{name: "truncated", hdr: DeployHeader{PackageName: "demo", FileSize: 500}, payload: 499, wantCode: codes.DataLoss},
		{name: "missing package name", hdr: DeployHeader{FileSize: 1}, payload: 1, wantCode: codes.InvalidArgument},
		{name: "negative size", hdr: DeployHeader{PackageName: "demo", FileSize: -1}, payload: 0, wantCode: codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDeployer{}
			spool := t.TempDir()
			c := startServer(t, d, ServerOptions{MaxFileSize: max, SpoolDir: spool})

			_, err := c.Deploy(context.Background(), tt.hdr, bytes.NewReader(randomPayload(t, tt.payload)))
			if got := status.Code(err); got != tt.wantCode {
				t.Fatalf("Deploy() code = %v (err %v), want %v", got, err, tt.wantCode)
			}
			if d.Calls() != 0 {
				t.Error("deployer must not run after a protocol violation")
			}
			entries, _ := os.ReadDir(spool)
			if len(entries) != 0 {
				t.Errorf("spool not cleaned up: %v", entries)
			}
		})
	}
}

func TestDeploy_RawStreamViolations(t *testing.T) {
	tests := []struct {
		name     string
		msgs     []*DeployChunk
		wantCode codes.Code
	}{
		{name: "no messages", wantCode: codes.InvalidArgument},
		{name: "data before header", msgs: []*DeployChunk{{Data: []byte("x")}}, wantCode: codes.InvalidArgument},
		{
			name: "header twice",
			msgs: []*DeployChunk{
				{Header: &DeployHeader{PackageName: "demo", FileSize: 2}},
				{Header: &DeployHeader{PackageName: "demo", FileSize: 2}},
			},
			wantCode: codes.InvalidArgument,
		},
		{
			name: "oversized chunk",
			msgs: []*DeployChunk{
				{Header: &DeployHeader{PackageName: "demo", FileSize: MaxChunkSize + 1}},
				{Data: make([]byte, MaxChunkSize+1)},
			},
			wantCode: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDeployer{}
			c := startServer(t, d, ServerOptions{MaxFileSize: 4 << 20, SpoolDir: t.TempDir()})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stream, err := c.conn.NewStream(ctx, deployStreamDesc, deployFullName, grpc.CallContentSubtype(CodecName))
			if err != nil {
				t.Fatal(err)
			}
			for _, m := range tt.msgs {
				if err := stream.SendMsg(m); err != nil {
					break
				}
			}
			stream.CloseSend()
			err = stream.RecvMsg(new(DeployResponse))
			if got := status.Code(err); got != tt.wantCode {
				t.Errorf("code = %v (err %v), want %v", got, err, tt.wantCode)
			}
			if d.Calls() != 0 {
				t.Error("deployer must not run")
			}
		})
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	gs := NewGRPCServer(NewServer(&recordingDeployer{}, ServerOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, gs, lis) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	in := &DeployChunk{Header: &DeployHeader{PackageName: "demo", FileSize: 3}, Data: []byte{0, 1, 2}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	out := new(DeployChunk)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := c.Unmarshal([]byte("{"), out); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
