// Package transfer carries signed artifacts from a client to an agent over a
// client-streaming gRPC call.
//
// The first message of a Deploy stream holds the DeployHeader. Every
// following message carries at most MaxChunkSize bytes of the archive. The
// agent answers once with a DeployResponse after the deploy has finished.
package transfer

import "github.com/adeploy/adeploy/internal/deploy"

// MaxChunkSize is the largest data payload of one stream message.
const MaxChunkSize = 256 * 1024

// DeployHeader describes the artifact that follows.
type DeployHeader struct {
	PackageName string            `json:"package_name"`
	Version     string            `json:"version"`
	FileHash    string            `json:"file_hash"`
	Signature   string            `json:"signature"`
	PublicKey   string            `json:"public_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// FileSize is the declared archive size in bytes.
	FileSize int64 `json:"file_size"`
}

// DeployChunk is one message of the Deploy stream. Exactly the first
// message has a Header.
type DeployChunk struct {
	Header *DeployHeader `json:"header,omitempty"`
	Data   []byte        `json:"data,omitempty"`
}

// DeployResponse is the single reply to a Deploy stream.
type DeployResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	DeployID string   `json:"deploy_id"`
	Logs     []string `json:"logs"`

	// ErrorKind names the failure class (for example "IntegrityError").
	ErrorKind string `json:"error_kind,omitempty"`
	// Partial is set when the install succeeded but the post hook failed.
	Partial bool `json:"partial,omitempty"`
	// Backup is the backup directory taken on the agent.
	Backup  string         `json:"backup,omitempty"`
	Entries []deploy.Entry `json:"entries,omitempty"`
}

// responseFromResult converts an orchestrator result to the wire form.
func responseFromResult(res *deploy.Result) *DeployResponse {
	resp := &DeployResponse{
		Success:  res.Success,
		Message:  res.Message,
		DeployID: res.DeployID,
		Logs:     deploy.Lines(res.Entries),
		Partial:  res.Partial,
		Backup:   res.Backup,
		Entries:  res.Entries,
	}
	if k := res.Kind(); k != 0 {
		resp.ErrorKind = k.String()
	}
	return resp
}
