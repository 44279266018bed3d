// Package client packages, signs and sends artifacts to deploy agents.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/deploy"
	"github.com/adeploy/adeploy/internal/envelope"
	"github.com/adeploy/adeploy/internal/identity"
	"github.com/adeploy/adeploy/internal/packager"
	"github.com/adeploy/adeploy/internal/platform"
	"github.com/adeploy/adeploy/internal/transfer"
	"github.com/adeploy/adeploy/internal/vcs"
)

var (
	// ErrUnknownPackage indicates the package has no entry in the client
	// configuration.
	ErrUnknownPackage = errors.New("package not configured")

	// ErrTooLarge indicates the archive exceeds the remote's max_file_size.
	ErrTooLarge = errors.New("archive exceeds max_file_size")
)

// RemoteError is a deploy the agent ran and reported as failed.
type RemoteError struct {
	Kind    deploy.Kind
	Partial bool
	Message string
}

func (e *RemoteError) Error() string {
	if e.Partial {
		return fmt.Sprintf("partially deployed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the deploy package sentinel for e's kind.
func (e *RemoteError) Is(target error) bool {
	return (&deploy.Error{Kind: e.Kind}).Is(target)
}

// Dialer opens a transfer client for an address.
type Dialer func(addr string) (*transfer.Client, error)

// Options configures a Client.
type Options struct {
	Config *config.ClientConfig
	Keys   *identity.Keypair
	Logger config.Logger

	// Detector supplies host metadata sent with each deploy. Nil sends none.
	Detector platform.Detector
	// Dial opens connections. Nil uses transfer.Dial.
	Dial Dialer

	// PortOverride replaces the configured port when non-zero.
	PortOverride int
	// Version labels every deploy. Empty derives it from Git in WorkDir.
	Version string
	// WorkDir resolves relative sources and locates the Git repository.
	// Empty uses the current directory.
	WorkDir string
	// TempDir holds built archives. Empty uses os.TempDir.
	TempDir string
	// Parallel bounds how many hosts DeployMany contacts at once. Zero
	// means no limit.
	Parallel int
}

// Client deploys packages to remotes.
type Client struct {
	cfg      *config.ClientConfig
	keys     *identity.Keypair
	logger   config.Logger
	detector platform.Detector
	dial     Dialer
	port     int
	version  string
	workDir  string
	tempDir  string
	parallel int

	metaOnce sync.Once
	metadata map[string]string
}

// New returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("client: configuration is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("client: signing key is required")
	}
	c := &Client{
		cfg:      opts.Config,
		keys:     opts.Keys,
		logger:   config.OrNop(opts.Logger),
		detector: opts.Detector,
		dial:     opts.Dial,
		port:     opts.PortOverride,
		version:  opts.Version,
		workDir:  opts.WorkDir,
		tempDir:  opts.TempDir,
		parallel: opts.Parallel,
	}
	if c.dial == nil {
		c.dial = func(addr string) (*transfer.Client, error) { return transfer.Dial(addr) }
	}
	if c.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("client: working directory: %w", err)
		}
		c.workDir = wd
	}
	return c, nil
}

// Result is the outcome of deploying one package to one host.
type Result struct {
	Host    string
	Package string
	Version string
	Digest  string
	Size    int64
	// Response is nil when the request never completed.
	Response *transfer.DeployResponse
	Err      error
}

// Deploy builds, signs and sends one package to host.
func (c *Client) Deploy(ctx context.Context, host, pkg string) *Result {
	res := &Result{Host: host, Package: pkg}
	res.Err = c.deploy(ctx, res)
	if res.Err != nil {
		c.logger.Error("deploy failed", "host", host, "package", pkg, "error", res.Err)
	} else {
		c.logger.Info("deploy succeeded", "host", host, "package", pkg, "version", res.Version,
			"deploy_id", res.Response.DeployID)
	}
	return res
}

func (c *Client) deploy(ctx context.Context, res *Result) error {
	entry, ok := c.cfg.Packages[res.Package]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPackage, res.Package)
	}
	remote, err := c.cfg.ResolveRemote(res.Host, c.port)
	if err != nil {
		return fmt.Errorf("resolve remote: %w", err)
	}

	res.Version = vcs.VersionLabel(ctx, c.workDir, c.version)

	sources := make([]string, len(entry.Sources))
	for i, s := range entry.Sources {
		if !filepath.IsAbs(s) {
			s = filepath.Join(c.workDir, s)
		}
		sources[i] = s
	}

	path, sum, err := packager.BuildFile(ctx, sources, c.tempDir)
	if err != nil {
		return fmt.Errorf("package %s: %w", res.Package, err)
	}
	defer os.Remove(path)
	res.Digest = sum.Digest.String()
	res.Size = sum.Size

	if remote.MaxFileSize > 0 && sum.Size > remote.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, sum.Size, remote.MaxFileSize)
	}

	c.logger.Info("package built", "package", res.Package, "version", res.Version,
		"files", sum.Files, "size", sum.Size, "digest", res.Digest)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tc, err := c.dial(remote.Address())
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", deploy.ErrTransfer, remote.Address(), err)
	}
	defer tc.Close()

	ctx, cancel := context.WithTimeout(ctx, remote.Timeout)
	defer cancel()

	resp, err := tc.Deploy(ctx, transfer.DeployHeader{
		PackageName: res.Package,
		Version:     res.Version,
		FileHash:    res.Digest,
		Signature:   envelope.SignString(c.keys.Private, sum.Digest),
		PublicKey:   c.keys.PublicKeyString(),
		Metadata:    c.hostMetadata(ctx),
		FileSize:    sum.Size,
	}, f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", deploy.ErrTransfer, remote.Address(), err)
	}
	res.Response = resp
	if !resp.Success {
		return &RemoteError{Kind: deploy.ParseKind(resp.ErrorKind), Partial: resp.Partial, Message: resp.Message}
	}
	return nil
}

// hostMetadata detects the local platform once per client.
func (c *Client) hostMetadata(ctx context.Context) map[string]string {
	c.metaOnce.Do(func() {
		if c.detector == nil {
			return
		}
		info, err := c.detector.Detect(ctx)
		if err != nil {
			c.logger.Warn("platform detection failed", "error", err)
			return
		}
		c.metadata = info.Metadata()
	})
	return c.metadata
}

// DeployHost deploys packages to host in order and stops at the first
// failure. The returned slice holds one result per attempted package.
func (c *Client) DeployHost(ctx context.Context, host string, packages []string) ([]*Result, error) {
	results := make([]*Result, 0, len(packages))
	for _, pkg := range packages {
		res := c.Deploy(ctx, host, pkg)
		results = append(results, res)
		if res.Err != nil {
			return results, fmt.Errorf("%s on %s: %w", pkg, host, res.Err)
		}
	}
	return results, nil
}

// DeployMany runs DeployHost for every host concurrently. Hosts are
// independent: a failure on one does not stop the others. The error joins
// every host's failure.
func (c *Client) DeployMany(ctx context.Context, hosts, packages []string) (map[string][]*Result, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]*Result, len(hosts))
		errs    = make(map[string]error)
	)

	var g errgroup.Group
	if c.parallel > 0 {
		g.SetLimit(c.parallel)
	}
	for _, host := range hosts {
		g.Go(func() error {
			res, err := c.DeployHost(ctx, host, packages)
			mu.Lock()
			defer mu.Unlock()
			results[host] = res
			if err != nil {
				errs[host] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(errs))
	for h := range errs {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	joined := make([]error, 0, len(keys))
	for _, h := range keys {
		joined = append(joined, errs[h])
	}
	return results, errors.Join(joined...)
}
