// Package deploy drives a received artifact through verification, backup,
// hooks and installation.
//
// A deploy moves through the states
//
//	Received -> Authenticated -> BackedUp -> PreHookRun -> Installed -> PostHookRun -> Succeeded
//
// and may fail from any non-terminal state. Nothing on disk is touched until
// the artifact is authenticated. Deploys of the same package are serialized
// from backup through the post hook; different packages run in parallel.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adeploy/adeploy/internal/backup"
	"github.com/adeploy/adeploy/internal/config"
	"github.com/adeploy/adeploy/internal/envelope"
	"github.com/adeploy/adeploy/internal/fsutil"
	"github.com/adeploy/adeploy/internal/hook"
	"github.com/adeploy/adeploy/internal/identity"
	"github.com/adeploy/adeploy/internal/packager"
)

// Request is a received artifact plus its claimed signature.
type Request struct {
	PackageName string
	Version     string
	// ArchivePath is the spooled tar.gz. The orchestrator reads it but does
	// not remove it.
	ArchivePath string
	Digest      string // hex SHA-256 claimed by the sender
	Signature   string // base64 Ed25519 signature over the digest
	PublicKey   string // base64 signer key
	Metadata    map[string]string
}

// Result is the outcome of one deploy.
type Result struct {
	DeployID string
	State    State
	Success  bool
	// Partial is set when the install succeeded but the post hook failed.
	Partial bool
	Message string
	// Backup is the backup directory taken for this deploy, if any.
	Backup  string
	Entries []Entry
	// Err is nil on success and an *Error otherwise.
	Err error
}

// Kind returns the failure kind, or 0 on success.
func (r *Result) Kind() Kind { return KindOf(r.Err) }

// Options configures an Orchestrator.
type Options struct {
	Config  *config.ServerConfig
	Trusted envelope.KeySet
	Backups *backup.Manager
	Hooks   *hook.Runner
	Logger  config.Logger
	Clock   backup.Clock

	// Swapper performs the final directory swap. The zero value renames.
	Swapper fsutil.Swapper
	// MaxUnpackedSize caps the extracted size. Zero disables the cap.
	MaxUnpackedSize int64
	// NewID generates deploy ids. Nil uses random UUIDs.
	NewID func() string
}

// Orchestrator runs deploys.
type Orchestrator struct {
	cfg         *config.ServerConfig
	trusted     envelope.KeySet
	backups     *backup.Manager
	hooks       *hook.Runner
	logger      config.Logger
	clock       backup.Clock
	install     *installer
	newID       func() string
	hookTimeout time.Duration
	locks       *keyedLocks
}

// NewOrchestrator validates opts and returns an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("deploy: server configuration is required")
	}
	if opts.Trusted == nil {
		return nil, errors.New("deploy: trusted key set is required")
	}
	if opts.Backups == nil {
		return nil, errors.New("deploy: backup manager is required")
	}
	if opts.Hooks == nil {
		return nil, errors.New("deploy: hook runner is required")
	}
	hookTimeout, err := opts.Config.Server.HookTimeoutOr(config.DefaultHookTimeout)
	if err != nil {
		return nil, fmt.Errorf("deploy: %w", err)
	}

	o := &Orchestrator{
		cfg:         opts.Config,
		trusted:     opts.Trusted,
		backups:     opts.Backups,
		hooks:       opts.Hooks,
		logger:      config.OrNop(opts.Logger),
		clock:       opts.Clock,
		install:     &installer{extractor: &packager.Extractor{MaxUnpackedSize: opts.MaxUnpackedSize}, swapper: opts.Swapper},
		newID:       opts.NewID,
		hookTimeout: hookTimeout,
		locks:       newKeyedLocks(),
	}
	if o.clock == nil {
		o.clock = backup.RealClock{}
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// run is the state of a single deploy.
type run struct {
	o      *Orchestrator
	req    Request
	res    *Result
	log    *Log
	pkg    config.PackageConfig
	pre    *hook.Spec
	post   *hook.Spec
	handle *backup.Handle
}

// Deploy runs req to completion and reports failures in the Result.
// Cancelling ctx aborts the deploy only before the install stage begins.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) *Result {
	r := &run{
		o:   o,
		req: req,
		res: &Result{DeployID: o.newID(), State: StateReceived},
		log: newLog(o.clock.Now),
	}
	r.execute(ctx)
	r.res.Entries = r.log.Entries()

	fields := []interface{}{
		"deploy_id", r.res.DeployID,
		"package", req.PackageName,
		"version", req.Version,
		"state", r.res.State.String(),
	}
	switch {
	case r.res.Success:
		o.logger.Info("deploy succeeded", fields...)
	case r.res.Partial:
		o.logger.Warn("deploy partially applied", append(fields, "error", r.res.Err)...)
	default:
		o.logger.Error("deploy failed", append(fields, "error", r.res.Err)...)
	}
	return r.res
}

func (r *run) execute(ctx context.Context) {
	r.log.add(LevelInfo, StageReceive, OutcomeOK, 0, "package %s version %s%s",
		r.req.PackageName, r.req.Version, formatMetadata(r.req.Metadata))

	if err := r.verify(ctx); err != nil {
		r.fail(err)
		return
	}

	unlock, err := r.o.locks.Lock(ctx, r.req.PackageName)
	if err != nil {
		r.fail(newError(KindTransfer, StageBackup, fmt.Errorf("cancelled while waiting for package lock: %w", err)))
		return
	}
	defer unlock()

	if err := r.backup(ctx); err != nil {
		r.fail(err)
		return
	}
	if err := r.preHook(ctx); err != nil {
		r.fail(err)
		return
	}

	// Last point at which the caller can abort. Past here the install,
	// any restore and the post hook always run to completion.
	if err := ctx.Err(); err != nil {
		r.fail(newError(KindTransfer, StageInstall, fmt.Errorf("cancelled before install: %w", err)))
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := r.installStage(ctx); err != nil {
		r.fail(err)
		return
	}
	if err := r.postHook(ctx); err != nil {
		r.res.Partial = true
		r.res.Err = err
		r.res.State = StateFailed
		r.res.Message = fmt.Sprintf("installed %s %s but post hook failed: %v", r.req.PackageName, r.req.Version, errors.Unwrap(err))
		return
	}

	r.advance(StateSucceeded)
	r.res.Success = true
	r.res.Message = fmt.Sprintf("deployed %s %s", r.req.PackageName, r.req.Version)
	r.log.add(LevelInfo, StageComplete, OutcomeOK, 0, "%s", r.res.Message)
}

// advance moves the deploy to the next state on the success path.
func (r *run) advance(to State) {
	if r.res.State.next() != to {
		panic(fmt.Sprintf("deploy: invalid transition %s -> %s", r.res.State, to))
	}
	r.res.State = to
}

func (r *run) fail(err error) {
	var de *Error
	if errors.As(err, &de) {
		r.log.add(LevelError, de.Stage, OutcomeFailed, 0, "%s: %v", de.Kind, de.Err)
	}
	r.res.State = StateFailed
	r.res.Err = err
	r.res.Message = err.Error()
}

// verify authenticates the artifact and resolves the package. It reads the
// spooled archive but never writes to disk.
func (r *run) verify(ctx context.Context) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return newError(KindTransfer, StageVerify, err)
	}

	actual, err := digestFile(r.req.ArchivePath)
	if err != nil {
		return newError(KindTransfer, StageVerify, err)
	}

	claim := envelope.Claim{Digest: r.req.Digest, Signature: r.req.Signature, PublicKey: r.req.PublicKey}
	pub, err := envelope.Authenticate(claim, r.o.trusted, actual)
	switch {
	case errors.Is(err, envelope.ErrDigestMismatch):
		return newError(KindIntegrity, StageVerify, err)
	case err != nil:
		return newError(KindAuthentication, StageVerify, err)
	}

	pkg, ok := r.o.cfg.Packages[r.req.PackageName]
	if !ok {
		return newError(KindConfiguration, StageVerify, fmt.Errorf("package %q is not configured on this agent", r.req.PackageName))
	}
	preCfg, postCfg := pkg.Hooks()
	if r.pre, err = hook.FromConfig(preCfg, r.o.hookTimeout); err != nil {
		return newError(KindConfiguration, StageVerify, fmt.Errorf("pre hook: %w", err))
	}
	if r.post, err = hook.FromConfig(postCfg, r.o.hookTimeout); err != nil {
		return newError(KindConfiguration, StageVerify, fmt.Errorf("post hook: %w", err))
	}
	r.pkg = pkg

	r.advance(StateAuthenticated)
	r.log.add(LevelInfo, StageVerify, OutcomeOK, time.Since(start), "digest %s signed by %s", actual, identity.Fingerprint(pub))
	return nil
}

func (r *run) backup(ctx context.Context) error {
	if !r.pkg.BackupEnabled {
		r.advance(StateBackedUp)
		r.log.add(LevelInfo, StageBackup, OutcomeSkipped, 0, "backups disabled for %s", r.req.PackageName)
		return nil
	}

	start := time.Now()
	h, err := r.o.backups.Backup(ctx, backup.Target{
		Package: r.req.PackageName,
		Path:    r.pkg.DeployPath,
		Root:    r.pkg.BackupPath,
	})
	if err != nil {
		return newError(KindBackup, StageBackup, err)
	}
	r.handle = h
	r.res.Backup = h.Dir

	r.advance(StateBackedUp)
	if h.Empty() {
		r.log.add(LevelInfo, StageBackup, OutcomeOK, time.Since(start), "no existing deployment; recorded empty backup %s", h.Dir)
	} else {
		r.log.add(LevelInfo, StageBackup, OutcomeOK, time.Since(start), "backed up %d files to %s", h.Manifest.Files, h.Dir)
	}
	return nil
}

func (r *run) preHook(ctx context.Context) error {
	if err := r.runHook(ctx, hook.PreDeploy, r.pre, StagePreHook); err != nil {
		return newError(KindHook, StagePreHook, err)
	}
	r.advance(StatePreHookRun)
	return nil
}

func (r *run) postHook(ctx context.Context) error {
	err := r.runHook(ctx, hook.PostDeploy, r.post, StagePostHook)
	if err != nil {
		r.log.add(LevelError, StagePostHook, OutcomePartial, 0,
			"POST-DEPLOY HOOK FAILED: %s %s is installed but not fully activated: %v", r.req.PackageName, r.req.Version, err)
		return newError(KindHook, StagePostHook, err)
	}
	r.advance(StatePostHookRun)
	return nil
}

func (r *run) runHook(ctx context.Context, point hook.Point, spec *hook.Spec, stage Stage) error {
	if spec == nil {
		r.log.add(LevelInfo, stage, OutcomeSkipped, 0, "no %s hook configured", point)
		return nil
	}

	res, err := r.o.hooks.Run(ctx, hook.Invocation{
		Point: point,
		Spec:  spec,
		Deploy: hook.Context{
			Package:    r.req.PackageName,
			Version:    r.req.Version,
			DeployID:   r.res.DeployID,
			DeployPath: r.pkg.DeployPath,
		},
	})
	for _, line := range res.Lines {
		level := LevelInfo
		if strings.HasPrefix(line, "STDERR: ") {
			level = LevelWarn
		}
		r.log.add(level, stage, OutcomeOutput, 0, "%s", line)
	}
	if err != nil {
		return err
	}
	r.log.add(LevelInfo, stage, OutcomeOK, res.Duration, "%s hook completed", spec.Kind)
	return nil
}

func (r *run) installStage(ctx context.Context) error {
	start := time.Now()
	files, err := r.o.install.install(ctx, r.req.ArchivePath, r.pkg.DeployPath, r.res.DeployID)
	if err == nil {
		r.advance(StateInstalled)
		r.log.add(LevelInfo, StageInstall, OutcomeOK, time.Since(start), "installed %d files into %s", files, r.pkg.DeployPath)
		return nil
	}

	installErr := newError(KindInstall, StageInstall, err)
	_, aside := stagingPaths(r.pkg.DeployPath, r.res.DeployID)

	if r.handle == nil {
		if errors.Is(err, fsutil.ErrSwapIncomplete) {
			r.log.add(LevelError, StageRestore, OutcomeFailed, 0, "no backup available; %s may be missing, previous content left at %s", r.pkg.DeployPath, aside)
		} else {
			r.log.add(LevelWarn, StageRestore, OutcomeSkipped, 0, "no backup taken; nothing to restore")
		}
		return installErr
	}

	restoreStart := time.Now()
	if rerr := r.o.backups.Restore(ctx, r.handle, r.pkg.DeployPath); rerr != nil {
		r.log.add(LevelError, StageRestore, OutcomeFailed, time.Since(restoreStart), "restore from %s failed: %v", r.handle.Dir, rerr)
		return newError(KindInstall, StageInstall, fmt.Errorf("%w; restore from %s also failed: %v", err, r.handle.Dir, rerr))
	}
	// An incomplete swap leaves the previous tree aside; the restore replaced it.
	if err := os.RemoveAll(aside); err != nil {
		r.log.add(LevelWarn, StageRestore, OutcomeFailed, 0, "remove %s: %v", aside, err)
	}
	r.log.add(LevelWarn, StageRestore, OutcomeOK, time.Since(restoreStart), "restored previous deployment from %s", r.handle.Dir)
	return installErr
}

func digestFile(path string) (envelope.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return envelope.Digest{}, fmt.Errorf("open received archive: %w", err)
	}
	defer f.Close()
	return envelope.Compute(f)
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(" from")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, md[k])
	}
	return b.String()
}
