package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/catalog"

	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// Install workflow states
const (
	StateDownload = "download"
	StateVerify   = "verify"
	StateExtract  = "extract"
	StateActivate = "activate"
	StateFailed   = "failed"
)

// InstallRequest is the persisted workflow input
type InstallRequest struct {
	RunID string
	Entry catalog.Entry
}

// InstallResponse accumulates step outputs across transitions
type InstallResponse struct {
	Staged     *Staged
	VersionDir string
	Skill      *InstalledSkill
}

// Runner drives installs through a durable superfly/fsm machine so an install
// interrupted by a restart resumes from its last completed step.
type Runner struct {
	installer  *Installer
	manager    *fsm.Manager
	start      fsm.Start[InstallRequest, InstallResponse]
	resume     fsm.Resume
	maxRetries int

	mu       sync.Mutex
	failures map[string]error
}

// NewRunner opens the workflow store under dbDir and registers the install machine
func NewRunner(ctx context.Context, inst *Installer, dbDir string, maxRetries int) (*Runner, error) {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow dir: %w", err)
	}
	manager, err := fsm.New(fsm.Config{DBPath: dbDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow store: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	r := &Runner{
		installer:  inst,
		manager:    manager,
		maxRetries: maxRetries,
		failures:   make(map[string]error),
	}
	start, resume, err := fsm.Register[InstallRequest, InstallResponse](manager, "skill-install").
		Start(StateDownload, r.handleDownload).
		To(StateVerify, r.handleVerify).
		To(StateExtract, r.handleExtract).
		To(StateActivate, r.handleActivate).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		manager.Shutdown(time.Second)
		return nil, fmt.Errorf("failed to register install workflow: %w", err)
	}
	r.start = start
	r.resume = resume
	return r, nil
}

// Resume restarts installs left unfinished by a previous process
func (r *Runner) Resume(ctx context.Context) error {
	return r.resume(ctx)
}

// Install runs one install to completion and returns its outcome
func (r *Runner) Install(ctx context.Context, entry catalog.Entry) (*InstalledSkill, error) {
	if skill, ok := r.installer.alreadyActive(entry); ok {
		return skill, nil
	}

	runID := fmt.Sprintf("%s@%s/%s", entry.SkillID, entry.Version, uuid.NewString())
	resp := &InstallResponse{}
	version, err := r.start(ctx, runID, fsm.NewRequest(&InstallRequest{RunID: runID, Entry: entry}, resp))
	if err != nil {
		return nil, fmt.Errorf("failed to start install: %w", err)
	}
	waitErr := r.manager.Wait(ctx, version)

	if cause := r.takeFailure(runID); cause != nil {
		return nil, r.installer.fail(ctx, entry, cause)
	}
	if waitErr != nil {
		return nil, r.installer.fail(ctx, entry, waitErr)
	}

	if resp.Skill != nil {
		return resp.Skill, nil
	}
	if skill, ok := r.installer.alreadyActive(entry); ok {
		return skill, nil
	}
	return nil, r.installer.fail(ctx, entry, errors.New("install finished without activating"))
}

// Close stops the workflow manager
func (r *Runner) Close() {
	r.manager.Shutdown(10 * time.Second)
}

func (r *Runner) recordFailure(runID string, err error) {
	r.mu.Lock()
	r.failures[runID] = err
	r.mu.Unlock()
}

func (r *Runner) takeFailure(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.failures[runID]
	delete(r.failures, runID)
	return err
}

// abort ends the run for permanent errors and lets fsm retry transient ones
func (r *Runner) abort(ctx context.Context, runID string, err error) error {
	permanent := errors.Is(err, ErrIntegrityMismatch) ||
		errors.Is(err, ErrUnsafeArchive) ||
		errors.Is(err, ErrUnsupportedArchive) ||
		errors.Is(err, ErrUnsupportedSource) ||
		errors.Is(err, ErrOutsideRoot)
	if permanent || fsm.RetryFromContext(ctx) >= uint64(r.maxRetries) {
		r.recordFailure(runID, err)
		return fsm.Abort(err)
	}
	return err
}

func response(req *fsm.Request[InstallRequest, InstallResponse]) *InstallResponse {
	if req.W.Msg == nil {
		req.W.Msg = &InstallResponse{}
	}
	return req.W.Msg
}

func (r *Runner) handleDownload(
	ctx context.Context,
	req *fsm.Request[InstallRequest, InstallResponse],
) (*fsm.Response[InstallResponse], error) {
	resp := response(req)
	staged, err := r.installer.download(ctx, req.Msg.Entry)
	if err != nil {
		return nil, r.abort(ctx, req.Msg.RunID, err)
	}
	resp.Staged = staged
	return fsm.NewResponse(resp), nil
}

func (r *Runner) handleVerify(
	ctx context.Context,
	req *fsm.Request[InstallRequest, InstallResponse],
) (*fsm.Response[InstallResponse], error) {
	resp := response(req)
	if resp.Staged == nil {
		return nil, r.abort(ctx, req.Msg.RunID, fmt.Errorf("%w: nothing staged", ErrDownloadFailure))
	}
	if err := r.installer.verify(req.Msg.Entry, resp.Staged); err != nil {
		return nil, r.abort(ctx, req.Msg.RunID, err)
	}
	return fsm.NewResponse(resp), nil
}

func (r *Runner) handleExtract(
	ctx context.Context,
	req *fsm.Request[InstallRequest, InstallResponse],
) (*fsm.Response[InstallResponse], error) {
	resp := response(req)
	if resp.Staged == nil {
		return nil, r.abort(ctx, req.Msg.RunID, fmt.Errorf("%w: nothing staged", ErrDownloadFailure))
	}
	dir, err := r.installer.extract(req.Msg.Entry, resp.Staged.Path)
	if err != nil {
		return nil, r.abort(ctx, req.Msg.RunID, err)
	}
	os.Remove(resp.Staged.Path)
	resp.VersionDir = dir
	return fsm.NewResponse(resp), nil
}

func (r *Runner) handleActivate(
	ctx context.Context,
	req *fsm.Request[InstallRequest, InstallResponse],
) (*fsm.Response[InstallResponse], error) {
	resp := response(req)
	skill, err := r.installer.activate(ctx, req.Msg.Entry, resp.VersionDir)
	if err != nil {
		return nil, r.abort(ctx, req.Msg.RunID, err)
	}
	resp.Skill = skill
	return fsm.NewResponse(resp), nil
}
