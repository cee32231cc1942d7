// Package installer downloads, verifies and activates skill archives on a device.
package installer

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/catalog"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Installed skill states
const (
	StatusActive = "active"
	StatusFailed = "failed"
)

const (
	currentLink = "current"
	stagingDir  = ".staging"
)

// InstalledSkill is the device-side record of the active version of a skill
type InstalledSkill struct {
	SkillID     string    `json:"skill_id"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	Status      string    `json:"status"`
	InstalledAt time.Time `json:"installed_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Registry persists install outcomes
type Registry interface {
	RecordInstall(ctx context.Context, skill InstalledSkill) error
	RecordFailure(ctx context.Context, skillID, version, reason string, at time.Time) error
}

// Options configures an Installer
type Options struct {
	Root              string
	Limits            Limits
	AllowInsecureHTTP bool
	Logger            logrus.FieldLogger
}

// Installer places skill versions under <root>/<skill>/<version> and flips
// <root>/<skill>/current to the active one.
type Installer struct {
	root      string
	fetcher   Fetcher
	registry  Registry
	limits    Limits
	allowHTTP bool
	log       logrus.FieldLogger
	now       func() time.Time
}

func New(opts Options, fetcher Fetcher, registry Registry) (*Installer, error) {
	if opts.Root == "" {
		return nil, errors.New("installer root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve installer root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create installer root: %w", err)
	}
	limits := opts.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Installer{
		root:      root,
		fetcher:   fetcher,
		registry:  registry,
		limits:    limits,
		allowHTTP: opts.AllowInsecureHTTP,
		log:       logger.WithField("component", "installer"),
		now:       time.Now,
	}, nil
}

// Root returns the absolute skill root
func (i *Installer) Root() string { return i.root }

// Install runs download, verify, extract and activate in order. Any failure
// leaves the previously active version in place and is recorded against the
// skill in the registry.
func (i *Installer) Install(ctx context.Context, entry catalog.Entry) (*InstalledSkill, error) {
	if skill, ok := i.alreadyActive(entry); ok {
		return skill, nil
	}

	staged, err := i.download(ctx, entry)
	if err != nil {
		return nil, i.fail(ctx, entry, err)
	}
	defer os.Remove(staged.Path)

	if err := i.verify(entry, staged); err != nil {
		return nil, i.fail(ctx, entry, err)
	}
	versionDir, err := i.extract(entry, staged.Path)
	if err != nil {
		return nil, i.fail(ctx, entry, err)
	}
	skill, err := i.activate(ctx, entry, versionDir)
	if err != nil {
		return nil, i.fail(ctx, entry, err)
	}
	return skill, nil
}

// Staged describes a downloaded archive awaiting verification
type Staged struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

func (i *Installer) validate(entry catalog.Entry) error {
	if err := catalog.Validate(&entry, catalog.ParseOptions{AllowInsecureHTTP: i.allowHTTP}); err != nil {
		return fmt.Errorf("invalid skill entry: %w", err)
	}
	return nil
}

func (i *Installer) download(ctx context.Context, entry catalog.Entry) (*Staged, error) {
	if err := i.validate(entry); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s-%s.download", entry.SkillID, entry.Version, uuid.NewString()[:8])
	path := filepath.Join(i.root, stagingDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	hash := sha256.New()
	limit := entry.SizeBytes + 1
	n, err := i.fetcher.Fetch(ctx, entry.ArchiveURL, &limitedWriter{w: io.MultiWriter(f, hash), remaining: limit})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, errTooLarge) {
			return nil, fmt.Errorf("%w: archive larger than %d bytes", ErrIntegrityMismatch, entry.SizeBytes)
		}
		return nil, err
	}

	i.log.WithFields(logrus.Fields{"skill": entry.SkillID, "version": entry.Version, "bytes": n}).
		Debug("archive downloaded")
	return &Staged{Path: path, SHA256: hex.EncodeToString(hash.Sum(nil)), Size: n}, nil
}

func (i *Installer) verify(entry catalog.Entry, staged *Staged) error {
	if staged.Size != entry.SizeBytes {
		os.Remove(staged.Path)
		return fmt.Errorf("%w: got %d bytes, catalog says %d", ErrIntegrityMismatch, staged.Size, entry.SizeBytes)
	}
	want := strings.ToLower(entry.SHA256)
	if subtle.ConstantTimeCompare([]byte(staged.SHA256), []byte(want)) != 1 {
		os.Remove(staged.Path)
		return fmt.Errorf("%w: sha256 %s, catalog says %s", ErrIntegrityMismatch, staged.SHA256, want)
	}
	return nil
}

func (i *Installer) extract(entry catalog.Entry, archivePath string) (string, error) {
	skillDir, err := i.skillDir(entry.SkillID)
	if err != nil {
		return "", err
	}
	versionDir := filepath.Join(skillDir, entry.Version)
	if fi, err := os.Stat(versionDir); err == nil && fi.IsDir() {
		return versionDir, nil
	}

	partial := filepath.Join(skillDir, fmt.Sprintf(".%s.partial-%s", entry.Version, uuid.NewString()[:8]))
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}
	if err := Extract(archivePath, partial, i.limits); err != nil {
		os.RemoveAll(partial)
		return "", err
	}
	if err := os.Rename(partial, versionDir); err != nil {
		os.RemoveAll(partial)
		if fi, statErr := os.Stat(versionDir); statErr == nil && fi.IsDir() {
			return versionDir, nil
		}
		return "", fmt.Errorf("failed to place version dir: %w", err)
	}
	return versionDir, nil
}

func (i *Installer) activate(ctx context.Context, entry catalog.Entry, versionDir string) (*InstalledSkill, error) {
	skillDir := filepath.Dir(versionDir)
	link := filepath.Join(skillDir, currentLink)
	previous, _ := os.Readlink(link)
	if err := pointCurrent(skillDir, entry.Version); err != nil {
		return nil, err
	}

	skill := &InstalledSkill{
		SkillID:     entry.SkillID,
		Version:     entry.Version,
		Path:        versionDir,
		Status:      StatusActive,
		InstalledAt: i.now().UTC(),
	}
	if i.registry != nil {
		if err := i.registry.RecordInstall(ctx, *skill); err != nil {
			// current must keep agreeing with the registry
			var rollback error
			if previous != "" {
				rollback = pointCurrent(skillDir, previous)
			} else {
				rollback = os.Remove(link)
			}
			if rollback != nil {
				i.log.WithField("skill", entry.SkillID).WithError(rollback).Error("failed to roll back current symlink")
			}
			return nil, fmt.Errorf("failed to record install: %w", err)
		}
	}
	i.log.WithFields(logrus.Fields{"skill": entry.SkillID, "version": entry.Version}).Info("skill activated")
	return skill, nil
}

// pointCurrent atomically repoints the skill's current symlink at target
func pointCurrent(skillDir, target string) error {
	tmp := filepath.Join(skillDir, ".current-"+uuid.NewString()[:8])
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(skillDir, currentLink)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to swap current symlink: %w", err)
	}
	return nil
}

func (i *Installer) fail(ctx context.Context, entry catalog.Entry, cause error) error {
	i.log.WithFields(logrus.Fields{
		"skill":   entry.SkillID,
		"version": entry.Version,
	}).WithError(cause).Warn("skill install failed")
	if i.registry != nil && entry.SkillID != "" {
		if err := i.registry.RecordFailure(ctx, entry.SkillID, entry.Version, cause.Error(), i.now().UTC()); err != nil {
			i.log.WithError(err).Error("failed to record install failure")
		}
	}
	return cause
}

func (i *Installer) alreadyActive(entry catalog.Entry) (*InstalledSkill, bool) {
	version, err := i.ActiveVersion(entry.SkillID)
	if err != nil || version != entry.Version {
		return nil, false
	}
	dir, err := i.skillDir(entry.SkillID)
	if err != nil {
		return nil, false
	}
	return &InstalledSkill{
		SkillID: entry.SkillID,
		Version: version,
		Path:    filepath.Join(dir, version),
		Status:  StatusActive,
	}, true
}

// ActiveVersion reads the version the current symlink points at
func (i *Installer) ActiveVersion(skillID string) (string, error) {
	dir, err := i.skillDir(skillID)
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(filepath.Join(dir, currentLink))
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

func (i *Installer) skillDir(skillID string) (string, error) {
	dir := filepath.Join(i.root, skillID)
	if err := EnsureWithin(i.root, dir); err != nil {
		return "", err
	}
	if dir == i.root {
		return "", fmt.Errorf("%w: empty skill id", ErrOutsideRoot)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create skill dir: %w", err)
	}
	return dir, nil
}

// EnsureWithin fails unless path is base or lies beneath it
func EnsureWithin(base, path string) error {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, path, base)
	}
	return nil
}

var errTooLarge = errors.New("archive exceeds declared size")

type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}
