package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/catalog"
	"github.com/go-fleetgate/fleetgate/internal/client"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarFile struct {
	name     string
	body     string
	linkname string
	typeflag byte
}

func buildTar(t *testing.T, files []tarFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Typeflag: f.typeflag, Linkname: f.linkname}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(f.body))
		}
		if hdr.Typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, format Format, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch format {
	case FormatTar:
		return raw
	case FormatTarGzip:
		w := gzip.NewWriter(&buf)
		_, err := w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case FormatTarZstd:
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case FormatTarLZ4:
		w := lz4.NewWriter(&buf)
		_, err := w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type memFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   int
}

func (m *memFetcher) Fetch(_ context.Context, rawURL string, w io.Writer) (int64, error) {
	m.mu.Lock()
	m.calls++
	data, ok := m.objects[rawURL]
	m.mu.Unlock()
	if !ok {
		return 0, ErrDownloadFailure
	}
	n, err := w.Write(data)
	return int64(n), err
}

type memRegistry struct {
	mu         sync.Mutex
	active     map[string]InstalledSkill
	failures   map[string]string
	installErr error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{active: map[string]InstalledSkill{}, failures: map[string]string{}}
}

func (r *memRegistry) RecordInstall(_ context.Context, s InstalledSkill) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installErr != nil {
		return r.installErr
	}
	r.active[s.SkillID] = s
	delete(r.failures, s.SkillID)
	return nil
}

func (r *memRegistry) RecordFailure(_ context.Context, skillID, _ string, reason string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[skillID] = reason
	return nil
}

type testEnv struct {
	root     string
	fetcher  *memFetcher
	registry *memRegistry
	inst     *Installer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	env := &testEnv{
		root:     filepath.Join(t.TempDir(), "skills"),
		fetcher:  &memFetcher{objects: map[string][]byte{}},
		registry: newMemRegistry(),
	}
	inst, err := New(Options{Root: env.root, Logger: logger}, env.fetcher, env.registry)
	require.NoError(t, err)
	env.inst = inst
	return env
}

// publish serves archive at a fresh URL and returns a matching catalog entry
func (e *testEnv) publish(skillID, version string, archive []byte) catalog.Entry {
	url := "https://skills.example.com/" + skillID + "-" + version + ".tar"
	e.fetcher.objects[url] = archive
	return catalog.Entry{
		SkillID:    skillID,
		Version:    version,
		ArchiveURL: url,
		SHA256:     sum(archive),
		SizeBytes:  int64(len(archive)),
	}
}

func (e *testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, rel))
	require.NoError(t, err)
	return string(data)
}

func TestInstall_Formats(t *testing.T) {
	raw := buildTar(t, []tarFile{
		{name: "bin/", typeflag: tar.TypeDir},
		{name: "bin/run.sh", body: "#!/bin/sh\necho hi\n"},
		{name: "manifest.json", body: `{"name":"weather"}`},
		{name: "latest", linkname: "manifest.json", typeflag: tar.TypeSymlink},
	})

	for _, format := range []Format{FormatTar, FormatTarGzip, FormatTarZstd, FormatTarLZ4} {
		t.Run(string(format), func(t *testing.T) {
			env := newTestEnv(t)
			entry := env.publish("weather", "1.0.0", compress(t, format, raw))

			skill, err := env.inst.Install(context.Background(), entry)
			require.NoError(t, err)
			assert.Equal(t, StatusActive, skill.Status)
			assert.Equal(t, filepath.Join(env.root, "weather", "1.0.0"), skill.Path)

			assert.Equal(t, `{"name":"weather"}`, env.read(t, "weather/current/manifest.json"))
			assert.Equal(t, "#!/bin/sh\necho hi\n", env.read(t, "weather/current/bin/run.sh"))
			assert.Equal(t, `{"name":"weather"}`, env.read(t, "weather/current/latest"))

			version, err := env.inst.ActiveVersion("weather")
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", version)
			assert.Equal(t, "1.0.0", env.registry.active["weather"].Version)
		})
	}
}

func TestInstall_UpgradeSwapsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1 := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "VERSION", body: "1"}}))
	v2 := env.publish("weather", "1.1.0", buildTar(t, []tarFile{{name: "VERSION", body: "2"}}))

	_, err := env.inst.Install(ctx, v1)
	require.NoError(t, err)
	_, err = env.inst.Install(ctx, v2)
	require.NoError(t, err)

	assert.Equal(t, "2", env.read(t, "weather/current/VERSION"))
	assert.Equal(t, "1", env.read(t, "weather/1.0.0/VERSION"), "previous version stays on disk")
}

func TestInstall_AlreadyActiveSkipsDownload(t *testing.T) {
	env := newTestEnv(t)
	entry := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "a", body: "a"}}))

	_, err := env.inst.Install(context.Background(), entry)
	require.NoError(t, err)
	_, err = env.inst.Install(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, 1, env.fetcher.calls)
}

func TestInstall_IntegrityMismatchKeepsPreviousVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "VERSION", body: "1"}}))
	_, err := env.inst.Install(ctx, good)
	require.NoError(t, err)

	bad := env.publish("weather", "1.1.0", buildTar(t, []tarFile{{name: "VERSION", body: "2"}}))
	bad.SHA256 = sum([]byte("something else"))

	_, err = env.inst.Install(ctx, bad)
	require.ErrorIs(t, err, ErrIntegrityMismatch)

	assert.Equal(t, "1", env.read(t, "weather/current/VERSION"))
	assert.NoDirExists(t, filepath.Join(env.root, "weather", "1.1.0"), "nothing is extracted")
	assert.Contains(t, env.registry.failures["weather"], "integrity mismatch")
	assert.Equal(t, "1.0.0", env.registry.active["weather"].Version)

	staged, err := os.ReadDir(filepath.Join(env.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, staged, "the staged download is removed")
}

func TestInstall_RegistryFailureRestoresPreviousVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1 := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "VERSION", body: "1"}}))
	_, err := env.inst.Install(ctx, v1)
	require.NoError(t, err)

	env.registry.installErr = errors.New("database is locked")
	v2 := env.publish("weather", "1.1.0", buildTar(t, []tarFile{{name: "VERSION", body: "2"}}))
	_, err = env.inst.Install(ctx, v2)
	require.Error(t, err)

	assert.Equal(t, "1", env.read(t, "weather/current/VERSION"))
	version, err := env.inst.ActiveVersion("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
	assert.Equal(t, "1.0.0", env.registry.active["weather"].Version)

	// The retry is a real install, not short-circuited as already active
	env.registry.installErr = nil
	calls := env.fetcher.calls
	skill, err := env.inst.Install(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", skill.Version)
	assert.Equal(t, calls+1, env.fetcher.calls)
	assert.Equal(t, "2", env.read(t, "weather/current/VERSION"))
}

func TestInstall_RegistryFailureOnFirstInstallLeavesNothingActive(t *testing.T) {
	env := newTestEnv(t)
	env.registry.installErr = errors.New("database is locked")
	entry := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "VERSION", body: "1"}}))

	_, err := env.inst.Install(context.Background(), entry)
	require.Error(t, err)
	_, err = os.Lstat(filepath.Join(env.root, "weather", currentLink))
	assert.True(t, os.IsNotExist(err))
}

func TestInstall_OversizedDownloadIsMismatch(t *testing.T) {
	env := newTestEnv(t)
	entry := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "a", body: "aaaa"}}))
	entry.SizeBytes = 10

	_, err := env.inst.Install(context.Background(), entry)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestInstall_CorruptedArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "VERSION", body: "1"}}))
	_, err := env.inst.Install(ctx, good)
	require.NoError(t, err)

	// Hash matches, content is garbage
	corrupt := env.publish("weather", "2.0.0", []byte("this is not an archive at all"))
	_, err = env.inst.Install(ctx, corrupt)
	require.ErrorIs(t, err, ErrUnsupportedArchive)
	assert.Equal(t, "1", env.read(t, "weather/current/VERSION"))

	// Truncated gzip stream
	gz := compress(t, FormatTarGzip, buildTar(t, []tarFile{{name: "VERSION", body: "3"}}))
	truncated := env.publish("weather", "3.0.0", gz[:len(gz)/2])
	_, err = env.inst.Install(ctx, truncated)
	require.Error(t, err)
	assert.Equal(t, "1", env.read(t, "weather/current/VERSION"))
	assert.NoDirExists(t, filepath.Join(env.root, "weather", "3.0.0"))
}

func TestInstall_RejectsUnsafeArchives(t *testing.T) {
	tests := []struct {
		name  string
		files []tarFile
	}{
		{name: "parent traversal", files: []tarFile{{name: "../../etc/passwd", body: "x"}}},
		{name: "absolute path", files: []tarFile{{name: "/etc/passwd", body: "x"}}},
		{
			name:  "symlink escape",
			files: []tarFile{{name: "escape", linkname: "../../outside", typeflag: tar.TypeSymlink}},
		},
		{
			name:  "absolute symlink",
			files: []tarFile{{name: "escape", linkname: "/etc/shadow", typeflag: tar.TypeSymlink}},
		},
		{
			name:  "hard link",
			files: []tarFile{{name: "a", body: "a"}, {name: "b", linkname: "a", typeflag: tar.TypeLink}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			entry := env.publish("weather", "1.0.0", buildTar(t, tt.files))
			_, err := env.inst.Install(context.Background(), entry)
			require.ErrorIs(t, err, ErrUnsafeArchive)
			assert.NoDirExists(t, filepath.Join(env.root, "weather", "1.0.0"))
			_, err = env.inst.ActiveVersion("weather")
			assert.Error(t, err)
		})
	}
}

func TestExtract_Limits(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar")
	require.NoError(t, os.WriteFile(archive, buildTar(t, []tarFile{
		{name: "a", body: "0123456789"},
		{name: "b", body: "0123456789"},
	}), 0o600))

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	assert.ErrorIs(t, Extract(archive, dest, Limits{MaxFileSize: 5}), ErrUnsafeArchive)

	dest2 := filepath.Join(dir, "out2")
	require.NoError(t, os.MkdirAll(dest2, 0o755))
	assert.ErrorIs(t, Extract(archive, dest2, Limits{MaxTotalSize: 15}), ErrUnsafeArchive)

	dest3 := filepath.Join(dir, "out3")
	require.NoError(t, os.MkdirAll(dest3, 0o755))
	assert.ErrorIs(t, Extract(archive, dest3, Limits{MaxEntries: 1}), ErrUnsafeArchive)
}

func TestInstall_InvalidEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := env.publish("weather", "1.0.0", buildTar(t, []tarFile{{name: "a", body: "a"}}))
	entry.ArchiveURL = "http://skills.example.com/weather.tar"

	_, err := env.inst.Install(context.Background(), entry)
	require.Error(t, err)
	assert.Zero(t, env.fetcher.calls)
}

func TestDetectFormat(t *testing.T) {
	_, err := DetectFormat([]byte("PK\x03\x04"))
	assert.ErrorIs(t, err, ErrUnsupportedArchive)

	f, err := DetectFormat([]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00})
	require.NoError(t, err)
	assert.Equal(t, FormatTarZstd, f)
}

func TestEnsureWithin(t *testing.T) {
	assert.NoError(t, EnsureWithin("/data/agent", "/data/agent/skills"))
	assert.NoError(t, EnsureWithin("/data/agent", "/data/agent"))
	assert.ErrorIs(t, EnsureWithin("/data/agent", "/data/agent-other"), ErrOutsideRoot)
	assert.ErrorIs(t, EnsureWithin("/data/agent", "/data/agent/../etc"), ErrOutsideRoot)
}

func TestHTTPFetcher(t *testing.T) {
	payload := []byte("archive-bytes")
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			attempts++
			if attempts < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(payload)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rc, err := client.CreateRetryClient(client.Options{
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	f := NewHTTPFetcher(func(ctx context.Context, rawURL string) (*http.Response, error) {
		return rc.Get(ctx, rawURL)
	})

	var buf bytes.Buffer
	n, err := f.Fetch(context.Background(), srv.URL+"/flaky", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())

	_, err = f.Fetch(context.Background(), srv.URL+"/missing", io.Discard)
	assert.ErrorIs(t, err, ErrDownloadFailure)
}

type fakeS3 struct {
	bucket, key string
	body        []byte
}

func (f *fakeS3) GetObject(
	_ context.Context,
	in *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func TestS3Fetcher(t *testing.T) {
	api := &fakeS3{body: []byte("tarball")}
	sources := Sources{"s3": NewS3Fetcher(api)}

	var buf bytes.Buffer
	_, err := sources.Fetch(context.Background(), "s3://skills/weather/1.0.0.tar.zst", &buf)
	require.NoError(t, err)
	assert.Equal(t, "skills", api.bucket)
	assert.Equal(t, "weather/1.0.0.tar.zst", api.key)
	assert.Equal(t, "tarball", buf.String())

	_, err = sources.Fetch(context.Background(), "ftp://skills/x", io.Discard)
	assert.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = sources.Fetch(context.Background(), "s3://skills", io.Discard)
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}
