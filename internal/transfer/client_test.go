package transfer_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"

	"tessera/internal/fileutil"
	"tessera/internal/services"
	"tessera/internal/transfer"
)

// flakyFS wraps the local archive and corrupts the first badChecksums
// checksum answers.
type flakyFS struct {
	transfer.FS
	badChecksums *atomic.Int32
}

func (f flakyFS) Checksum(ctx context.Context, name string) (string, error) {
	if f.badChecksums.Add(-1) >= 0 {
		return strings.Repeat("0", 64), nil
	}
	return f.FS.Checksum(ctx, name)
}

func writeArtifact(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, bytes.Repeat([]byte("cog-"), size/4), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func newLocalClient(t *testing.T, root string, options ...transfer.Option) *transfer.Client {
	t.Helper()
	return transfer.NewClient(transfer.Options{
		RemoteRoot:       root,
		VerifyChecksum:   true,
		IntegrityRetries: 1,
	}, options...)
}

func TestUploadRenamesIntoPlace(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "ortho_cog.tif", 4096)
	client := newLocalClient(t, archive)

	remote := client.RemotePath("cogs", "ortho", "ortho_cog.tif")
	result, err := client.Upload(context.Background(), local, remote)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	want, _, _ := fileutil.SHA256File(local)
	if result.Checksum != want || result.SizeBytes != 4096 || result.Verified != "sha256" {
		t.Fatalf("unexpected result %+v", result)
	}
	got, _, err := fileutil.SHA256File(remote)
	if err != nil || got != want {
		t.Fatalf("remote copy mismatch: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(remote), "*.part-*"))
	if len(leftovers) != 0 {
		t.Fatalf("expected no partial files, found %v", leftovers)
	}
}

func TestUploadResumesOwnPartialCopy(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "ortho_cog.tif", 8192)
	client := newLocalClient(t, archive)
	remote := client.RemotePath("cogs", "ortho", "ortho_cog.tif")

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(transfer.PartialPath(remote, "claim-a"), data[:3000], 0o644); err != nil {
		t.Fatal(err)
	}
	foreign := transfer.PartialPath(remote, "claim-b")
	if err := os.WriteFile(foreign, []byte("someone else's bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := services.WithClaim(context.Background(), "claim-a")
	result, err := client.Upload(ctx, local, remote)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if result.Resumed != 3000 {
		t.Fatalf("expected resume from 3000 bytes, got %d", result.Resumed)
	}
	got, err := os.ReadFile(remote)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("resumed copy differs from source (err=%v)", err)
	}
	if other, err := os.ReadFile(foreign); err != nil || string(other) != "someone else's bytes" {
		t.Fatalf("another claim's partial was touched (err=%v)", err)
	}
}

// renameHookFS runs beforeRename ahead of every rename.
type renameHookFS struct {
	transfer.FS
	beforeRename func()
}

func (f renameHookFS) Rename(oldname, newname string) error {
	f.beforeRename()
	return f.FS.Rename(oldname, newname)
}

// crashingFS accepts half of every write and then fails it, as a worker
// whose connection drops mid-copy.
type crashingFS struct {
	transfer.FS
}

func (f crashingFS) OpenFile(name string, flag int) (transfer.File, error) {
	file, err := f.FS.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return crashingFile{File: file}, nil
}

type crashingFile struct {
	transfer.File
}

func (f crashingFile) Write(p []byte) (int, error) {
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("connection lost")
}

func TestUploadResumesAfterInterruptedWrite(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "ortho_cog.tif", 8192)
	want, _, _ := fileutil.SHA256File(local)

	var dials atomic.Int32
	client := newLocalClient(t, archive, transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		if dials.Add(1) == 1 {
			return crashingFS{FS: transfer.NewLocalFS()}, nil
		}
		return transfer.NewLocalFS(), nil
	}))
	remote := client.RemotePath("cogs", "ortho", "ortho_cog.tif")

	result, err := client.Upload(services.WithClaim(context.Background(), "claim-a"), local, remote)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if result.Attempts != 2 || result.Resumed == 0 {
		t.Fatalf("expected resumed second attempt, got %+v", result)
	}
	if got, _, err := fileutil.SHA256File(remote); err != nil || got != want {
		t.Fatalf("resumed copy differs from source (err=%v)", err)
	}
}

func TestConcurrentUploadsOfSameArtifactDoNotInterleave(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "ortho_cog.tif", 8192)
	want, _, _ := fileutil.SHA256File(local)

	slow := newLocalClient(t, archive, transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		return crashingFS{FS: transfer.NewLocalFS()}, nil
	}))
	remote := slow.RemotePath("cogs", "ortho", "ortho_cog.tif")

	var slowErr error
	fast := newLocalClient(t, archive, transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		return renameHookFS{FS: transfer.NewLocalFS(), beforeRename: func() {
			if slowErr == nil {
				_, slowErr = slow.Upload(services.WithClaim(context.Background(), "claim-old"), local, remote)
			}
		}}, nil
	}))

	result, err := fast.Upload(services.WithClaim(context.Background(), "claim-new"), local, remote)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !errors.Is(slowErr, services.ErrTransferUnreachable) {
		t.Fatalf("expected interrupted upload to fail as unreachable, got %v", slowErr)
	}
	got, size, err := fileutil.SHA256File(remote)
	if err != nil || got != want || size != 8192 || result.SizeBytes != size {
		t.Fatalf("archived file corrupted: size=%d sum=%s err=%v", size, got, err)
	}
}

func TestUploadIntegrityRetriedOnce(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "thumb.jpg", 1024)

	var dials atomic.Int32
	bad := &atomic.Int32{}
	bad.Store(1)
	client := newLocalClient(t, archive, transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		dials.Add(1)
		return flakyFS{FS: transfer.NewLocalFS(), badChecksums: bad}, nil
	}))

	result, err := client.Upload(context.Background(), local, client.RemotePath("thumbnails", "thumb.jpg"))
	if err != nil {
		t.Fatalf("expected recovery after one integrity failure, got %v", err)
	}
	if result.Attempts != 2 || dials.Load() != 2 {
		t.Fatalf("expected two attempts, got result=%d dials=%d", result.Attempts, dials.Load())
	}
}

func TestUploadIntegrityEscalatesAfterRetry(t *testing.T) {
	scratch := t.TempDir()
	archive := t.TempDir()
	local := writeArtifact(t, scratch, "thumb.jpg", 1024)

	bad := &atomic.Int32{}
	bad.Store(100)
	var dials atomic.Int32
	client := newLocalClient(t, archive, transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		dials.Add(1)
		return flakyFS{FS: transfer.NewLocalFS(), badChecksums: bad}, nil
	}))

	remote := client.RemotePath("thumbnails", "thumb.jpg")
	_, err := client.Upload(context.Background(), local, remote)
	if !errors.Is(err, services.ErrTransferIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if services.IsPermanent(err) {
		t.Fatal("integrity failures must stay retryable at the queue level")
	}
	if dials.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d dials", dials.Load())
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Fatal("unverified upload must not be renamed into place")
	}
}

func TestUploadUnreachable(t *testing.T) {
	local := writeArtifact(t, t.TempDir(), "a.tif", 64)
	client := newLocalClient(t, "/archive", transfer.WithDialer(func(context.Context) (transfer.FS, error) {
		return nil, errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
	}))

	_, err := client.Upload(context.Background(), local, "/archive/cogs/a/a_cog.tif")
	if !errors.Is(err, services.ErrTransferUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if !transfer.Error.Has(err) {
		t.Fatalf("expected transfer error class, got %v", err)
	}
	if services.IsPermanent(err) {
		t.Fatal("unreachable must be retryable")
	}
}

func writeKey(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCredentialFileFailuresAreRetryable(t *testing.T) {
	dir := t.TempDir()
	key := writeKey(t, dir)
	garbled := filepath.Join(dir, "garbled")
	if err := os.WriteFile(garbled, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		key        string
		knownHosts string
		want       error
	}{
		{"missing key", filepath.Join(dir, "absent_key"), "", services.ErrTransferUnreachable},
		{"unreadable key", dir, "", services.ErrTransferUnreachable},
		{"missing known_hosts", key, filepath.Join(dir, "absent_known_hosts"), services.ErrTransferUnreachable},
		{"malformed key", garbled, "", services.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := transfer.NewClient(transfer.Options{
				Host:           "archive.invalid",
				Username:       "tessera",
				PrivateKeyPath: tt.key,
				KnownHostsPath: tt.knownHosts,
				RemoteRoot:     "/data",
			})
			err := client.Check(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if services.IsPermanent(err) != (tt.want == services.ErrConfiguration) {
				t.Fatalf("unexpected permanence for %v", err)
			}
		})
	}
}

func TestDownload(t *testing.T) {
	archive := t.TempDir()
	client := newLocalClient(t, archive)
	remote := client.RemotePath("archive", "site.tif")
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte("raw!"), 1000)
	if err := os.WriteFile(remote, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(t.TempDir(), "entry-1", "site.tif")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(local+".part", payload[:1500], 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := client.Download(context.Background(), remote, local)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if result.Resumed != 1500 || result.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected result %+v", result)
	}
	got, err := os.ReadFile(local)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("downloaded content differs (err=%v)", err)
	}

	_, err = client.Download(context.Background(), client.RemotePath("archive", "missing.tif"), filepath.Join(t.TempDir(), "x.tif"))
	if !errors.Is(err, services.ErrMissingInput) || !services.IsPermanent(err) {
		t.Fatalf("expected permanent missing input, got %v", err)
	}
}

func TestRemotePathAndTarget(t *testing.T) {
	client := transfer.NewClient(transfer.Options{Host: "archive.example", Username: "proc", RemoteRoot: "/data"})
	if got := client.RemotePath("cogs", "x", "x_cog.tif"); got != "/data/cogs/x/x_cog.tif" {
		t.Fatalf("unexpected remote path %q", got)
	}
	if got := client.Target(); got != "proc@archive.example:/data" {
		t.Fatalf("unexpected target %q", got)
	}
	if got := transfer.PartialPath("/data/a.tif", "claim-1"); got != "/data/a.tif.part-claim-1" {
		t.Fatalf("unexpected partial path %q", got)
	}
}
