package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tessera/internal/config"
	"tessera/internal/fileutil"
	"tessera/internal/logging"
	"tessera/internal/services"
)

const stageName = "transfer"

// resumeRetries bounds reconnects within one Upload after a dropped
// connection.
const resumeRetries = 1

// Options describes the archive connection.
type Options struct {
	Host             string
	Port             int
	Username         string
	PrivateKeyPath   string
	Passphrase       string
	KnownHostsPath   string
	RemoteRoot       string
	DialTimeout      time.Duration
	VerifyChecksum   bool
	IntegrityRetries int
}

// OptionsFromConfig maps the [transfer] config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Host:             cfg.Transfer.Host,
		Port:             cfg.Transfer.Port,
		Username:         cfg.Transfer.Username,
		PrivateKeyPath:   cfg.Transfer.PrivateKeyPath,
		Passphrase:       cfg.Transfer.Passphrase,
		KnownHostsPath:   cfg.Transfer.KnownHostsPath,
		RemoteRoot:       cfg.Transfer.RemoteRoot,
		DialTimeout:      time.Duration(cfg.Transfer.DialTimeoutSeconds) * time.Second,
		VerifyChecksum:   cfg.Transfer.VerifyChecksum,
		IntegrityRetries: cfg.Transfer.IntegrityRetries,
	}
}

// Dialer opens a session against the archive.
type Dialer func(ctx context.Context) (FS, error)

// Result describes a completed copy.
type Result struct {
	RemotePath string
	LocalPath  string
	SizeBytes  int64
	Checksum   string
	// Resumed is the number of bytes already present when the copy started.
	Resumed  int64
	Attempts int
	Verified string
}

// Option configures the client.
type Option func(*Client)

// WithDialer replaces the archive dialer (primarily for tests).
func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client moves files between scratch space and the archive.
type Client struct {
	opts   Options
	dial   Dialer
	logger *slog.Logger
}

// NewClient constructs a client. Without a host the archive is the local
// directory tree under RemoteRoot.
func NewClient(opts Options, options ...Option) *Client {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.IntegrityRetries < 0 {
		opts.IntegrityRetries = 0
	}
	c := &Client{opts: opts, logger: logging.NewNop()}
	if strings.TrimSpace(opts.Host) == "" {
		c.dial = func(context.Context) (FS, error) { return NewLocalFS(), nil }
	} else {
		c.dial = func(ctx context.Context) (FS, error) { return dialSFTP(ctx, c.opts) }
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Target describes the archive for logs and status output.
func (c *Client) Target() string {
	if c.opts.Host == "" {
		return c.opts.RemoteRoot
	}
	return fmt.Sprintf("%s@%s:%s", c.opts.Username, c.opts.Host, c.opts.RemoteRoot)
}

// RemotePath joins elem onto the archive root.
func (c *Client) RemotePath(elem ...string) string {
	return path.Join(append([]string{c.opts.RemoteRoot}, elem...)...)
}

// PartialPath is the temporary name an upload owned by owner uses before it
// is renamed to remotePath. Each owner writes its own partial, so concurrent
// uploads to one destination never share a file.
func PartialPath(remotePath, owner string) string {
	return remotePath + ".part-" + owner
}

// uploadOwner names the partial an upload may resume: the queue claim the
// work runs under, or a fresh id when there is none.
func uploadOwner(ctx context.Context) string {
	if claim, ok := services.ClaimFromContext(ctx); ok {
		return claim
	}
	return uuid.NewString()
}

// Check dials the archive and ensures the root directory exists.
func (c *Client) Check(ctx context.Context) error {
	fsys, err := c.dial(ctx)
	if err != nil {
		return c.unreachable(ctx, "dial", err)
	}
	defer fsys.Close()
	if err := fsys.MkdirAll(c.opts.RemoteRoot); err != nil {
		return c.unreachable(ctx, "mkdir", err)
	}
	return nil
}

// Upload copies localPath to remotePath. A copy interrupted by a dropped
// connection is resumed once from the bytes already written. Integrity
// failures restart the copy from scratch up to IntegrityRetries times before
// they are returned.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (*Result, error) {
	logger := logging.WithContext(ctx, c.logger)

	sum, size, err := fileutil.SHA256File(localPath)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "hash", filepath.Base(localPath), err)
	}

	partial := PartialPath(remotePath, uploadOwner(ctx))
	integrityLeft := c.opts.IntegrityRetries
	resumeLeft := resumeRetries
	for attempt := 1; ; attempt++ {
		result, err := c.uploadOnce(ctx, localPath, remotePath, partial, size, sum)
		if err == nil {
			result.Attempts = attempt
			logger.Info("artifact transferred",
				logging.String("remote_path", remotePath),
				logging.Int64("size_bytes", size),
				logging.Int64("resumed_bytes", result.Resumed),
				logging.String("verified", result.Verified),
			)
			return result, nil
		}
		switch {
		case errors.Is(err, services.ErrTransferIntegrity) && integrityLeft > 0:
			integrityLeft--
			logging.WarnWithContext(logger, "transfer integrity check failed; retrying", "transfer_integrity_retry",
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("remote_path", remotePath),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remote copy is rewritten from the first byte"),
			)
		case errors.As(err, new(interruptedError)) && resumeLeft > 0 && ctx.Err() == nil:
			resumeLeft--
			logging.WarnWithContext(logger, "transfer interrupted; resuming", "transfer_resume",
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("remote_path", remotePath),
				logging.Error(err),
			)
		default:
			return nil, err
		}
	}
}

func (c *Client) uploadOnce(ctx context.Context, localPath, remotePath, partial string, size int64, sum string) (*Result, error) {
	fsys, err := c.dial(ctx)
	if err != nil {
		return nil, c.unreachable(ctx, "dial", err)
	}
	defer func() {
		if err := fsys.Close(); err != nil {
			c.logger.Debug("archive close failed", logging.Error(err))
		}
	}()

	if err := fsys.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, c.unreachable(ctx, "mkdir", err)
	}

	var offset int64
	if info, err := fsys.Stat(partial); err == nil {
		if info.Size() <= size {
			offset = info.Size()
		} else {
			_ = fsys.Remove(partial)
		}
	}

	if err := c.push(ctx, fsys, localPath, partial, offset); err != nil {
		return nil, err
	}
	verified, err := c.verify(ctx, fsys, partial, size, sum)
	if err != nil {
		_ = fsys.Remove(partial)
		return nil, err
	}
	if err := fsys.Rename(partial, remotePath); err != nil {
		return nil, c.unreachable(ctx, "rename", err)
	}
	final, err := fsys.Stat(remotePath)
	if err != nil {
		return nil, c.unreachable(ctx, "stat", err)
	}
	if final.Size() != size {
		return nil, services.Wrap(services.ErrTransferIntegrity, stageName, "verify rename",
			fmt.Sprintf("archived file has %d bytes, local has %d", final.Size(), size), nil)
	}
	return &Result{
		RemotePath: remotePath,
		LocalPath:  localPath,
		SizeBytes:  size,
		Checksum:   sum,
		Resumed:    offset,
		Verified:   verified,
	}, nil
}

func (c *Client) push(ctx context.Context, fsys FS, localPath, partial string, offset int64) error {
	src, err := os.Open(localPath)
	if err != nil {
		return services.Wrap(services.ErrTransient, stageName, "open", filepath.Base(localPath), err)
	}
	defer src.Close()

	flag := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flag |= os.O_TRUNC
	}
	dst, err := fsys.OpenFile(partial, flag)
	if err != nil {
		return c.unreachable(ctx, "open remote", err)
	}
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			_ = dst.Close()
			return services.Wrap(services.ErrTransient, stageName, "seek", "", err)
		}
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			_ = dst.Close()
			return c.unreachable(ctx, "seek remote", err)
		}
	}

	_, err = io.Copy(dst, contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return interruptedError{c.unreachable(ctx, "write", err)}
	}
	return nil
}

// interruptedError marks a copy that failed after reaching the archive, so
// the bytes already written can be resumed.
type interruptedError struct{ error }

func (e interruptedError) Unwrap() error { return e.error }

func (c *Client) verify(ctx context.Context, fsys FS, partial string, size int64, sum string) (string, error) {
	info, err := fsys.Stat(partial)
	if err != nil {
		return "", c.unreachable(ctx, "stat", err)
	}
	if info.Size() != size {
		return "", services.Wrap(services.ErrTransferIntegrity, stageName, "verify size",
			fmt.Sprintf("remote has %d bytes, local has %d", info.Size(), size), nil)
	}
	if !c.opts.VerifyChecksum {
		return "size", nil
	}
	remoteSum, err := fsys.Checksum(ctx, partial)
	switch {
	case errors.Is(err, errChecksumUnsupported):
		c.logger.Debug("remote checksum unavailable; verified by size", logging.String("path", partial))
		return "size", nil
	case err != nil:
		return "", c.unreachable(ctx, "checksum", err)
	case !strings.EqualFold(remoteSum, sum):
		return "", services.Wrap(services.ErrTransferIntegrity, stageName, "verify checksum",
			fmt.Sprintf("remote sha256 %s does not match local %s", remoteSum, sum), nil)
	}
	return "sha256", nil
}

// Download copies remotePath into localPath, resuming a previous partial
// download when one exists. A missing remote file is permanent.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) (*Result, error) {
	logger := logging.WithContext(ctx, c.logger)

	fsys, err := c.dial(ctx)
	if err != nil {
		return nil, c.unreachable(ctx, "dial", err)
	}
	defer fsys.Close()

	info, err := fsys.Stat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, services.Wrap(services.ErrMissingInput, "fetch", "stat", remotePath, err)
		}
		return nil, c.unreachable(ctx, "stat", err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, services.Wrap(services.ErrTransient, "fetch", "mkdir", "", err)
	}
	partial := localPath + ".part"
	var offset int64
	if local, err := os.Stat(partial); err == nil && local.Size() <= info.Size() {
		offset = local.Size()
	}

	src, err := fsys.OpenFile(remotePath, os.O_RDONLY)
	if err != nil {
		return nil, c.unreachable(ctx, "open remote", err)
	}
	defer src.Close()

	flag := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flag |= os.O_TRUNC
	}
	dst, err := os.OpenFile(partial, flag, 0o644)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "fetch", "open local", "", err)
	}
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			_ = dst.Close()
			return nil, c.unreachable(ctx, "seek remote", err)
		}
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			_ = dst.Close()
			return nil, services.Wrap(services.ErrTransient, "fetch", "seek local", "", err)
		}
	}
	_, err = io.Copy(dst, contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, c.unreachable(ctx, "read", err)
	}

	sum, size, err := fileutil.SHA256File(partial)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "fetch", "hash", "", err)
	}
	if size != info.Size() {
		_ = os.Remove(partial)
		return nil, services.Wrap(services.ErrTransferIntegrity, "fetch", "verify size",
			fmt.Sprintf("downloaded %d bytes, archive has %d", size, info.Size()), nil)
	}
	if err := os.Rename(partial, localPath); err != nil {
		return nil, services.Wrap(services.ErrTransient, "fetch", "rename", "", err)
	}

	logger.Info("raw upload fetched",
		logging.String("remote_path", remotePath),
		logging.Int64("size_bytes", size),
		logging.Int64("resumed_bytes", offset),
	)
	return &Result{
		RemotePath: remotePath,
		LocalPath:  localPath,
		SizeBytes:  size,
		Checksum:   sum,
		Resumed:    offset,
		Attempts:   1,
		Verified:   "size",
	}, nil
}

func (c *Client) unreachable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, services.ErrConfiguration) || errors.Is(err, services.ErrTransferUnreachable) {
		return err
	}
	return services.Wrap(services.ErrTransferUnreachable, stageName, op, c.Target(), Error.Wrap(err))
}
