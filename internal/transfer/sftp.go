package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"tessera/internal/services"
)

type sftpFS struct {
	client *sftp.Client
	conn   *ssh.Client
}

func (f *sftpFS) Stat(name string) (os.FileInfo, error) {
	return f.client.Stat(name)
}

func (f *sftpFS) MkdirAll(dir string) error {
	return f.client.MkdirAll(dir)
}

func (f *sftpFS) OpenFile(name string, flag int) (File, error) {
	file, err := f.client.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Rename prefers the posix-rename extension, which replaces the target
// atomically. Servers without it get remove-then-rename.
func (f *sftpFS) Rename(oldname, newname string) error {
	if err := f.client.PosixRename(oldname, newname); err == nil {
		return nil
	}
	if err := f.client.Remove(newname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return f.client.Rename(oldname, newname)
}

func (f *sftpFS) Remove(name string) error {
	return f.client.Remove(name)
}

// Checksum runs sha256sum on the archive host over a separate SSH session.
func (f *sftpFS) Checksum(ctx context.Context, name string) (string, error) {
	if f.conn == nil {
		return "", errChecksumUnsupported
	}
	session, err := f.conn.NewSession()
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	out, err := session.Output("sha256sum -- " + shellQuote(name))
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 127 {
			return "", errChecksumUnsupported
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Error.Wrap(err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", Error.New("unexpected sha256sum output %q", strings.TrimSpace(string(out)))
	}
	return strings.ToLower(fields[0]), nil
}

func (f *sftpFS) Close() error {
	var sshErr error
	if f.conn != nil {
		sshErr = f.conn.Close()
	}
	return Error.Wrap(errs.Combine(f.client.Close(), sshErr))
}

// dialSFTP opens an SSH connection with key authentication and starts an
// SFTP session over it.
func dialSFTP(ctx context.Context, opts Options) (FS, error) {
	signer, err := loadSigner(opts.PrivateKeyPath, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, netConn.Close()))
	}
	_ = netConn.SetDeadline(time.Time{})
	conn := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, conn.Close()))
	}
	return &sftpFS{client: client, conn: conn}, nil
}

// loadSigner reads the private key. A key file that cannot be read is
// TransferUnreachable so the entry waits for the mount or permissions to come
// back; a key that parses wrong is Configuration.
func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, services.Wrap(services.ErrTransferUnreachable, stageName, "load key", keyPath, err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, services.Wrap(services.ErrConfiguration, stageName, "load key", "key is encrypted; set transfer.passphrase", nil)
		}
		return nil, services.Wrap(services.ErrConfiguration, stageName, "load key", keyPath, err)
	}
	return signer, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		marker := services.ErrConfiguration
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			marker = services.ErrTransferUnreachable
		}
		return nil, services.Wrap(marker, stageName, "known hosts", knownHostsPath, err)
	}
	return callback, nil
}

func shellQuote(value string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(value, "'", `'\''`))
}
