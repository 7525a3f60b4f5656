// Package sftpfs implements the Filesystem variant for SlurmScheduler-style
// destinations: a remote execution site reached over SSH. Transfer is
// recursive and keyed by job identity (a per-job remote directory), which
// is itself Upload's atomicity mechanism: nothing on the remote side polls
// a job's directory until Upload has returned, so there is no
// partial-directory window to guard against with a stage-then-rename
// dance. Uses a connection-oriented, pooled SSH+SFTP session via
// golang.org/x/crypto/ssh and github.com/pkg/sftp.
package sftpfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netresearch/jobbroker/core/domain"
)

// Config is the `sftp{ssh_config,entry}` destination filesystem
// configuration.
type Config struct {
	Host           string `mapstructure:"host" validate:"required"`
	Port           int    `mapstructure:"port" default:"22"`
	User           string `mapstructure:"user" validate:"required"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Password       string `mapstructure:"password"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`
	InsecureHostKey bool  `mapstructure:"insecure_host_key"`
	Entry          string `mapstructure:"entry" validate:"required"`
	PoolSize       int    `mapstructure:"pool_size" default:"4"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" default:"10s"`
}

// Filesystem is the SFTP-backed Filesystem, holding a small pool of
// connected *sftp.Client sessions shared across jobs. The pool is mutated
// only through its own channel-based acquire/release; no other state is
// shared across goroutines.
type Filesystem struct {
	cfg Config

	mu      sync.Mutex
	pool    chan *sftp.Client
	opened  int
	sshConf *ssh.ClientConfig
}

// New builds a Filesystem from cfg. Connections are opened lazily, on
// first Upload/Download.
func New(cfg Config) (*Filesystem, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}

	auth, err := authMethod(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &Filesystem{
		cfg:  cfg,
		pool: make(chan *sftp.Client, cfg.PoolSize),
		sshConf: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKeyCb,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

func authMethod(cfg Config) (ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(cfg.Password), nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if cfg.KnownHostsPath == "" {
		return nil, fmt.Errorf("known_hosts_path required unless insecure_host_key is set")
	}
	return knownhosts.New(cfg.KnownHostsPath)
}

func (f *Filesystem) dial() (*sftp.Client, error) {
	addr := fmt.Sprintf("%s:%d", f.cfg.Host, f.cfg.Port)
	conn, err := ssh.Dial("tcp", addr, f.sshConf)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return client, nil
}

// acquire returns a pooled client, dialing a fresh one if the pool is empty
// and the open-connection budget allows it, else blocking until one is
// released or ctx is cancelled.
func (f *Filesystem) acquire(ctx context.Context) (*sftp.Client, error) {
	select {
	case c := <-f.pool:
		return c, nil
	default:
	}

	f.mu.Lock()
	if f.opened < f.cfg.PoolSize {
		f.opened++
		f.mu.Unlock()
		c, err := f.dial()
		if err != nil {
			f.mu.Lock()
			f.opened--
			f.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	f.mu.Unlock()

	select {
	case c := <-f.pool:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Filesystem) release(c *sftp.Client) {
	select {
	case f.pool <- c:
	default:
		_ = c.Close()
		f.mu.Lock()
		f.opened--
		f.mu.Unlock()
	}
}

func (f *Filesystem) remoteDir(job domain.Job) string {
	return path.Join(f.cfg.Entry, strconv.FormatInt(job.ID, 10))
}

// Upload recursively copies localDir into a remote directory keyed by
// job.ID.
func (f *Filesystem) Upload(ctx context.Context, localDir string, job domain.Job) (string, error) {
	client, err := f.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer f.release(client)

	remoteDir := f.remoteDir(job)
	if err := client.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("mkdir remote %s: %w", remoteDir, err)
	}

	err = filepath.WalkDir(localDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return client.MkdirAll(remotePath)
		}
		return copyLocalToRemote(ctx, client, p, remotePath)
	})
	if err != nil {
		return "", err
	}
	return remoteDir, nil
}

func copyLocalToRemote(ctx context.Context, client *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy to %s: %w", remotePath, err)
	}
	return ctx.Err()
}

// Download recursively copies the job's remote directory back into
// localDir, tolerating files that were never produced.
func (f *Filesystem) Download(ctx context.Context, _ string, localDir string, job domain.Job) error {
	client, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer f.release(client)

	remoteDir := f.remoteDir(job)
	walker := client.Walk(remoteDir)
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		info := walker.Stat()
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil || rel == "." {
			continue
		}
		localPath := filepath.Join(localDir, rel)
		if info.IsDir() {
			if err := os.MkdirAll(localPath, 0o750); err != nil {
				return fmt.Errorf("mkdir local %s: %w", localPath, err)
			}
			continue
		}
		if err := copyRemoteToLocal(ctx, client, walker.Path(), localPath); err != nil {
			return err
		}
	}
	return nil
}

func copyRemoteToLocal(ctx context.Context, client *sftp.Client, remotePath, localPath string) error {
	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(localPath), err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local %s: %w", localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy from %s: %w", remotePath, err)
	}
	return ctx.Err()
}

// Teardown removes the job's remote directory. Best-effort: the caller
// logs failures and never treats them as fatal.
func (f *Filesystem) Teardown(ctx context.Context, _ string, job domain.Job) error {
	client, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer f.release(client)
	return client.RemoveAll(f.remoteDir(job))
}
