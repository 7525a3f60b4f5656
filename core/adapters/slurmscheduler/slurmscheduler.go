// Package slurmscheduler implements the Scheduler variant for batch-cluster
// destinations: sbatch/scancel/sacct invoked over a shared SSH connection,
// using the same ssh.Client pooling idiom as sftpfs (the matching
// Filesystem for this scheduler) and a lazy-dial-with-reconnect pattern
// generalized from a Unix socket to a remote shell.
//
// The remote working directory is derived from the job id, which this
// package recovers from the local JobDescription.JobDir's base name (the
// orchestrator names every job directory after its id — see core.jobDir).
// RemoteWorkDir must be configured identically to the paired SftpFS's
// entry, since domain.JobDescription carries no remote handle of its own.
package slurmscheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// Config is the `slurm{partition,ssh_config}` destination scheduler
// configuration.
type Config struct {
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" default:"22"`
	User            string `mapstructure:"user" validate:"required"`
	PrivateKeyPath  string `mapstructure:"private_key_path"`
	Password        string `mapstructure:"password"`
	KnownHostsPath  string `mapstructure:"known_hosts_path"`
	InsecureHostKey bool   `mapstructure:"insecure_host_key"`

	Partition     string        `mapstructure:"partition" validate:"required"`
	RemoteWorkDir string        `mapstructure:"remote_work_dir" validate:"required"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" default:"10s"`
	SacctGrace    time.Duration `mapstructure:"sacct_grace" default:"30s"`
}

// Scheduler is the Slurm-backed Scheduler.
type Scheduler struct {
	cfg     Config
	sshConf *ssh.ClientConfig
	logger  core.Logger

	mu        sync.Mutex
	client    *ssh.Client
	submitted map[string]time.Time // internalID -> submit time, for the sacct grace window
}

// New validates cfg's auth material and returns a ready Scheduler. The SSH
// connection itself is dialed lazily on first use. logger receives SSH
// session diagnostics (dial/redial, command failures); typically a
// *core.LogrusAdapter.
func New(cfg Config, logger core.Logger) (*Scheduler, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg: cfg,
		sshConf: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKeyCb,
			Timeout:         cfg.DialTimeout,
		},
		logger:    logger,
		submitted: make(map[string]time.Time),
	}, nil
}

func authMethod(cfg Config) (ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		key, err := readFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
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

func (s *Scheduler) session() (*ssh.Session, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		if sess, err := client.NewSession(); err == nil {
			return sess, nil
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if s.logger != nil {
		s.logger.Debugf("slurmscheduler: dialing %s", addr)
	}
	newClient, err := ssh.Dial("tcp", addr, s.sshConf)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("slurmscheduler: dial %s failed: %v", addr, err)
		}
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	s.mu.Lock()
	s.client = newClient
	s.mu.Unlock()
	return newClient.NewSession()
}

// runRemote executes command on the remote host and returns its stdout,
// failing on a non-zero exit.
func (s *Scheduler) runRemote(command string, stdin []byte) (string, error) {
	sess, err := s.session()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	if err := sess.Run(command); err != nil {
		return "", fmt.Errorf("%s: %w (stderr: %s)", command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *Scheduler) remoteDir(jd domain.JobDescription) string {
	return path.Join(s.cfg.RemoteWorkDir, filepath.Base(jd.JobDir))
}

// Submit writes an sbatch script for jd.Command and submits it via
// `sbatch --parsable`, reading the script from stdin. Idempotent: a retry
// after losing track of the internal id finds it already recorded in
// JobDescription.JobDir's sentinel file and returns it without
// re-submitting.
func (s *Scheduler) Submit(ctx context.Context, jd domain.JobDescription) (string, error) {
	sentinel := filepath.Join(jd.JobDir, domain.FileSchedulerToken)
	if existing, err := readFile(sentinel); err == nil && len(existing) > 0 {
		return string(existing), nil
	}

	remoteDir := s.remoteDir(jd)
	script := buildScript(jd, remoteDir)

	flags := fmt.Sprintf("--parsable --partition=%s --chdir=%s -o %s -e %s",
		shellArg(s.cfg.Partition), shellArg(remoteDir),
		shellArg(path.Join(remoteDir, domain.FileStdout)),
		shellArg(path.Join(remoteDir, domain.FileStderr)))

	out, err := s.runRemote("sbatch "+flags, []byte(script))
	if err != nil {
		return "", fmt.Errorf("sbatch: %w", err)
	}
	internalID := strings.TrimSpace(strings.SplitN(out, ";", 2)[0])
	if internalID == "" {
		return "", fmt.Errorf("sbatch returned no job id (output: %q)", out)
	}

	if err := writeFile(sentinel, []byte(internalID)); err != nil {
		return "", fmt.Errorf("write scheduler sentinel: %w", err)
	}

	s.mu.Lock()
	s.submitted[internalID] = time.Now()
	s.mu.Unlock()

	return internalID, nil
}

func buildScript(jd domain.JobDescription, remoteDir string) string {
	var flags []string
	if jd.CPUTime > 0 {
		flags = append(flags, fmt.Sprintf("#SBATCH --time=%d", int(jd.CPUTime.Minutes())+1))
	}
	if jd.MemoryMB > 0 {
		flags = append(flags, fmt.Sprintf("#SBATCH --mem=%dM", jd.MemoryMB))
	}
	return fmt.Sprintf("#!/bin/sh\n%s\ncd %s\n%s\n", strings.Join(flags, "\n"), shellArg(remoteDir), jd.Command)
}

func shellArg(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

// slurm terminal states other than COMPLETED that sacct may report.
var slurmErrorStates = map[string]bool{
	"FAILED": true, "CANCELLED": true, "TIMEOUT": true,
	"NODE_FAIL": true, "OUT_OF_MEMORY": true, "PREEMPTED": true, "BOOT_FAIL": true,
}

// State queries sacct for internalID's state and exit code. A missing
// record within SacctGrace of submission is reported as queued rather than
// error, tolerating sacct's lag behind sbatch/squeue.
func (s *Scheduler) State(ctx context.Context, internalID string) (ports.SchedulerState, error) {
	out, err := s.runRemote(fmt.Sprintf("sacct -n -P -o State,ExitCode -j %s", shellArg(internalID)), nil)
	if err != nil {
		return "", fmt.Errorf("sacct: %w", err)
	}
	line := firstLine(out)
	if line == "" {
		s.mu.Lock()
		submittedAt, known := s.submitted[internalID]
		s.mu.Unlock()
		if known && time.Since(submittedAt) < s.cfg.SacctGrace {
			return ports.SchedulerQueued, nil
		}
		return "", fmt.Errorf("no sacct record for job %s", internalID)
	}

	fields := strings.SplitN(line, "|", 2)
	state := strings.TrimSpace(fields[0])
	// Strip array/step qualifiers, e.g. "COMPLETED+".
	state = strings.TrimRight(state, "+")

	switch {
	case state == "PENDING" || state == "CONFIGURING":
		return ports.SchedulerQueued, nil
	case state == "RUNNING" || state == "COMPLETING" || state == "SUSPENDED":
		return ports.SchedulerRunning, nil
	case state == "COMPLETED":
		if len(fields) > 1 && strings.HasPrefix(strings.TrimSpace(fields[1]), "0:") {
			return ports.SchedulerOK, nil
		}
		return ports.SchedulerError, nil
	case slurmErrorStates[state]:
		return ports.SchedulerError, nil
	default:
		return ports.SchedulerError, nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// Cancel is idempotent: scancel against an already-terminal job id is a
// harmless no-op on the Slurm side.
func (s *Scheduler) Cancel(ctx context.Context, internalID string) error {
	_, err := s.runRemote(fmt.Sprintf("scancel %s", shellArg(internalID)), nil)
	return err
}

// Close releases the shared SSH connection.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func readFile(p string) ([]byte, error) { return os.ReadFile(p) }

func writeFile(p string, data []byte) error { return os.WriteFile(p, data, 0o640) }
