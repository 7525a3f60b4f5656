package sftpfs

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netresearch/jobbroker/core/domain"
)

func TestRemoteDirIsKeyedByJobID(t *testing.T) {
	f := &Filesystem{cfg: Config{Entry: "/remote/jobs"}}
	if got := f.remoteDir(domain.Job{ID: 42}); got != "/remote/jobs/42" {
		t.Errorf("unexpected remote dir: %q", got)
	}
}

func TestAuthMethodPrefersPrivateKeyOverPassword(t *testing.T) {
	if _, err := authMethod(Config{PrivateKeyPath: "/does/not/exist"}); err == nil {
		t.Fatal("expected error reading a nonexistent private key")
	}
}

func TestAuthMethodFallsBackToPassword(t *testing.T) {
	method, err := authMethod(Config{Password: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method == nil {
		t.Fatal("expected a non-nil password auth method")
	}
}

func TestHostKeyCallbackRequiresKnownHostsUnlessInsecure(t *testing.T) {
	if _, err := hostKeyCallback(Config{}); err == nil {
		t.Fatal("expected error when neither known_hosts_path nor insecure_host_key is set")
	}
}

func TestHostKeyCallbackAllowsInsecureOverride(t *testing.T) {
	cb, err := hostKeyCallback(Config{InsecureHostKey: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb == nil {
		t.Fatal("expected a non-nil host key callback")
	}
}

func TestHostKeyCallbackLoadsKnownHostsFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line := knownhosts.Line([]string{"storage.example.com"}, signer.PublicKey())

	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(line+"\n"), 0o640); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb, err := hostKeyCallback(Config{KnownHostsPath: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb == nil {
		t.Fatal("expected a non-nil host key callback")
	}
}

func TestNewRejectsMissingAuthAndHostKeyMaterial(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for a config with neither known_hosts_path nor insecure_host_key")
	}
}

func TestNewDefaultsPoolSizeToOne(t *testing.T) {
	f, err := New(Config{Host: "storage.example.com", User: "transfer", Password: "x", Entry: "/remote/jobs", InsecureHostKey: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap(f.pool) != 1 {
		t.Errorf("expected default pool size 1, got %d", cap(f.pool))
	}
}

func TestNewHonorsConfiguredPoolSize(t *testing.T) {
	f, err := New(Config{Host: "storage.example.com", User: "transfer", Password: "x", Entry: "/remote/jobs", PoolSize: 5, InsecureHostKey: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cap(f.pool) != 5 {
		t.Errorf("expected configured pool size 5, got %d", cap(f.pool))
	}
}

func TestReleasePoolsConnectionWhenSpaceAvailable(t *testing.T) {
	f, err := New(Config{Host: "storage.example.com", User: "transfer", Password: "x", Entry: "/remote/jobs", PoolSize: 2, InsecureHostKey: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.opened = 1

	f.release(nil)

	select {
	case <-f.pool:
	default:
		t.Error("expected release to push the connection back onto the pool")
	}
}
