package dialer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/bitproxy/internal/testutil"
)

// writeKnownHosts records key for addr in a fresh known_hosts file.
func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "known_hosts")
	var line string
	if key != nil {
		line = knownhosts.Line([]string{addr}, key) + "\n"
	}
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func sshTestConfig(knownHosts string) Config {
	return Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHostsPath:  knownHosts,
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestSSHProxyDialerDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	sshLn, hostKey := testutil.StartSSHServer(t, "user", "pass")
	knownHosts := writeKnownHosts(t, sshLn.Addr().String(), hostKey)

	d, err := NewSSHProxyDialer(sshTestConfig(knownHosts), sshLn.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	d.mu.Lock()
	first := d.current
	d.mu.Unlock()
	_ = c1.Close()

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	d.mu.Lock()
	reused := d.current == first
	d.mu.Unlock()
	if !reused {
		t.Error("second dial opened a new ssh connection")
	}
}

func TestSSHProxyDialerRefusedTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, _ := testutil.StartSSHServer(t, "user", "pass")

	d, err := NewSSHProxyDialer(sshTestConfig(""), sshLn.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	_, err = d.DialContext(ctx, "tcp", freeAddr(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := Classify(err); got != ReasonRefused {
		t.Fatalf("reason %v, want %v (%v)", got, ReasonRefused, err)
	}
	if IsTimeout(err) {
		t.Fatal("refused channel reported as timeout")
	}

	// A rejected channel says nothing about the ssh connection itself.
	d.mu.Lock()
	kept := d.current != nil
	d.mu.Unlock()
	if !kept {
		t.Error("ssh connection dropped after a rejected channel")
	}
}

func TestSSHProxyDialerWrongPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, _ := testutil.StartSSHServer(t, "user", "pass")

	d, err := NewSSHProxyDialer(sshTestConfig(""), sshLn.Addr().String(), "user", "wrong")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1")
	if got := Classify(err); got != ReasonAuth {
		t.Fatalf("reason %v, want %v (%v)", got, ReasonAuth, err)
	}
}

func TestSSHProxyDialerHostKeyCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sshLn, _ := testutil.StartSSHServer(t, "user", "pass")
	addr := sshLn.Addr().String()

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := ssh.NewPublicKey(otherPub)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		knownHosts string
		want       string
	}{
		{name: "unknown host", knownHosts: writeKnownHosts(t, addr, nil), want: "is not in"},
		{name: "changed key", knownHosts: writeKnownHosts(t, addr, otherKey), want: "does not match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewSSHProxyDialer(sshTestConfig(tt.knownHosts), addr, "user", "pass")
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()

			_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1")
			if err == nil {
				t.Fatal("expected host key error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSSHKeyAuth(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	junkPath := filepath.Join(dir, "junk")
	if err := os.WriteFile(junkPath, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	method, closer, err := sshKeyAuth(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if method == nil || closer != nil {
		t.Fatalf("key file: method %v closer %v", method, closer)
	}

	if method, _, err := sshKeyAuth(""); err != nil || method != nil {
		t.Fatalf("empty key: method %v err %v", method, err)
	}
	if _, _, err := sshKeyAuth(junkPath); err == nil {
		t.Fatal("expected parse error")
	}
	if _, _, err := sshKeyAuth(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected read error")
	}

	t.Setenv("SSH_AUTH_SOCK", "")
	if _, _, err := sshKeyAuth(SSHAgentKey); err == nil {
		t.Fatal("expected error without an agent")
	}
	if got := DefaultSSHKey(); got != "" {
		t.Fatalf("DefaultSSHKey without agent = %q", got)
	}
}
