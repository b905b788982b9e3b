package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHAgentKey as the ssh_key setting authenticates with the keys held by
// the agent at $SSH_AUTH_SOCK.
const SSHAgentKey = "agent"

// DefaultSSHKey is the ssh_key used when the config leaves it empty: the
// agent when one is running, otherwise password only.
func DefaultSSHKey() string {
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return SSHAgentKey
	}
	return ""
}

// sshKeyAuth turns an ssh_key setting into an auth method. The returned
// closer releases the agent connection, if one was opened.
func sshKeyAuth(key string) (ssh.AuthMethod, io.Closer, error) {
	switch key {
	case "":
		return nil, nil, nil
	case SSHAgentKey:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("ssh_key is agent but SSH_AUTH_SOCK is not set")
		}
		var d net.Dialer
		conn, err := d.DialContext(context.Background(), "unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("ssh agent: %w", err)
		}
		// Signers are fetched per handshake so keys added later are used.
		return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
	}

	pemBytes, err := os.ReadFile(key) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, nil, fmt.Errorf("ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh key %s: %w", key, err)
	}
	return ssh.PublicKeys(signer), nil, nil
}

// sshHostKeyCheck verifies upstream host keys against a known_hosts file.
// Unknown hosts are rejected; add them with ssh-keyscan first. An empty path
// turns checking off.
func sshHostKeyCheck(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Printf("ssh upstream: host key checking disabled (ssh_known_hosts is empty)")
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Explicitly disabled by config.
	}
	check, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("%s is not in %s: %w", hostname, knownHostsPath, err)
			}
			return fmt.Errorf("host key for %s does not match %s: %w", hostname, knownHostsPath, err)
		}
		return err
	}, nil
}
