package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sheerbytes/memfetch/internal/config"
)

const sshDialTimeout = 15 * time.Second

// defaultKeyNames are tried in order under ~/.ssh when no key is configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// dialSSH opens an authenticated SSH connection to the target host using
// public key authentication and known_hosts verification.
func dialSSH(cfg config.CommonConfig) (*ssh.Client, error) {
	clientConfig, err := sshClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(cfg.SSHHost, strconv.Itoa(cfg.SSHPort))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func sshClientConfig(cfg config.CommonConfig) (*ssh.ClientConfig, error) {
	home, _ := os.UserHomeDir()

	keyPath, err := resolveKeyPath(cfg.SSHKey, home)
	if err != nil {
		return nil, err
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return nil, err
	}

	knownHostsPath := cfg.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeys, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", knownHostsPath, err)
	}

	return &ssh.ClientConfig{
		User:            cfg.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         sshDialTimeout,
	}, nil
}

func resolveKeyPath(configured, home string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	for _, name := range defaultKeyNames {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no ssh private key found; set -ssh-key")
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is passphrase protected; load it without a passphrase", keyPath)
		}
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	return signer, nil
}
