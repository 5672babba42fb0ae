package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 8 * time.Second

// ClientConfig configures ClientRunner.
type ClientConfig struct {
	// Remote is user@host[:port]. The user defaults to the current user.
	Remote string
	// KeyFile defaults to ~/.ssh/id_ed25519, then ~/.ssh/id_rsa.
	KeyFile string
	// KnownHosts defaults to ~/.ssh/known_hosts. When the file is missing
	// and InsecureHostKey is set, host keys are not verified.
	KnownHosts      string
	InsecureHostKey bool
	Timeout         time.Duration
}

// ClientRunner runs commands over an in-process SSH connection. The
// connection is dialed on first use and reused until Close.
type ClientRunner struct {
	cfg  ClientConfig
	user string
	addr string

	mu     sync.Mutex
	client *ssh.Client
}

// NewClientRunner validates cfg without dialing.
func NewClientRunner(cfg ClientConfig) (*ClientRunner, error) {
	if cfg.Remote == "" {
		return nil, errors.New("scheduler: remote host is required for ssh-client transport")
	}
	userName, host := splitRemote(cfg.Remote)
	if userName == "" {
		if u, err := user.Current(); err == nil {
			userName = u.Username
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDialTimeout
	}
	return &ClientRunner{cfg: cfg, user: userName, addr: withDefaultPort(host)}, nil
}

func splitRemote(remote string) (userName, host string) {
	if at := strings.LastIndex(remote, "@"); at >= 0 {
		return remote[:at], remote[at+1:]
	}
	return "", remote
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

func (r *ClientRunner) String() string {
	return fmt.Sprintf("%s@%s", r.user, r.addr)
}

func (r *ClientRunner) dial() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	signer, err := loadSigner(r.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(r.cfg.KnownHosts, r.cfg.InsecureHostKey)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", r.addr, &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: dial %s: %w", r.addr, err)
	}
	r.client = client
	return client, nil
}

func (r *ClientRunner) Run(ctx context.Context, argv []string) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, errors.New("scheduler: empty command")
	}
	client, err := r.dial()
	if err != nil {
		return nil, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	cmd := "bash -lc " + ShellQuote(ShellJoin(argv))

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err := <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		session.Close()
		<-done
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s interrupted: %w", argv[0], ctx.Err())
	}
}

// Close releases the connection.
func (r *ClientRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func loadSigner(keyFile string) (ssh.Signer, error) {
	candidates := []string{keyFile}
	if keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		candidates = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}
	var lastErr error
	for _, path := range candidates {
		buf, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse key %s: %w", path, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("scheduler: no usable ssh key: %w", lastErr)
}

func hostKeyCallback(path string, insecure bool) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); err != nil {
		if insecure {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, fmt.Errorf("scheduler: known hosts %s: %w", path, err)
	}
	return knownhosts.New(path)
}
