package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hgmo/hgdeploy/internal/constants"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SSHConfig struct {
	User            string
	Port            int
	IdentityFile    string
	KnownHostsFile  string
	InsecureHostKey bool
	Timeout         time.Duration
}

// SSHExecutor runs commands over SSH, keeping one client connection per host
// for the lifetime of the executor. It is safe for concurrent use.
type SSHExecutor struct {
	Logger *slog.Logger
	// Output, when set, receives a copy of stdout and stderr as it is produced.
	Output func(host string) io.Writer

	cfg       SSHConfig
	auth      []ssh.AuthMethod
	hostKeys  ssh.HostKeyCallback
	agentConn net.Conn

	mu    sync.Mutex
	hosts map[string]*hostConn
}

type hostConn struct {
	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHExecutor(cfg SSHConfig, logger *slog.Logger) (*SSHExecutor, error) {
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultSSHPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = constants.DefaultSSHTimeout
	}
	if cfg.User == "" {
		cfg.User = currentUser()
	}

	e := &SSHExecutor{
		Logger: logger,
		cfg:    cfg,
		hosts:  make(map[string]*hostConn),
	}

	// SSH agent (close the socket when done)
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			e.auth = append(e.auth, ssh.PublicKeysCallback(ag.Signers))
			e.agentConn = conn
		}
	}

	// Specific key file
	if cfg.IdentityFile != "" {
		signer, err := loadPrivateKey(cfg.IdentityFile)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.auth = append(e.auth, ssh.PublicKeys(signer))
	}

	// Default keys
	homeDir, _ := os.UserHomeDir()
	for _, p := range []string{
		filepath.Join(homeDir, ".ssh", "id_ed25519"),
		filepath.Join(homeDir, ".ssh", "id_rsa"),
		filepath.Join(homeDir, ".ssh", "id_ecdsa"),
	} {
		if signer, err := loadPrivateKey(p); err == nil {
			e.auth = append(e.auth, ssh.PublicKeys(signer))
		}
	}

	switch {
	case cfg.InsecureHostKey:
		e.hostKeys = ssh.InsecureIgnoreHostKey()
	default:
		khPath := cfg.KnownHostsFile
		if khPath == "" {
			khPath = filepath.Join(homeDir, ".ssh", "known_hosts")
		}
		callback, err := knownhosts.New(khPath)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to load known hosts from %s (set ssh.insecure_host_key to skip verification): %w", khPath, err)
		}
		e.hostKeys = callback
	}

	return e, nil
}

// sessionCloseTimeout bounds the wait for a cancelled session to wind down
// before the whole connection is dropped.
const sessionCloseTimeout = 5 * time.Second

// Run executes command on host. host may be "name", "name:port" or
// "user@name:port"; missing parts come from the executor's SSHConfig.
func (e *SSHExecutor) Run(ctx context.Context, host, command string) (string, error) {
	client, err := e.client(ctx, host)
	if err != nil {
		return "", &CommandError{Host: host, Command: command, Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		// The cached connection may have gone away; dial once more.
		e.forget(host, client)
		if client, err = e.client(ctx, host); err == nil {
			session, err = client.NewSession()
		}
		if err != nil {
			return "", &CommandError{Host: host, Command: command, Err: fmt.Errorf("could not create SSH session: %w", err)}
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	var tee io.Writer
	if e.Output != nil {
		tee = e.Output(host)
	}
	session.Stdout = io.MultiWriter(&stdout, outputWriter(tee))
	session.Stderr = io.MultiWriter(&stderr, outputWriter(tee))

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// The output buffers are only safe to read once Run has returned.
		select {
		case <-done:
		case <-time.After(sessionCloseTimeout):
			e.forget(host, client)
			_ = client.Close()
			<-done
		}
		err = ctx.Err()
	}

	logLines(e.Logger, host, "stdout", stdout.String())
	logLines(e.Logger, host, "stderr", stderr.String())
	if err != nil {
		return stdout.String(), &CommandError{Host: host, Command: command, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// Close disconnects every cached client and the agent socket.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, hc := range e.hosts {
		hc.mu.Lock()
		if hc.client != nil {
			if err := hc.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			hc.client = nil
		}
		hc.mu.Unlock()
	}
	e.hosts = make(map[string]*hostConn)

	if e.agentConn != nil {
		_ = e.agentConn.Close()
		e.agentConn = nil
	}
	return errors.Join(errs...)
}

func (e *SSHExecutor) entry(host string) *hostConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	hc, ok := e.hosts[host]
	if !ok {
		hc = &hostConn{}
		e.hosts[host] = hc
	}
	return hc
}

func (e *SSHExecutor) client(ctx context.Context, host string) (*ssh.Client, error) {
	hc := e.entry(host)
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.client != nil {
		return hc.client, nil
	}
	client, err := e.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	hc.client = client
	return client, nil
}

func (e *SSHExecutor) forget(host string, stale *ssh.Client) {
	hc := e.entry(host)
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.client == stale {
		_ = hc.client.Close()
		hc.client = nil
	}
}

func (e *SSHExecutor) dial(ctx context.Context, host string) (*ssh.Client, error) {
	user, addr := ParseTarget(host, e.cfg.User, e.cfg.Port)

	dialer := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH connection failed: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            e.auth,
		HostKeyCallback: e.hostKeys,
		Timeout:         e.cfg.Timeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(e.cfg.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	if e.Logger != nil {
		e.Logger.Debug("Connected", "host", host, "addr", addr, "user", user)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// ParseTarget splits [user@]host[:port] into a user and a dialable address.
func ParseTarget(target, defaultUser string, defaultPort int) (user, addr string) {
	user = defaultUser
	if user == "" {
		user = currentUser()
	}
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, target = target[:i], target[i+1:]
	}

	if host, port, err := net.SplitHostPort(target); err == nil {
		return user, net.JoinHostPort(host, port)
	}
	if defaultPort == 0 {
		defaultPort = constants.DefaultSSHPort
	}
	return user, net.JoinHostPort(target, strconv.Itoa(defaultPort))
}

func loadPrivateKey(keyPath string) (ssh.Signer, error) {
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("key file does not exist: %s", keyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", keyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}

	return signer, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}
