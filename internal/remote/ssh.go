package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deixis/shardbench/internal/runner"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the options used to open SSH sessions.
type SSHConfig struct {
	User        string
	Port        int
	KeyFiles    []string
	KnownHosts  string
	Insecure    bool // skip host key verification
	DialTimeout time.Duration
	MaxOutput   int
}

// SSHSession is a Session over a persistent SSH connection.
type SSHSession struct {
	host      *Host
	client    *ssh.Client
	forward   bool
	maxOutput int
	log       zerolog.Logger

	mu sync.Mutex
}

// DialSSH connects to h.Access and returns a ready session. The local
// agent, when available, is used for authentication and forwarded to the
// remote side.
func DialSSH(ctx context.Context, h *Host, cfg SSHConfig, log zerolog.Logger) (*SSHSession, error) {
	clientCfg, ag, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(h.Access, strconv.Itoa(port))

	d := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	forward := false
	if ag != nil {
		if err := agent.ForwardToAgent(client, ag); err == nil {
			forward = true
		}
	}

	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = runner.DefaultMaxOutput
	}
	return &SSHSession{
		host:      h,
		client:    client,
		forward:   forward,
		maxOutput: maxOutput,
		log:       log,
	}, nil
}

func (cfg SSHConfig) clientConfig() (*ssh.ClientConfig, agent.ExtendedAgent, error) {
	name := cfg.User
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}

	var methods []ssh.AuthMethod
	var ag agent.ExtendedAgent
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag = agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		}
	}

	keyFiles := cfg.KeyFiles
	if len(keyFiles) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			keyFiles = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}
	var signers []ssh.Signer
	for _, path := range keyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && len(cfg.KeyFiles) == 0 {
				continue
			}
			return nil, nil, fmt.Errorf("reading key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing key %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, nil, errors.New("ssh: no agent and no usable key files")
	}

	var hostKey ssh.HostKeyCallback
	if cfg.Insecure {
		hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		path := cfg.KnownHosts
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("locating known_hosts: %w", err)
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", path, err)
		}
		hostKey = cb
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ssh.ClientConfig{
		User:            name,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, ag, nil
}

// Host returns the host this session is bound to.
func (s *SSHSession) Host() *Host { return s.host }

// Run composes spec, logs it and executes it on the host.
func (s *SSHSession) Run(ctx context.Context, spec CommandSpec) (*runner.Result, error) {
	line := Compose(spec)
	logCommand(s.log, s.host, spec, line)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session on %s: %w", s.host.Addr, err)
	}
	defer sess.Close()

	if s.forward {
		_ = agent.RequestAgentForwarding(sess)
	}
	if UsePTY(spec) {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
			return nil, fmt.Errorf("requesting pty on %s: %w", s.host.Addr, err)
		}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &runner.LimitWriter{Buf: &stdout, Limit: s.maxOutput}
	sess.Stderr = &runner.LimitWriter{Buf: &stderr, Limit: s.maxOutput}

	res, err := s.wait(ctx, sess, line, spec.Timeout)
	if res != nil {
		res.Stdout = stdout.Bytes()
		res.Stderr = stderr.Bytes()
		res.Truncated = stdout.Len() >= s.maxOutput || stderr.Len() >= s.maxOutput
	}
	return res, err
}

// wait starts line on sess and blocks until it exits, ctx is done or
// timeout elapses.
func (s *SSHSession) wait(ctx context.Context, sess *ssh.Session, line string, timeout time.Duration) (*runner.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := &runner.Result{RunID: uuid.New().String(), Command: line}
	if err := sess.Start(line); err != nil {
		return nil, fmt.Errorf("starting command on %s: %w", s.host.Addr, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		res.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("on %s after %s: %w", s.host.Addr, timeout, runner.ErrTimeout)
		}
		return res, ctx.Err()
	}

	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("running command on %s: %w", s.host.Addr, waitErr)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

// Put streams localPath into remotePath through cat. A leading "~/" is
// resolved against the login directory.
func (s *SSHSession) Put(ctx context.Context, localPath, remotePath string) error {
	remotePath = strings.TrimPrefix(remotePath, "~/")
	s.log.Info().Str("host", s.host.Addr).Msgf("scp localhost:%s -> %s:%s", localPath, s.host.Addr, remotePath)

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("put %s: %w", localPath, err)
	}
	defer f.Close()

	return s.stream(ctx, "cat > "+shellQuote(remotePath), f, io.Discard)
}

// Get streams remotePath into localPath. Nothing is left at localPath
// when the remote file cannot be read.
func (s *SSHSession) Get(ctx context.Context, remotePath, localPath string) error {
	remotePath = strings.TrimPrefix(remotePath, "~/")
	s.log.Info().Str("host", s.host.Addr).Msgf("scp %s:%s -> localhost:%s", s.host.Addr, remotePath, localPath)

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".get-*")
	if err != nil {
		return fmt.Errorf("get %s: %w", remotePath, err)
	}
	defer os.Remove(tmp.Name())

	if err := s.stream(ctx, "cat "+shellQuote(remotePath), nil, tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("get %s:%s: %w", s.host.Addr, remotePath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("get %s: %w", remotePath, err)
	}
	return os.Rename(tmp.Name(), localPath)
}

func (s *SSHSession) stream(ctx context.Context, cmd string, in io.Reader, out io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", s.host.Addr, err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdin = in
	sess.Stdout = out
	sess.Stderr = &runner.LimitWriter{Buf: &stderr, Limit: 4096}

	res, err := s.wait(ctx, sess, cmd, 0)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Close closes the underlying connection.
func (s *SSHSession) Close() error {
	return s.client.Close()
}
