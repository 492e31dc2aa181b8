// Package transport is the Remote Transport (C2): authenticated,
// retried, multiplexable remote-shell command execution and small-file
// movement against a named host. It is grounded on the teacher's pkg/ssh
// (agent/key auth probing, known_hosts loading) generalized with connection
// resolution precedence, a retry/backoff policy, host-key policy modes, and
// a non-throwing exit-code contract that pkg/ssh's CombinedOutput shape
// could not express.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kvmclone/kvmclone/pkg/clonerr"
	"github.com/kvmclone/kvmclone/pkg/command"
	"github.com/kvmclone/kvmclone/pkg/logging"
	"github.com/kvmclone/kvmclone/pkg/model"
)

// Options configures how a Connection is resolved and authenticated.
// Zero-valued fields are filled in by resolve, in precedence order: an
// explicit Options field wins, then the matching ~/.ssh/config Host entry
// (read by lookupSSHConfigAlias), then environment overrides, then built-in
// defaults.
type Options struct {
	Port          int
	Username      string
	KeyPath       string
	Timeout       time.Duration
	KnownHosts    string
	HostKeyPolicy model.HostKeyPolicy
}

// ExecResult is C2's execute() return shape: exit code and output are
// returned to the caller, never thrown, so the caller decides policy.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Connection is one authenticated session against a host, reused across
// calls by a Transport's connection pool.
type Connection struct {
	Host   string
	Port   int
	client *ssh.Client
	mu     sync.Mutex
}

// Transport manages a pool of Connections keyed by host:port:user and
// applies the retry/backoff policy around dialing.
type Transport struct {
	log    *logging.Logger
	mu     sync.Mutex
	pool   map[string]*Connection
	maxRetries int
}

// New constructs a Transport with the default retry policy (up to 3 retries
// after the first attempt, waiting 1s/2s/4s between them).
func New(log *logging.Logger) *Transport {
	return &Transport{log: log, pool: make(map[string]*Connection), maxRetries: 3}
}

func poolKey(host string, opts Options) string {
	return fmt.Sprintf("%s:%d:%s", host, opts.Port, opts.Username)
}

// resolve fills in zero-valued Options fields via the precedence order from
// §4.2: explicit args (already set by the caller) > per-host ssh config
// alias > environment overrides > process defaults.
func resolve(host string, opts Options) Options {
	if alias, ok := lookupSSHConfigAlias(host); ok {
		if opts.Username == "" {
			opts.Username = alias.user
		}
		if opts.Port == 0 {
			opts.Port = alias.port
		}
		if opts.KeyPath == "" {
			opts.KeyPath = alias.identityFile
		}
	}
	if opts.KeyPath == "" {
		opts.KeyPath = os.Getenv("KVMCLONE_SSH_KEY_PATH")
	}
	if opts.Port == 0 {
		if v := os.Getenv("KVMCLONE_SSH_PORT"); v != "" {
			fmt.Sscanf(v, "%d", &opts.Port)
		}
	}
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = model.HostKeyPolicy(os.Getenv("KVMCLONE_SSH_HOST_KEY_POLICY"))
	}
	if opts.KnownHosts == "" {
		opts.KnownHosts = os.Getenv("KVMCLONE_KNOWN_HOSTS_FILE")
	}
	if opts.Username == "" {
		if u := os.Getenv("USER"); u != "" {
			opts.Username = u
		}
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = model.HostKeyStrict
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return opts
}

type sshAlias struct {
	user         string
	port         int
	identityFile string
}

// lookupSSHConfigAlias does a minimal scan of ~/.ssh/config for a Host
// block matching host, extracting User/Port/IdentityFile. Unknown
// directives are ignored; this is intentionally not a full ssh_config
// parser, matching the scope of a config-aware resolution step rather than
// a drop-in OpenSSH client.
func lookupSSHConfigAlias(host string) (sshAlias, bool) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return sshAlias{}, false
	}
	data, err := os.ReadFile(filepath.Join(homeDir, ".ssh", "config"))
	if err != nil {
		return sshAlias{}, false
	}
	var alias sshAlias
	matched := false
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "host":
			matched = fields[1] == host
		case "user":
			if matched {
				alias.user = fields[1]
			}
		case "port":
			if matched {
				fmt.Sscanf(fields[1], "%d", &alias.port)
			}
		case "identityfile":
			if matched {
				alias.identityFile = fields[1]
			}
		}
	}
	return alias, alias.user != "" || alias.port != 0 || alias.identityFile != ""
}

// Open establishes (or reuses a pooled) Connection to host, retrying
// transient errors per the configured backoff. Authentication and host-key
// failures are never retried.
func (t *Transport) Open(ctx context.Context, host string, opts Options) (*Connection, error) {
	opts = resolve(host, opts)
	key := poolKey(host, opts)

	t.mu.Lock()
	if conn, ok := t.pool[key]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	authMethods, err := authMethods(opts)
	if err != nil {
		return nil, err
	}
	hostKeyCB, err := hostKeyCallback(opts, t.log)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            opts.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCB,
		Timeout:         opts.Timeout,
	}
	addr := fmt.Sprintf("%s:%d", host, opts.Port)

	var client *ssh.Client
	backoff := time.Second
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		client, err = ssh.Dial("tcp", addr, cfg)
		if err == nil {
			break
		}
		if !isTransient(err) {
			return nil, classifyDialError(host, err)
		}
		if attempt == t.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, clonerr.Wrap(clonerr.CodeOperationCancelled, ctx.Err(), "connect to %s cancelled", host)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, classifyDialError(host, err).AsRetryable()
	}

	conn := &Connection{Host: host, Port: opts.Port, client: client}
	t.mu.Lock()
	t.pool[key] = conn
	t.mu.Unlock()
	if t.log != nil {
		t.log.Info("ssh connection established", "host", host, "port", opts.Port)
	}
	return conn, nil
}

func classifyDialError(host string, err error) *clonerr.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return clonerr.Wrap(clonerr.CodeAuth, err, "authentication failed for %s", host).
			WithRemediation(
				"Run ssh-copy-id to install your public key on the destination host.",
				"Check that ssh-agent is running and your key is added (ssh-add -l).",
				"Verify connectivity with a manual `ssh` invocation to the same host.",
			)
	default:
		return clonerr.Wrap(clonerr.CodeConnection, err, "failed to connect to %s", host)
	}
}

// isTransient reports whether err looks like a retriable network condition
// (refused, timeout, reset, DNS) rather than a permanent auth/host-key
// failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ssh.OpenChannelError); ok {
		return false
	}
	if e, ok := err.(net.Error); ok && e.Timeout() {
		return true
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "EOF"):
		return true
	}
	return false
}

func authMethods(opts Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if agentAuth := tryAgent(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}
	if opts.KeyPath != "" {
		keyAuth, err := tryKeyFile(opts.KeyPath)
		if err != nil {
			return nil, err
		}
		if keyAuth != nil {
			methods = append(methods, keyAuth)
		}
	}
	if len(methods) == 0 {
		return nil, clonerr.New(clonerr.CodeSSHKey, "no authentication method available (no agent, no identity key)")
	}
	return methods, nil
}

func tryAgent() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func tryKeyFile(keyPath string) (ssh.AuthMethod, error) {
	if strings.HasPrefix(keyPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, clonerr.Wrap(clonerr.CodeSSHKey, err, "resolve home directory")
		}
		keyPath = filepath.Join(home, keyPath[2:])
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		return nil, clonerr.Wrap(clonerr.CodeSSHKey, err, "identity key %s not found", keyPath)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, clonerr.New(clonerr.CodeSSHKey,
			"identity key %s has insecure permissions %o, expected 0600 or 0400", keyPath, mode)
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, clonerr.Wrap(clonerr.CodeSSHKey, err, "read identity key %s", keyPath)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, clonerr.Wrap(clonerr.CodeSSHKey, err, "parse identity key %s", keyPath)
	}
	return ssh.PublicKeys(signer), nil
}

// hostKeyCallback implements the three policy modes: strict rejects
// unknown hosts, warn logs and accepts, accept auto-adds. System and user
// known_hosts files are loaded in all three modes.
func hostKeyCallback(opts Options, log *logging.Logger) (ssh.HostKeyCallback, error) {
	knownHostsPath := opts.KnownHosts
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
		}
	}

	var files []string
	for _, f := range []string{knownHostsPath, "/etc/ssh/ssh_known_hosts"} {
		if _, err := os.Stat(f); f != "" && err == nil {
			files = append(files, f)
		}
	}
	var base ssh.HostKeyCallback
	if len(files) > 0 {
		if cb, err := knownhosts.New(files...); err == nil {
			base = cb
		}
	}

	switch opts.HostKeyPolicy {
	case model.HostKeyAccept:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if base != nil {
				if err := base(hostname, remote, key); err == nil {
					return nil
				}
			}
			appendKnownHost(knownHostsPath, hostname, key)
			return nil
		}, nil
	case model.HostKeyWarn:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if base != nil {
				if err := base(hostname, remote, key); err != nil && log != nil {
					// warn mode logs and accepts rather than failing
					log.Warn("accepting unverified host key", "host", hostname, "error", err.Error())
				}
			}
			return nil
		}, nil
	default: // strict
		if base == nil {
			return nil, clonerr.New(clonerr.CodeHostKey, "no known_hosts file available under strict host-key policy").
				WithRemediation(
					"Create ~/.ssh/known_hosts or set *_KNOWN_HOSTS_FILE.",
					"Switch host-key policy to warn or accept if this host is new and trusted.",
				)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := base(hostname, remote, key); err != nil {
				return clonerr.Wrap(clonerr.CodeHostKey, err, "host key verification failed for %s", hostname).
					WithRemediation(
						"Verify the host's fingerprint out-of-band, then add it with ssh-keyscan.",
						"Switch host-key policy to warn or accept if you trust this connection.",
					)
			}
			return nil
		}, nil
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) {
	if path == "" {
		return
	}
	line := knownhosts.Line([]string{hostname}, key) + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(line)
}

// Execute runs command on conn and returns its exit code, stdout, and
// stderr without throwing on non-zero exit — callers decide policy.
func (c *Connection) Execute(ctx context.Context, command string) (ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "open session on %s", c.Host)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return ExecResult{}, clonerr.Wrap(clonerr.CodeOperationCancelled, ctx.Err(), "command on %s cancelled", c.Host)
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "command execution failed on %s", c.Host)
			}
		}
		return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

// ExecuteStream runs cmd on conn like Execute, but invokes onLine for each
// line written to stdout as it is produced instead of buffering the whole
// run and handing it back at once — the primitive long-running commands
// with their own progress protocol (rsync's --progress) need so a caller
// can report ticks while the transfer is still in flight.
func (c *Connection) ExecuteStream(ctx context.Context, cmd string, onLine func(string)) (ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "open session on %s", c.Host)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "open stdout pipe on %s", c.Host)
	}
	var stdout, stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "start command on %s", c.Host)
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		scanner.Split(scanCarriageOrNewline)
		for scanner.Scan() {
			line := scanner.Text()
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		<-scanDone
		return ExecResult{}, clonerr.Wrap(clonerr.CodeOperationCancelled, ctx.Err(), "command on %s cancelled", c.Host)
	case err := <-done:
		<-scanDone
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, clonerr.Wrap(clonerr.CodeConnection, err, "command execution failed on %s", c.Host)
			}
		}
		return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

// scanCarriageOrNewline is a bufio.SplitFunc that splits on either \r or
// \n, matching how rsync's --progress rewrites an in-place status line with
// \r and only terminates it with \n once a file finishes.
func scanCarriageOrNewline(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Upload streams r to remotePath on conn via a `cat > path` session,
// avoiding any dependency on an SFTP subsystem the example pack never uses.
func (c *Connection) Upload(ctx context.Context, r io.Reader, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.client.NewSession()
	if err != nil {
		return clonerr.Wrap(clonerr.CodeConnection, err, "open session on %s", c.Host)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return clonerr.Wrap(clonerr.CodeConnection, err, "open stdin pipe to %s", c.Host)
	}

	if err := session.Start(fmt.Sprintf("cat > %s", command.Quote(remotePath))); err != nil {
		return clonerr.Wrap(clonerr.CodeConnection, err, "start upload session on %s", c.Host)
	}

	copyErrCh := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(stdin, r)
		stdin.Close()
		copyErrCh <- copyErr
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return clonerr.Wrap(clonerr.CodeOperationCancelled, ctx.Err(), "upload to %s cancelled", c.Host)
	case copyErr := <-copyErrCh:
		if copyErr != nil {
			return clonerr.Wrap(clonerr.CodeTransfer, copyErr, "stream upload to %s", c.Host)
		}
		if err := session.Wait(); err != nil {
			return clonerr.Wrap(clonerr.CodeTransfer, err, "upload command on %s", c.Host)
		}
		return nil
	}
}

// Download streams remotePath from conn into w via a `cat path` session.
func (c *Connection) Download(ctx context.Context, remotePath string, w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.client.NewSession()
	if err != nil {
		return clonerr.Wrap(clonerr.CodeConnection, err, "open session on %s", c.Host)
	}
	defer session.Close()

	session.Stdout = w
	if err := session.Run(fmt.Sprintf("cat %s", command.Quote(remotePath))); err != nil {
		return clonerr.Wrap(clonerr.CodeTransfer, err, "download from %s", c.Host)
	}
	return nil
}

// Close releases the underlying SSH connection.
func (c *Connection) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// CloseAll closes every pooled connection.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, conn := range t.pool {
		conn.Close()
		delete(t.pool, key)
	}
}
