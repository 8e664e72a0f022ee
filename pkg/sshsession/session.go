// Package sshsession manages a single, reusable SSH connection to a
// remote host: command execution, file put/get/read/write, directory
// listing, an idle-disconnect timer, and automatic reconnect on a dead
// transport.
//
// Grounded on original_source/backend/core/ssh_manager.py's SSHManager,
// ported from paramiko's thread-safe connection pool (one RLock guarding
// a lazily-opened SFTP channel, a threading.Timer driving idle
// disconnect) to golang.org/x/crypto/ssh, whose client/session/auth
// pattern follows Aureuma-si/tools/si/paas_ssh_transport_cmd.go. File
// transfer here rides the SSH session's stdin/stdout (scp-protocol
// framing, as in paas_ssh_transport_cmd.go's runPaasSCPUploadGo) rather
// than a separate SFTP subsystem, since no SFTP client library appears
// anywhere in the example pack.
package sshsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neuroinsight/orchestrator/pkg/log"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultCommandTimeout    = 120 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultIdleTimeout       = 30 * time.Minute
)

// ErrNotConfigured is returned when an operation runs before Configure.
var ErrNotConfigured = errors.New("sshsession: not configured")

// Entry is one directory listing row.
type Entry struct {
	Name     string
	Path     string
	IsDir    bool
	Size     int64
	Modified time.Time
}

// Config holds the parameters needed to establish one SSH connection.
type Config struct {
	Host              string
	User              string
	Port              int
	KeyPath           string
	KnownHostsFile    string
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
}

// CommandResult is the outcome of one remote command execution.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is a reusable, thread-safe SSH connection to one remote host.
// Mirrors ssh_manager.py's SSHManager: configure once, connect lazily,
// reconnect on a dead transport, auto-disconnect after an idle period.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	client *ssh.Client

	connected     bool
	connectedAt   time.Time
	lastActivity  time.Time
	idleTimer     *time.Timer
	breaker       *gobreaker.CircuitBreaker
	keepaliveStop chan struct{}
}

// New constructs an unconnected Session. Call Configure then Connect
// (or simply Configure and let the first operation connect lazily).
func New() *Session {
	s := &Session{}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-session",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return s
}

// Configure sets connection parameters. If already connected to a
// different host/user/port, the existing connection is closed first.
func (s *Session) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	if s.connected && (s.cfg.Host != cfg.Host || s.cfg.User != cfg.User || s.cfg.Port != cfg.Port) {
		s.closeLocked()
	}
	s.cfg = cfg
}

// Connect establishes the SSH connection if not already connected and
// alive. Authentication priority follows ssh_manager.py: an explicit
// key file, then the SSH agent, then default key locations.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.connected && s.isAliveLocked() {
		return nil
	}
	if s.cfg.Host == "" || s.cfg.User == "" {
		return ErrNotConfigured
	}
	s.closeLocked()

	authMethods, err := resolveAuthMethods(s.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("sshsession: no auth methods available: %w", err)
	}
	hostKeyCallback, err := hostKeyCallback(s.cfg.KnownHostsFile)
	if err != nil {
		return fmt.Errorf("sshsession: host key callback: %w", err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	logger := log.WithHost(s.cfg.Host)
	logger.Info().Str("user", s.cfg.User).Msg("connecting SSH session")

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sshsession: dial %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("sshsession: handshake with %s: %w", addr, err)
	}
	s.client = ssh.NewClient(clientConn, chans, reqs)

	s.connected = true
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
	s.resetIdleTimerLocked()
	s.startKeepaliveLocked()

	logger.Info().Msg("SSH session connected")
	return nil
}

func (s *Session) isAliveLocked() bool {
	if s.client == nil {
		return false
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (s *Session) ensureConnectedLocked(ctx context.Context) error {
	if s.connected && s.isAliveLocked() {
		return nil
	}
	log.WithHost(s.cfg.Host).Info().Msg("SSH connection lost, reconnecting")
	return s.connectLocked(ctx)
}

func (s *Session) startKeepaliveLocked() {
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
	}
	stop := make(chan struct{})
	s.keepaliveStop = stop
	interval := s.cfg.KeepaliveInterval
	client := s.client
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _, _ = client.SendRequest("keepalive@openssh.com", true, nil)
			}
		}
	}()
}

func (s *Session) resetIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.cfg.IdleTimeout > 0 && s.connected {
		s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.idleDisconnect)
	}
}

func (s *Session) idleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := time.Since(s.lastActivity)
	log.WithHost(s.cfg.Host).Info().
		Dur("idle", idle).Dur("timeout", s.cfg.IdleTimeout).
		Msg("SSH session idle timeout, disconnecting")
	s.closeLocked()
}

// Disconnect closes the connection and cancels the idle timer.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	log.WithHost(s.cfg.Host).Info().Msg("SSH session disconnected")
}

func (s *Session) closeLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.connected = false
}

// IsConnected reports whether the transport is live.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.isAliveLocked()
}

// Info describes the current connection state, mirroring
// ssh_manager.py's connection_info property.
type Info struct {
	Connected           bool
	Host                string
	User                string
	Port                int
	UptimeSeconds       int
	LastActivitySeconds int
	IdleTimeoutSeconds  int
	IdleTimeoutRemains  int
}

func (s *Session) ConnectionInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	connected := s.connected && s.isAliveLocked()
	idleSeconds := int(time.Since(s.lastActivity).Seconds())
	info := Info{
		Connected:          connected,
		Host:               s.cfg.Host,
		User:               s.cfg.User,
		Port:               s.cfg.Port,
		IdleTimeoutSeconds: int(s.cfg.IdleTimeout.Seconds()),
	}
	if connected {
		info.UptimeSeconds = int(time.Since(s.connectedAt).Seconds())
		info.LastActivitySeconds = idleSeconds
		remaining := int(s.cfg.IdleTimeout.Seconds()) - idleSeconds
		if remaining < 0 {
			remaining = 0
		}
		info.IdleTimeoutRemains = remaining
	}
	return info
}

// Execute runs a command on the remote host through the circuit
// breaker and returns its exit code, stdout and stderr.
func (s *Session) Execute(ctx context.Context, command string) (CommandResult, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.executeNoBreaker(ctx, command)
	})
	if err != nil {
		return CommandResult{}, err
	}
	return out.(CommandResult), nil
}

func (s *Session) executeNoBreaker(ctx context.Context, command string) (CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(ctx); err != nil {
		return CommandResult{}, err
	}
	s.lastActivity = time.Now()
	s.resetIdleTimerLocked()

	session, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("sshsession: new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, fmt.Errorf("sshsession: command execution failed: %w", err)
	}
	return result, nil
}

// ExecuteChecked runs a command and returns an error if its exit code
// is non-zero, mirroring ssh_manager.py's execute_check.
func (s *Session) ExecuteChecked(ctx context.Context, command string) (string, error) {
	res, err := s.Execute(ctx, command)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sshsession: command failed (exit %d): %s: %s", res.ExitCode, command, truncate(res.Stderr, 500))
	}
	return res.Stdout, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PutFile uploads a local file to the remote path over the scp
// protocol on the session's stdin/stdout, creating the remote parent
// directory first (ssh_manager.py's put_file).
func (s *Session) PutFile(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	s.lastActivity = time.Now()
	s.resetIdleTimerLocked()

	if err := s.mkdirPLocked(ctx, path.Dir(remotePath)); err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sshsession: open local file: %w", err)
	}
	defer local.Close()
	info, err := local.Stat()
	if err != nil {
		return err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("sshsession: new session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr strings.Builder
	session.Stderr = &stderr

	if err := session.Start("scp -t " + shellQuote(remotePath)); err != nil {
		return err
	}
	reader := bufio.NewReader(stdout)
	if err := readSCPAck(reader); err != nil {
		return scpError(err, stderr.String())
	}

	mode := info.Mode().Perm() & 0o777
	header := fmt.Sprintf("C%04o %d %s\n", mode, info.Size(), path.Base(localPath))
	if _, err := io.WriteString(stdin, header); err != nil {
		return err
	}
	if err := readSCPAck(reader); err != nil {
		return scpError(err, stderr.String())
	}
	if _, err := io.Copy(stdin, local); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	if err := readSCPAck(reader); err != nil {
		return scpError(err, stderr.String())
	}
	if err := stdin.Close(); err != nil {
		return err
	}
	if err := session.Wait(); err != nil {
		return scpError(err, stderr.String())
	}
	return nil
}

// GetFile downloads a remote file to a local path over the scp
// protocol (ssh_manager.py's get_file).
func (s *Session) GetFile(ctx context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	s.lastActivity = time.Now()
	s.resetIdleTimerLocked()

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr strings.Builder
	session.Stderr = &stderr

	if err := session.Start("scp -f " + shellQuote(remotePath)); err != nil {
		return err
	}
	reader := bufio.NewReader(stdout)

	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	header, err := reader.ReadString('\n')
	if err != nil {
		return scpError(err, stderr.String())
	}
	var mode uint32
	var size int64
	var name string
	if _, err := fmt.Sscanf(header, "C%o %d %s", &mode, &size, &name); err != nil {
		return fmt.Errorf("sshsession: unexpected scp header %q: %w", header, err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.CopyN(out, reader, size); err != nil {
		return err
	}
	if err := readSCPAck(reader); err != nil {
		return scpError(err, stderr.String())
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return err
	}
	return session.Wait()
}

// WriteFile writes string content directly to a remote file, creating
// its parent directory first (ssh_manager.py's write_file).
func (s *Session) WriteFile(ctx context.Context, remotePath, content string, mode os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	s.lastActivity = time.Now()
	s.resetIdleTimerLocked()

	if err := s.mkdirPLocked(ctx, path.Dir(remotePath)); err != nil {
		return err
	}

	if mode == 0 {
		mode = 0o644
	}
	quoted := shellQuote(remotePath)
	cmd := fmt.Sprintf("cat > %s && chmod %04o %s", quoted, mode.Perm(), quoted)

	session, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	session.Stdin = strings.NewReader(content)
	var stderr strings.Builder
	session.Stderr = &stderr
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("sshsession: write %s: %w: %s", remotePath, err, stderr.String())
	}
	return nil
}

// ReadFile returns the content of a remote file (ssh_manager.py's read_file).
func (s *Session) ReadFile(ctx context.Context, remotePath string) (string, error) {
	res, err := s.Execute(ctx, "cat "+shellQuote(remotePath))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sshsession: read %s failed (exit %d): %s", remotePath, res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

// ListDir lists a remote directory's entries, directories first then
// sorted by name, case-insensitively (ssh_manager.py's list_dir).
func (s *Session) ListDir(ctx context.Context, remotePath string) ([]Entry, error) {
	res, err := s.Execute(ctx, fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -printf '%%y\\t%%s\\t%%T@\\t%%f\\n'", shellQuote(remotePath)))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sshsession: list %s failed (exit %d): %s", remotePath, res.ExitCode, res.Stderr)
	}

	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		mtimeFloat, _ := strconv.ParseFloat(parts[2], 64)
		entries = append(entries, Entry{
			Name:     parts[3],
			Path:     path.Join(remotePath, parts[3]),
			IsDir:    parts[0] == "d",
			Size:     size,
			Modified: time.Unix(int64(mtimeFloat), 0),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

// FileExists reports whether a path exists on the remote host.
func (s *Session) FileExists(ctx context.Context, remotePath string) (bool, error) {
	res, err := s.Execute(ctx, "test -e "+shellQuote(remotePath))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// RemoveFile removes a file on the remote host.
func (s *Session) RemoveFile(ctx context.Context, remotePath string) error {
	res, err := s.Execute(ctx, "rm -f "+shellQuote(remotePath))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sshsession: remove %s failed (exit %d): %s", remotePath, res.ExitCode, res.Stderr)
	}
	return nil
}

func (s *Session) mkdirPLocked(ctx context.Context, remoteDir string) error {
	if remoteDir == "" || remoteDir == "/" || remoteDir == "." {
		return nil
	}
	session, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	var stderr strings.Builder
	session.Stderr = &stderr
	if err := session.Run("mkdir -p " + shellQuote(remoteDir)); err != nil {
		return fmt.Errorf("sshsession: mkdir -p %s: %w: %s", remoteDir, err, stderr.String())
	}
	return nil
}

// HealthCheck reports whether the session can reach and execute on
// the remote host, mirroring ssh_manager.py's health_check.
type HealthCheck struct {
	Healthy bool
	Message string
	Info    Info
}

func (s *Session) HealthCheck(ctx context.Context) HealthCheck {
	if s.cfg.Host == "" || s.cfg.User == "" {
		return HealthCheck{Healthy: false, Message: "SSH not configured"}
	}
	if !s.IsConnected() {
		return HealthCheck{Healthy: false, Message: fmt.Sprintf("not connected to %s", s.cfg.Host), Info: s.ConnectionInfo()}
	}
	res, err := s.Execute(ctx, "echo OK && hostname")
	if err != nil || res.ExitCode != 0 {
		return HealthCheck{Healthy: false, Message: "connection test failed", Info: s.ConnectionInfo()}
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	hostname := lines[len(lines)-1]
	return HealthCheck{Healthy: true, Message: fmt.Sprintf("connected to %s", hostname), Info: s.ConnectionInfo()}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readSCPAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case 1, 2:
		msg, _ := r.ReadString('\n')
		msg = strings.TrimSpace(msg)
		if msg == "" {
			msg = "remote scp returned an error"
		}
		return errors.New(msg)
	default:
		return fmt.Errorf("unexpected scp protocol response: %d", code)
	}
}

func scpError(err error, stderrText string) error {
	msg := strings.TrimSpace(stderrText)
	if msg == "" {
		msg = strings.TrimSpace(err.Error())
	}
	if msg == "" {
		msg = "scp transfer failed"
	}
	return fmt.Errorf("sshsession: %s", msg)
}

// resolveAuthMethods follows ssh_manager.py's priority: an explicit key
// file first, then the running SSH agent, then default key locations.
func resolveAuthMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyPath != "" {
		if signer, err := loadKeyFile(keyPath); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentClient := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
		}
	}

	if len(methods) == 0 {
		for _, candidate := range []string{"~/.ssh/id_ed25519", "~/.ssh/id_rsa"} {
			expanded := expandHome(candidate)
			if signer, err := loadKeyFile(expanded); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no SSH key or agent available")
	}
	return methods, nil
}

func loadKeyFile(keyPath string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(keyPath))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepathJoin(home, strings.TrimPrefix(p, "~"))
}

func filepathJoin(a, b string) string {
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

func hostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, err
	}
	return cb, nil
}
