package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gridtest/gridtest/pkg/transports"
)

// Transport runs agent processes on a remote host over SSH. It implements
// transports.Transport; each Open starts one session whose stdio carries
// the wire protocol.
type Transport struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
}

// NewTransport creates an SSH transport from the given configuration.
func NewTransport(config *Config) (*Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Transport{config: config}, nil
}

// Connect establishes the SSH connection to the remote host.
func (t *Transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.isConnected && t.client != nil {
		if err := t.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Msg("existing connection is dead, reconnecting")
		_ = t.client.Close()
	}

	clientConfig, err := t.config.BuildSSHClientConfig()
	if err != nil {
		return &transports.TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	if t.config.IsProxyEnabled() {
		return t.connectViaProxy(ctx, clientConfig)
	}
	return t.connectDirect(ctx, clientConfig)
}

// connectDirect establishes a direct SSH connection.
func (t *Transport) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := t.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return &transports.TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
		}
	case err := <-errChan:
		return &transports.TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
		}
	case client := <-connChan:
		t.adoptClient(client)
		log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// connectViaProxy establishes an SSH connection through a proxy/jump host.
func (t *Transport) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := &Config{
		Host:                  t.config.ProxyHost,
		Port:                  t.config.ProxyPort,
		User:                  t.config.ProxyUser,
		AuthMethod:            t.config.ProxyAuthMethod,
		Password:              t.config.ProxyPassword,
		PrivateKeyPath:        t.config.ProxyPrivateKeyPath,
		ConnectionTimeout:     t.config.ConnectionTimeout,
		StrictHostKeyChecking: t.config.StrictHostKeyChecking,
		KnownHostsPath:        t.config.KnownHostsPath,
	}

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := ssh.Dial("tcp", proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return &transports.TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
		}
	}

	targetAddress := t.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &transports.TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &transports.TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: true,
		}
	}

	t.adoptClient(ssh.NewClient(ncc, chans, reqs))
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// adoptClient stores a freshly dialed client (lock held by caller).
func (t *Transport) adoptClient(client *ssh.Client) {
	t.client = client
	t.isConnected = true
	t.connectedAt = time.Now()
	t.lastUsedAt = time.Now()

	if t.config.KeepAliveInterval > 0 {
		go t.keepAlive()
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (t *Transport) Disconnect() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if !t.isConnected || t.client == nil {
		return nil
	}

	log.Debug().Str("host", t.config.Host).Msg("closing SSH connection")

	err := t.client.Close()
	t.client = nil
	t.isConnected = false

	if err != nil {
		return &transports.TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (t *Transport) IsConnected() bool {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (t *Transport) HealthCheck(ctx context.Context) error {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	if !t.isConnected || t.client == nil {
		return &transports.TransportError{
			Op:  "healthcheck",
			Err: fmt.Errorf("not connected"),
		}
	}
	return t.healthCheckInternal()
}

// healthCheckInternal performs the actual health check (must be called with lock held).
func (t *Transport) healthCheckInternal() error {
	session, err := t.client.NewSession()
	if err != nil {
		return &transports.TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &transports.TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
		}
	}
	return nil
}

// keepAlive sends periodic keep-alive messages to keep the connection alive.
func (t *Transport) keepAlive() {
	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	maxRetries := t.config.MaxKeepAliveRetries

	for range ticker.C {
		t.connMu.RLock()
		if !t.isConnected || t.client == nil {
			t.connMu.RUnlock()
			return
		}
		client := t.client
		t.connMu.RUnlock()

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= maxRetries {
				log.Error().Msg("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			retries = 0
		}
	}
}

// Open starts the given command in a new session and connects to its
// stdio. It dials first if no connection is established yet.
func (t *Transport) Open(ctx context.Context, command []string) (transports.Conn, error) {
	if len(command) == 0 {
		return nil, &transports.TransportError{Op: "open", Err: fmt.Errorf("empty command")}
	}

	if !t.IsConnected() {
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
	}

	t.connMu.RLock()
	client := t.client
	t.connMu.RUnlock()
	if client == nil {
		return nil, &transports.TransportError{Op: "open", Err: fmt.Errorf("not connected")}
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &transports.TransportError{Op: "open", Err: err, IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &transports.TransportError{Op: "open", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &transports.TransportError{Op: "open", Err: err}
	}
	session.Stderr = os.Stderr

	if err := session.Start(shellQuote(command)); err != nil {
		_ = session.Close()
		return nil, &transports.TransportError{Op: "open", Err: err, IsTemporary: true}
	}

	return &sessionConn{session: session, stdin: stdin, stdout: stdout}, nil
}

// Upload copies a local file to the remote host via SFTP, creating parent
// directories as needed. Used to stage the agent binary before Open.
func (t *Transport) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	if !t.IsConnected() {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}

	t.connMu.RLock()
	client := t.client
	t.connMu.RUnlock()
	if client == nil {
		return &transports.TransportError{Op: "upload", Err: fmt.Errorf("not connected")}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	defer sftpClient.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &transports.TransportError{Op: "upload", Err: err}
		}
	}

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Msg("uploaded file")
	return nil
}

type sessionConn struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sessionConn) Stdin() io.Writer {
	return c.stdin
}

func (c *sessionConn) Stdout() io.Reader {
	return c.stdout
}

func (c *sessionConn) CloseWrite() error {
	if err := c.stdin.Close(); err != nil {
		return &transports.TransportError{Op: "close", Err: err}
	}
	return nil
}

func (c *sessionConn) Wait() error {
	err := c.session.Wait()
	_ = c.session.Close()
	if err != nil {
		return &transports.TransportError{Op: "wait", Err: err}
	}
	return nil
}

// shellQuote joins a command line, single-quoting arguments that need it.
func shellQuote(command []string) string {
	parts := make([]string, len(command))
	for i, arg := range command {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\$&|;<>()*?[]#~%") {
			parts[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		} else {
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}
