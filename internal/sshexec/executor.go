// Xraycp is a control plane for XRAY (VLESS+REALITY) relays.
// Copyright (C) 2026 Xraycp Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sshexec runs shell commands on relay hosts over SSH. Every
// command opens a fresh connection, runs under a wall-clock timeout,
// and maps transport failures onto the closed error kind set consumed
// by the retry policy and the workflows.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"xraycp/internal/metrics"
	"xraycp/pkg/crypto"
	"xraycp/pkg/relay"
)

const (
	// DefaultConnectTimeout bounds the TCP dial plus SSH handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCommandTimeout bounds the whole command execution.
	DefaultCommandTimeout = 60 * time.Second

	// stderr carried in error details is truncated to keep job rows small.
	maxStderrDetail = 2048
)

// Result is the outcome of a single remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a command against a relay host. serverID resolves the
// connection parameters and credentials; the command is executed as-is
// in the remote shell.
type Executor interface {
	Run(ctx context.Context, serverID, command string) (*Result, error)
}

// HostResolver is the store subset the executor needs to resolve a
// host and its SSH secret.
type HostResolver interface {
	GetHost(ctx context.Context, id string) (*relay.Host, error)
	GetSecret(ctx context.Context, id string) (*relay.Secret, error)
}

// SSHExecutor is the production Executor. Connections are deliberately
// one-shot: provisioning runs a handful of commands per job and a
// stale cached connection is worse than a redial.
type SSHExecutor struct {
	resolver       HostResolver
	enc            *crypto.Encryptor
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         *log.Logger
}

// NewSSHExecutor creates an executor with default timeouts.
func NewSSHExecutor(resolver HostResolver, enc *crypto.Encryptor, logger *log.Logger) *SSHExecutor {
	return &SSHExecutor{
		resolver:       resolver,
		enc:            enc,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		logger:         logger,
	}
}

// WithTimeouts overrides the connect and command timeouts.
func (e *SSHExecutor) WithTimeouts(connect, command time.Duration) *SSHExecutor {
	if connect > 0 {
		e.connectTimeout = connect
	}
	if command > 0 {
		e.commandTimeout = command
	}
	return e
}

// Run executes a command on the host identified by serverID. A nonzero
// exit status yields both a populated Result and a COMMAND_FAILED
// error so probe-style callers can still inspect the output.
func (e *SSHExecutor) Run(ctx context.Context, serverID, command string) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, serverID, command)
	outcome := "ok"
	if err != nil {
		outcome = string(relay.KindOf(err))
	}
	metrics.ObserveSSHCommand(outcome, time.Since(start))
	return res, err
}

func (e *SSHExecutor) run(ctx context.Context, serverID, command string) (*Result, error) {
	host, err := e.resolver.GetHost(ctx, serverID)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrServerNotFound,
			fmt.Sprintf("server %s not found", serverID))
	}

	secret, err := e.resolver.GetSecret(ctx, host.SSHSecretID)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrSecretNotFound,
			fmt.Sprintf("secret %s not found for server %s", host.SSHSecretID, serverID))
	}

	credential, err := e.enc.Decrypt(secret.Ciphertext)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrSecretDecryptFailed,
			fmt.Sprintf("failed to decrypt secret %s", secret.ID))
	}

	config, err := buildClientConfig(host.SSHUser, secret.Kind, credential, e.connectTimeout)
	if err != nil {
		return nil, err
	}

	client, err := e.dial(ctx, host.Host, config)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, relay.NewAppError(relay.ErrHostUnreachable,
			fmt.Sprintf("failed to open SSH session on %s", host.Host))
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		return nil, relay.NewAppError(relay.ErrTimeout, "SSH command cancelled")
	case <-time.After(e.commandTimeout):
		e.logf("command timed out on %s after %s", host.Host, e.commandTimeout)
		return nil, relay.NewAppError(relay.ErrTimeout,
			fmt.Sprintf("SSH command timed out after %s", e.commandTimeout))
	case runErr := <-done:
		res := &Result{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if runErr == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, relay.NewAppError(relay.ErrCommandFailed, "SSH command failed").
				WithDetails(map[string]any{
					"exitCode": res.ExitCode,
					"stderr":   truncate(res.Stderr, maxStderrDetail),
				})
		}
		// Connection dropped mid-command.
		return nil, relay.NewAppError(relay.ErrHostUnreachable,
			fmt.Sprintf("SSH connection to %s lost: %v", host.Host, runErr))
	}
}

// dial opens the TCP connection and completes the SSH handshake under
// the connect timeout.
func (e *SSHExecutor) dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, relay.NewAppError(relay.ErrHostUnreachable,
			fmt.Sprintf("failed to connect to %s: %v", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, relay.NewAppError(relay.ErrAuthFailed,
				fmt.Sprintf("SSH authentication failed for %s", addr))
		}
		return nil, relay.NewAppError(relay.ErrHostUnreachable,
			fmt.Sprintf("SSH handshake with %s failed: %v", addr, err))
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSHExecutor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[sshexec] "+format, args...)
	}
}

func buildClientConfig(user string, kind relay.SecretKind, credential string, timeout time.Duration) (*ssh.ClientConfig, error) {
	if user == "" {
		user = "root"
	}
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // hosts are provisioned from inventory, not user input
		Timeout:         timeout,
	}

	switch kind {
	case relay.SecretKindPrivateKey:
		signer, err := ssh.ParsePrivateKey([]byte(credential))
		if err != nil {
			return nil, relay.NewAppError(relay.ErrSecretDecryptFailed,
				"failed to parse SSH private key")
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case relay.SecretKindPassword:
		config.Auth = []ssh.AuthMethod{ssh.Password(credential)}
	default:
		return nil, relay.NewAppError(relay.ErrSecretNotFound,
			fmt.Sprintf("unsupported secret kind %q", kind))
	}
	return config, nil
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
