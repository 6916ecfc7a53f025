// Package remote executes parameterized shell scripts on tunnel servers over
// SSH. It is the transport under every protocol adapter: open an
// authenticated session, feed the script over stdin, elevate when the remote
// account is not root, capture output, and parse a structured trailer.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tunnelbay/tunnelbay/pkg/logger"
)

// ErrTransient wraps network and session establishment failures. These are
// retried locally with bounded linear backoff; everything else is not.
var ErrTransient = errors.New("transient remote failure")

// ScriptError reports a nonzero exit from a remote script together with the
// diagnostic it produced. It is a logical failure and is never retried.
type ScriptError struct {
	ExitCode   int
	Diagnostic string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("remote script failed with exit %d: %s", e.ExitCode, e.Diagnostic)
}

// Target identifies an SSH endpoint and the account to run as.
type Target struct {
	Host   string
	Port   int
	Login  string
	Secret string
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

// Result carries captured output plus the parsed structured payload.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Payload  map[string]string
}

// Config bounds the runner's retries and timeouts.
type Config struct {
	// DialTimeout bounds connection establishment. Defaults to 15s.
	DialTimeout time.Duration
	// ExecTimeout bounds a single script run. Defaults to 5m.
	ExecTimeout time.Duration
	// MaxAttempts bounds transient retries of dial/session setup.
	// Defaults to 3.
	MaxAttempts int
	// RetryDelay is the linear backoff base: attempt n sleeps n*RetryDelay.
	// Defaults to 2s.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// execFunc runs a command with the given stdin and returns captured output
// and the remote exit code. Swappable in tests.
type execFunc func(ctx context.Context, target Target, command string, stdin io.Reader) (stdout, stderr []byte, exitCode int, err error)

// Runner executes scripts against targets.
type Runner struct {
	config Config
	log    *logger.Logger
	exec   execFunc
}

// NewRunner creates a runner with the given bounds.
func NewRunner(config Config, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("remote")
	}
	r := &Runner{config: config.withDefaults(), log: log}
	r.exec = r.sshExec
	return r
}

// RunScript uploads and executes script on the target with the given
// environment. Non-root logins are elevated via sudo with the account secret
// submitted on the password prompt. Once the script has started there is no
// cancellation signal into it; the call waits for completion or the exec
// timeout.
func (r *Runner) RunScript(ctx context.Context, target Target, script string, env map[string]string) (*Result, error) {
	command := buildCommand(target.Login, env)

	var stdin bytes.Buffer
	if target.Login != "root" {
		// sudo -S reads the elevation secret from stdin before bash
		// starts consuming the script.
		stdin.WriteString(target.Secret)
		stdin.WriteString("\n")
	}
	stdin.WriteString(script)

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * r.config.RetryDelay):
			}
			r.log.WithField("host", target.Host).
				WithField("attempt", attempt).
				Warn("retrying remote execution")
		}

		runCtx, cancel := context.WithTimeout(ctx, r.config.ExecTimeout)
		stdout, stderr, exitCode, err := r.exec(runCtx, target, command, bytes.NewReader(stdin.Bytes()))
		cancel()

		if err != nil {
			if errors.Is(err, ErrTransient) && attempt < r.config.MaxAttempts {
				lastErr = err
				continue
			}
			return nil, err
		}

		result := &Result{
			ExitCode: exitCode,
			Stdout:   string(stdout),
			Stderr:   string(stderr),
			Payload:  ParsePayload(string(stdout)),
		}
		if exitCode != 0 {
			diag := result.Payload["ERROR"]
			if diag == "" {
				diag = tail(result.Stderr, 512)
			}
			return result, &ScriptError{ExitCode: exitCode, Diagnostic: diag}
		}
		return result, nil
	}
	return nil, lastErr
}

// buildCommand produces the remote invocation: environment is passed through
// env(1) and the script body arrives on stdin via bash -s.
func buildCommand(login string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if login != "root" {
		b.WriteString("sudo -S -p '' ")
	}
	b.WriteString("env")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(env[k]))
	}
	b.WriteString(" bash -s")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// sshExec is the production execFunc.
func (r *Runner) sshExec(ctx context.Context, target Target, command string, stdin io.Reader) ([]byte, []byte, int, error) {
	cfg := &ssh.ClientConfig{
		User: target.Login,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = target.Secret
				}
				return answers, nil
			}),
		},
		// Freshly procured servers present unknown host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.config.DialTimeout,
	}

	dialer := net.Dialer{Timeout: r.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: dial %s: %v", ErrTransient, target.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, nil, 0, fmt.Errorf("%w: handshake %s: %v", ErrTransient, target.addr(), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: open session: %v", ErrTransient, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// No cooperative cancellation into a started script: tear the
		// connection down and report the timeout.
		client.Close()
		<-done
		return stdout.Bytes(), stderr.Bytes(), 0, ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), stderr.Bytes(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), 0, fmt.Errorf("%w: run: %v", ErrTransient, err)
	}
}
