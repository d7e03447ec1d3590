package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// slowCommandThreshold is the duration above which a command is logged as slow.
const slowCommandThreshold = 500 * time.Millisecond

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes cmd on connection id, feeding stdin when non-nil. A non-zero
// exit status is reported in Result, not as an error; errors are reserved
// for transport failures. Cancelling ctx closes the session.
func (m *Manager) Run(ctx context.Context, id, cmd string, stdin []byte) (Result, error) {
	client, err := m.Client(id)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return runCommand(ctx, m.logger, client, cmd, stdin)
}

func runCommand(ctx context.Context, logger *zap.Logger, client *ssh.Client, cmd string, stdin []byte) (Result, error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	stop := context.AfterFunc(ctx, func() { session.Close() })
	runErr := session.Run(cmd)
	stop()
	elapsed := time.Since(start)

	if elapsed > slowCommandThreshold {
		logger.Warn("slow command",
			zap.Duration("elapsed", elapsed),
			zap.String("cmd", truncate(cmd, 80)),
			zap.Int("stdin_bytes", len(stdin)))
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: exitErr.ExitStatus()}, nil
		}
		if ctx.Err() != nil {
			return Result{ExitCode: -1}, ctx.Err()
		}
		return Result{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1}, runErr
	}
	return Result{Stdout: outBuf.String(), Stderr: errBuf.String()}, nil
}

// Stream starts cmd on connection id and returns its stdout. Closing the
// reader closes the session. Read returns an error wrapping the exit status
// if the command ends non-zero.
func (m *Manager) Stream(ctx context.Context, id, cmd string) (io.ReadCloser, error) {
	client, err := m.Client(id)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	var errBuf bytes.Buffer
	session.Stderr = &errBuf

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	s := &streamReader{session: session, stdout: stdout, stderr: &errBuf}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	return s, nil
}

// ExitStatusError reports a streamed command that ended non-zero.
type ExitStatusError struct {
	Status int
	Stderr string
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.Status, e.Stderr)
}

type streamReader struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  *bytes.Buffer
	stop    func() bool

	// endErr is what Read returns once stdout is drained.
	endErr    error
	waited    bool
	closeOnce sync.Once
	closeErr  error
}

func (s *streamReader) Read(p []byte) (int, error) {
	if s.waited {
		return 0, s.endErr
	}
	n, err := s.stdout.Read(p)
	if err != io.EOF {
		return n, err
	}
	// stdout drained: surface a failing exit status instead of a clean EOF.
	s.waited = true
	s.endErr = io.EOF
	if werr := s.session.Wait(); werr != nil {
		var exitErr *ssh.ExitError
		if errors.As(werr, &exitErr) {
			s.endErr = &ExitStatusError{Status: exitErr.ExitStatus(), Stderr: s.stderr.String()}
		} else {
			s.endErr = werr
		}
	}
	return n, s.endErr
}

func (s *streamReader) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
