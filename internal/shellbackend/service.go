// Package shellbackend implements fileservice.FileService with plain POSIX
// shell commands over SSH exec sessions, for hosts without an sftp subsystem.
//
// Commands come from the shellcmd codec; every path is escaped there. Uploads
// are written one chunk per "cat >>" invocation with the chunk on stdin, and
// downloads stream the stdout of a single "cat".
package shellbackend

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/shellcmd"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

// Runner executes shell commands on a connection. *sshproxy.Manager is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, connectionID, cmd string, stdin []byte) (sshproxy.Result, error)
	Stream(ctx context.Context, connectionID, cmd string) (io.ReadCloser, error)
}

// Options configures a Service.
type Options struct {
	Enabled           bool
	UploadChunkSize   int
	DownloadChunkSize int
	Logger            *zap.Logger
}

// Service is the shell-command file backend.
type Service struct {
	runner    Runner
	transfers *transfer.Manager
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	homes    map[string]string
	sessions fileservice.SessionRefs
}

var _ fileservice.FileService = (*Service)(nil)

// New returns a shell backend sharing transfers with any other backend.
func New(runner Runner, transfers *transfer.Manager, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UploadChunkSize <= 0 {
		opts.UploadChunkSize = 1 << 20
	}
	if opts.DownloadChunkSize <= 0 {
		opts.DownloadChunkSize = 64 << 10
	}
	return &Service{
		runner:    runner,
		transfers: transfers,
		opts:      opts,
		logger:    logger.Named("shell"),
		homes:     make(map[string]string),
	}
}

func (s *Service) IsEnabled() bool { return s.opts.Enabled }

func (s *Service) Backend() string { return fileservice.BackendShell }

// CommandError is the backend cause attached to failed commands. It is
// logged, never sent to clients.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return "exit " + strconv.Itoa(e.ExitCode) + ": " + strings.TrimSpace(e.Stderr)
}

// run executes cmd and maps transport failures and non-zero exits.
func (s *Service) run(ctx context.Context, connectionID, cmd string, stdin []byte, p string) (sshproxy.Result, *fileservice.Error) {
	res, err := s.runner.Run(ctx, connectionID, cmd, stdin)
	if err != nil {
		return res, transportError(err, p)
	}
	if res.ExitCode != 0 {
		return res, classify(res, p)
	}
	return res, nil
}

func transportError(err error, p string) *fileservice.Error {
	if errors.Is(err, sshproxy.ErrNotConnected) {
		return fileservice.Wrap(fileservice.CodeNoConnection, err, p)
	}
	return fileservice.Wrap(fileservice.CodeCommandFailed, err, p)
}

func classify(res sshproxy.Result, p string) *fileservice.Error {
	cause := &CommandError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	code := fileservice.CodeCommandFailed
	switch shellcmd.ClassifyStderr(res.Stderr) {
	case shellcmd.StderrNotFound:
		code = fileservice.CodeNotFound
	case shellcmd.StderrPermission:
		code = fileservice.CodePermissionDenied
	case shellcmd.StderrExists:
		code = fileservice.CodeAlreadyExists
	case shellcmd.StderrNotADirectory:
		code = fileservice.CodeNotADirectory
	case shellcmd.StderrIsADirectory:
		code = fileservice.CodeIsADirectory
	case shellcmd.StderrNotEmpty:
		code = fileservice.CodeNotEmpty
	}
	return fileservice.Wrap(code, cause, p)
}

// HomeDirectory runs "echo ~" once per connection and caches the answer.
func (s *Service) HomeDirectory(ctx context.Context, connectionID string) (string, error) {
	s.mu.Lock()
	home, ok := s.homes[connectionID]
	s.mu.Unlock()
	if ok {
		return home, nil
	}

	res, ferr := s.run(ctx, connectionID, shellcmd.BuildHomeCommand(), nil, "~")
	if ferr != nil {
		return "", ferr
	}
	home = shellcmd.ResolveHomePath(res.Stdout)
	if !strings.HasPrefix(home, "/") {
		return "", fileservice.Errorf(fileservice.CodeParseFailed, "unexpected home directory %q", home)
	}

	s.mu.Lock()
	s.homes[connectionID] = home
	s.mu.Unlock()
	return home, nil
}

func (s *Service) resolve(ctx context.Context, connectionID, p string) (string, error) {
	if !fileservice.NeedsHome(p) {
		return fileservice.ResolvePath("/", p), nil
	}
	home, err := s.HomeDirectory(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return fileservice.ResolvePath(home, p), nil
}

func (s *Service) ListDirectory(ctx context.Context, connectionID, p string, showHidden bool) (*fileservice.DirectoryListing, error) {
	dir, err := s.resolve(ctx, connectionID, p)
	if err != nil {
		return nil, err
	}

	// The trailing slash makes ls follow a symlinked directory and fail with
	// "Not a directory" on a file instead of listing the file itself.
	arg := dir
	if arg != "/" {
		arg += "/"
	}
	res, ferr := s.run(ctx, connectionID, shellcmd.BuildListCommand(arg, showHidden), nil, dir)
	if ferr != nil {
		return nil, ferr
	}

	parsed := shellcmd.ParseDirectoryListing(res.Stdout, dir)
	if len(parsed) == 0 && strings.TrimSpace(res.Stdout) != "" && !shellcmd.HasTotalHeader(res.Stdout) {
		s.logger.Warn("unparseable listing", zap.String("path", dir), zap.Int("stdout_bytes", len(res.Stdout)))
		return nil, fileservice.Errorf(fileservice.CodeParseFailed, "no rows in ls output").WithPath(dir)
	}

	entries := parsed[:0]
	for _, e := range parsed {
		if !showHidden && e.IsHidden {
			continue
		}
		entries = append(entries, e)
	}
	return &fileservice.DirectoryListing{Path: dir, Entries: entries}, nil
}

func (s *Service) stat(ctx context.Context, connectionID, full string, follow bool) (*fileservice.DirectoryEntry, error) {
	cmd := shellcmd.BuildStatCommand(full)
	if follow {
		cmd = shellcmd.BuildStatFollowCommand(full)
	}
	res, ferr := s.run(ctx, connectionID, cmd, nil, full)
	if ferr != nil {
		return nil, ferr
	}
	e := shellcmd.ParseStatEntry(res.Stdout, full)
	if e == nil {
		return nil, fileservice.Errorf(fileservice.CodeParseFailed, "no row in ls output").WithPath(full)
	}
	return e, nil
}

func (s *Service) Stat(ctx context.Context, connectionID, p string) (*fileservice.DirectoryEntry, error) {
	full, err := s.resolve(ctx, connectionID, p)
	if err != nil {
		return nil, err
	}
	return s.stat(ctx, connectionID, full, false)
}

func (s *Service) Mkdir(ctx context.Context, connectionID, p string, mode os.FileMode) error {
	full, err := s.resolve(ctx, connectionID, p)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = fileservice.DefaultDirMode
	}
	if _, ferr := s.run(ctx, connectionID, shellcmd.BuildMkdirCommand(full, mode), nil, full); ferr != nil {
		return ferr
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, connectionID, p string, recursive bool) error {
	full, err := s.resolve(ctx, connectionID, p)
	if err != nil {
		return err
	}
	e, err := s.stat(ctx, connectionID, full, false)
	if err != nil {
		return err
	}

	var cmd string
	switch {
	case e.Type != fileservice.TypeDirectory:
		cmd = shellcmd.BuildRemoveFileCommand(full)
	case recursive:
		cmd = shellcmd.BuildRemoveTreeCommand(full)
	default:
		cmd = shellcmd.BuildRemoveDirCommand(full)
	}
	if _, ferr := s.run(ctx, connectionID, cmd, nil, full); ferr != nil {
		return ferr
	}
	return nil
}

func (s *Service) OpenSession(connectionID string) { s.sessions.Acquire(connectionID) }

// CloseSession forgets the cached home directory once the last session on
// the connection closes.
func (s *Service) CloseSession(connectionID string) {
	if !s.sessions.Release(connectionID) {
		return
	}
	s.mu.Lock()
	delete(s.homes, connectionID)
	s.mu.Unlock()
}

func (s *Service) CancelSessionTransfers(sessionID string) int {
	return len(s.transfers.CancelSession(sessionID))
}
