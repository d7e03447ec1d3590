// Package sftpbackend implements fileservice.FileService on top of the SSH
// sftp subsystem (github.com/pkg/sftp).
//
// One *sftp.Client is opened lazily per connection and reused until
// the last session on the connection closes, or until the subsystem reports a lost connection.
package sftpbackend

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

// Opener starts an sftp client for a connection.
type Opener func(ctx context.Context, connectionID string) (*sftp.Client, error)

// Options configures a Service.
type Options struct {
	Enabled           bool
	UploadChunkSize   int
	DownloadChunkSize int
	Logger            *zap.Logger
}

// Service is the SFTP file backend.
type Service struct {
	open      Opener
	transfers *transfer.Manager
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	clients  map[string]*sftp.Client
	sessions fileservice.SessionRefs
}

var _ fileservice.FileService = (*Service)(nil)

// New returns an SFTP backend sharing transfers with any other backend.
func New(open Opener, transfers *transfer.Manager, opts Options) *Service {
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
		open:      open,
		transfers: transfers,
		opts:      opts,
		logger:    logger.Named("sftp"),
		clients:   make(map[string]*sftp.Client),
	}
}

func (s *Service) IsEnabled() bool { return s.opts.Enabled }

func (s *Service) Backend() string { return fileservice.BackendSFTP }

func (s *Service) client(ctx context.Context, connectionID string) (*sftp.Client, error) {
	s.mu.Lock()
	c, ok := s.clients[connectionID]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := s.open(ctx, connectionID)
	if err != nil {
		if errors.Is(err, sshproxy.ErrNotConnected) {
			return nil, fileservice.Wrap(fileservice.CodeNoConnection, err, "")
		}
		return nil, fileservice.Wrap(fileservice.CodeSFTPError, err, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[connectionID]; ok {
		c.Close()
		return existing, nil
	}
	s.clients[connectionID] = c
	return c, nil
}

// fail maps err and drops the cached client when the subsystem is gone.
func (s *Service) fail(connectionID string, c *sftp.Client, err error, p string) *fileservice.Error {
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.ErrClosedPipe) {
		s.mu.Lock()
		if s.clients[connectionID] == c {
			delete(s.clients, connectionID)
		}
		s.mu.Unlock()
		c.Close()
		s.logger.Warn("sftp connection lost, dropping client", zap.String("connection_id", connectionID))
	}
	return mapError(err, p)
}

// mapError converts an sftp/os error to a fileservice error.
func mapError(err error, p string) *fileservice.Error {
	var fe *fileservice.Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fileservice.Wrap(fileservice.CodeNotFound, err, p)
	case errors.Is(err, os.ErrPermission):
		return fileservice.Wrap(fileservice.CodePermissionDenied, err, p)
	case errors.Is(err, os.ErrExist):
		return fileservice.Wrap(fileservice.CodeAlreadyExists, err, p)
	default:
		return fileservice.Wrap(fileservice.CodeSFTPError, err, p)
	}
}

func (s *Service) resolve(c *sftp.Client, p string) (string, error) {
	if !fileservice.NeedsHome(p) {
		return fileservice.ResolvePath("/", p), nil
	}
	home, err := c.Getwd()
	if err != nil {
		return "", err
	}
	return fileservice.ResolvePath(home, p), nil
}

// HomeDirectory returns the directory the sftp server starts in.
func (s *Service) HomeDirectory(ctx context.Context, connectionID string) (string, error) {
	c, err := s.client(ctx, connectionID)
	if err != nil {
		return "", err
	}
	home, err := c.Getwd()
	if err != nil {
		return "", s.fail(connectionID, c, err, "~")
	}
	return home, nil
}

func (s *Service) ListDirectory(ctx context.Context, connectionID, p string, showHidden bool) (*fileservice.DirectoryListing, error) {
	c, err := s.client(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	dir, err := s.resolve(c, p)
	if err != nil {
		return nil, s.fail(connectionID, c, err, p)
	}

	fi, err := c.Stat(dir)
	if err != nil {
		return nil, s.fail(connectionID, c, err, dir)
	}
	if !fi.IsDir() {
		return nil, fileservice.Errorf(fileservice.CodeNotADirectory, "not a directory").WithPath(dir)
	}

	infos, err := c.ReadDir(dir)
	if err != nil {
		return nil, s.fail(connectionID, c, err, dir)
	}

	entries := make([]fileservice.DirectoryEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		e := toEntry(fileservice.JoinRemote(dir, name), info)
		if e.Type == fileservice.TypeSymlink {
			if target, err := c.ReadLink(e.Path); err == nil {
				e.LinkTarget = target
			}
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b fileservice.DirectoryEntry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return &fileservice.DirectoryListing{Path: dir, Entries: entries}, nil
}

func (s *Service) Stat(ctx context.Context, connectionID, p string) (*fileservice.DirectoryEntry, error) {
	c, err := s.client(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	full, err := s.resolve(c, p)
	if err != nil {
		return nil, s.fail(connectionID, c, err, p)
	}
	info, err := c.Lstat(full)
	if err != nil {
		return nil, s.fail(connectionID, c, err, full)
	}
	e := toEntry(full, info)
	if e.Type == fileservice.TypeSymlink {
		if target, err := c.ReadLink(full); err == nil {
			e.LinkTarget = target
		}
	}
	return &e, nil
}

func (s *Service) Mkdir(ctx context.Context, connectionID, p string, mode os.FileMode) error {
	c, err := s.client(ctx, connectionID)
	if err != nil {
		return err
	}
	full, err := s.resolve(c, p)
	if err != nil {
		return s.fail(connectionID, c, err, p)
	}
	if mode == 0 {
		mode = fileservice.DefaultDirMode
	}

	if err := c.Mkdir(full); err != nil {
		// SFTPv3 has no "already exists" status; check explicitly.
		if _, statErr := c.Lstat(full); statErr == nil {
			return fileservice.Errorf(fileservice.CodeAlreadyExists, "path exists").WithPath(full)
		}
		return s.fail(connectionID, c, err, full)
	}
	if err := c.Chmod(full, mode.Perm()); err != nil {
		return s.fail(connectionID, c, err, full)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, connectionID, p string, recursive bool) error {
	c, err := s.client(ctx, connectionID)
	if err != nil {
		return err
	}
	full, err := s.resolve(c, p)
	if err != nil {
		return s.fail(connectionID, c, err, p)
	}
	info, err := c.Lstat(full)
	if err != nil {
		return s.fail(connectionID, c, err, full)
	}

	if !info.IsDir() {
		if err := c.Remove(full); err != nil {
			return s.fail(connectionID, c, err, full)
		}
		return nil
	}
	if recursive {
		return s.removeTree(ctx, connectionID, c, full)
	}
	if err := c.RemoveDirectory(full); err != nil {
		if children, rerr := c.ReadDir(full); rerr == nil && len(children) > 0 {
			return fileservice.Errorf(fileservice.CodeNotEmpty, "directory not empty").WithPath(full)
		}
		return s.fail(connectionID, c, err, full)
	}
	return nil
}

// removeTree deletes dir depth first. Symlinks are removed, never followed.
func (s *Service) removeTree(ctx context.Context, connectionID string, c *sftp.Client, dir string) error {
	infos, err := c.ReadDir(dir)
	if err != nil {
		return s.fail(connectionID, c, err, dir)
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return fileservice.Wrap(fileservice.CodeTransferFailed, err, dir)
		}
		child := fileservice.JoinRemote(dir, info.Name())
		if info.IsDir() {
			if err := s.removeTree(ctx, connectionID, c, child); err != nil {
				return err
			}
			continue
		}
		if err := c.Remove(child); err != nil {
			return s.fail(connectionID, c, err, child)
		}
	}
	if err := c.RemoveDirectory(dir); err != nil {
		return s.fail(connectionID, c, err, dir)
	}
	return nil
}

// toEntry builds a DirectoryEntry for full from a (non-followed) FileInfo.
func toEntry(full string, info os.FileInfo) fileservice.DirectoryEntry {
	mode := info.Mode()
	name := path.Base(full)
	modified := fileservice.FormatTime(info.ModTime())
	e := fileservice.DirectoryEntry{
		Name:             name,
		Path:             full,
		Type:             entryType(mode),
		Size:             info.Size(),
		Permissions:      permissionString(mode),
		PermissionsOctal: strconv.FormatUint(uint64(mode.Perm()), 8),
		ModifiedAt:       modified,
		AccessedAt:       modified,
		IsHidden:         strings.HasPrefix(name, "."),
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		e.Owner = strconv.FormatUint(uint64(st.UID), 10)
		e.Group = strconv.FormatUint(uint64(st.GID), 10)
		if st.Atime != 0 {
			e.AccessedAt = fileservice.FormatTime(time.Unix(int64(st.Atime), 0))
		}
	}
	return e
}

func entryType(mode os.FileMode) fileservice.EntryType {
	switch {
	case mode&os.ModeSymlink != 0:
		return fileservice.TypeSymlink
	case mode.IsDir():
		return fileservice.TypeDirectory
	case mode.IsRegular():
		return fileservice.TypeFile
	default:
		return fileservice.TypeOther
	}
}

// permissionString renders the nine rwx columns the way ls does, including
// s/S and t/T for setuid, setgid and sticky.
func permissionString(mode os.FileMode) string {
	const rwx = "rwxrwxrwx"
	b := []byte("---------")
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i] = rwx[i]
		}
	}
	special := func(set bool, idx int, lower byte) {
		if !set {
			return
		}
		if b[idx] == 'x' {
			b[idx] = lower
		} else {
			b[idx] = lower - 'a' + 'A'
		}
	}
	special(mode&os.ModeSetuid != 0, 2, 's')
	special(mode&os.ModeSetgid != 0, 5, 's')
	special(mode&os.ModeSticky != 0, 8, 't')
	return string(b)
}
