// Package local stores output units as files. A unit is written to a hidden
// in-progress file and becomes visible when it is renamed to its final name.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hugolhafner/go-filesink/logger"
	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/unit"
)

var _ storage.Store = (*Store)(nil)
var _ storage.Aborter = (*Store)(nil)

const inProgressSuffix = ".inprogress"

type Config struct {
	PartPrefix string
	PartSuffix string
	DirMode    fs.FileMode
	FileMode   fs.FileMode
	Logger     logger.Logger
}

type Option func(*Config)

func WithPartPrefix(p string) Option {
	return func(c *Config) {
		if p != "" {
			c.PartPrefix = p
		}
	}
}

// WithPartSuffix sets the extension of finalized files, e.g. ".jsonl".
func WithPartSuffix(s string) Option {
	return func(c *Config) {
		c.PartSuffix = s
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

type openFile struct {
	f *os.File
	w *bufio.Writer
}

// Store writes units below a root directory, one subdirectory per partition.
// Handles are paths relative to the root, so they stay valid across restarts.
type Store struct {
	root   string
	config Config
	logger logger.Logger

	mu   sync.Mutex
	open map[unit.Handle]*openFile
}

func New(root string, opts ...Option) (*Store, error) {
	cfg := Config{
		PartPrefix: "part",
		DirMode:    0o755,
		FileMode:   0o644,
		Logger:     logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(root, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}

	return &Store{
		root:   root,
		config: cfg,
		logger: cfg.Logger.With("component", "local-store"),
		open:   make(map[unit.Handle]*openFile),
	}, nil
}

func (s *Store) OpenUnit(_ context.Context, partition string) (unit.Handle, error) {
	if err := validatePartition(partition); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, filepath.FromSlash(partition))
	if err := os.MkdirAll(dir, s.config.DirMode); err != nil {
		return "", fmt.Errorf("create partition dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s%s", s.config.PartPrefix, uuid.NewString(), s.config.PartSuffix)
	h := unit.Handle(partition + "/" + name)

	f, err := os.OpenFile(s.inProgressPath(h), os.O_CREATE|os.O_EXCL|os.O_WRONLY, s.config.FileMode)
	if err != nil {
		return "", fmt.Errorf("create in-progress file: %w", err)
	}

	s.mu.Lock()
	s.open[h] = &openFile{f: f, w: bufio.NewWriter(f)}
	s.mu.Unlock()

	s.logger.Debug("In-progress file created", "handle", h)
	return h, nil
}

func (s *Store) Write(_ context.Context, h unit.Handle, data []byte) error {
	of, err := s.lookup(h)
	if err != nil {
		return err
	}
	if _, err := of.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", h, err)
	}
	return nil
}

// Close flushes and syncs the in-progress file. The file keeps its hidden
// name until Finalize.
func (s *Store) Close(_ context.Context, h unit.Handle) error {
	of, err := s.lookup(h)
	if err != nil {
		return err
	}

	if err := of.w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", h, err)
	}
	if err := of.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", h, err)
	}
	if err := of.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", h, err)
	}

	s.mu.Lock()
	delete(s.open, h)
	s.mu.Unlock()
	return nil
}

// Finalize renames the in-progress file to its final name. If the rename
// already happened, for example before a crash, it succeeds without effect.
func (s *Store) Finalize(_ context.Context, h unit.Handle) error {
	if err := validatePartition(string(h)); err != nil {
		return err
	}

	s.mu.Lock()
	_, stillOpen := s.open[h]
	s.mu.Unlock()
	if stillOpen {
		return fmt.Errorf("finalize %s: %w", h, errStillOpen)
	}

	src, dst := s.inProgressPath(h), s.finalPath(h)
	err := os.Rename(src, dst)
	if err == nil {
		s.logger.Debug("Unit finalized", "handle", h)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename %s: %w", h, err)
	}

	if _, statErr := os.Stat(dst); statErr == nil {
		s.logger.Debug("Unit already finalized", "handle", h)
		return nil
	}
	return fmt.Errorf("finalize %s: %w", h, storage.ErrNotFound)
}

// Abort discards an open unit and removes its in-progress file.
func (s *Store) Abort(_ context.Context, h unit.Handle) error {
	s.mu.Lock()
	of, ok := s.open[h]
	delete(s.open, h)
	s.mu.Unlock()

	if ok {
		_ = of.f.Close()
	}
	if err := os.Remove(s.inProgressPath(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", h, err)
	}
	return nil
}

func (s *Store) lookup(h unit.Handle) (*openFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	of, ok := s.open[h]
	if !ok {
		return nil, storage.ErrUnknownHandle
	}
	return of, nil
}

func (s *Store) finalPath(h unit.Handle) string {
	return filepath.Join(s.root, filepath.FromSlash(string(h)))
}

func (s *Store) inProgressPath(h unit.Handle) string {
	dir, name := filepath.Split(s.finalPath(h))
	return filepath.Join(dir, "."+name+inProgressSuffix)
}

var errStillOpen = errors.New("unit is still open")

func validatePartition(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return fmt.Errorf("invalid partition path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid partition path %q", p)
		}
	}
	return nil
}
