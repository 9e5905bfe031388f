package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// RotateOptions bounds the size and number of log files.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// RotatingWriter is an io.WriteCloser that rotates its file by size. Rotated
// files are named <base>-<timestamp><ext> next to the active file.
type RotatingWriter struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	size     int64
	maxBytes int64
	opts     RotateOptions

	now func() time.Time
}

// NewRotatingWriter opens path for appending, creating it and its directory
// if needed.
func NewRotatingWriter(path string, opts RotateOptions) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:     path,
		maxBytes: int64(opts.MaxSizeMB) << 20,
		opts:     opts,
		now:      time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the size
// limit. A non-positive limit disables rotation.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.maxBytes > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the active file. Later writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) splitName() (dir, base, ext string) {
	ext = filepath.Ext(rw.path)
	base = strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.path), base, ext
}

func (rw *RotatingWriter) rotate() error {
	rw.file.Close()

	dir, base, ext := rw.splitName()
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, rw.now().UTC().Format("20060102-150405.000"), ext))
	if err := os.Rename(rw.path, rotated); err != nil {
		rw.file = nil
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return fmt.Errorf("rotating log file: %w", err)
	}

	if err := rw.open(); err != nil {
		return err
	}
	rw.prune()
	return nil
}

// prune removes rotated files beyond MaxBackups and those older than
// MaxAgeDays. Timestamped names sort chronologically.
func (rw *RotatingWriter) prune() {
	dir, base, ext := rw.splitName()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := base + "-"
	active := filepath.Base(rw.path)
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name != active && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	slices.Sort(rotated)

	if rw.opts.MaxBackups > 0 {
		for len(rotated) > rw.opts.MaxBackups {
			os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
			rotated = rotated[1:]
		}
	}

	if rw.opts.MaxAgeDays <= 0 {
		return
	}
	cutoff := rw.now().AddDate(0, 0, -rw.opts.MaxAgeDays)
	for _, name := range rotated {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
