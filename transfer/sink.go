package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const partSuffix = ".part"

// Sink consumes chunks strictly in arrival order.
type Sink interface {
	Write(p []byte) (int, error)
	// Close finalizes the output.
	Close() error
	// Abort discards partial output.
	Abort() error
}

// ReplayableSink can return the bytes it has durably written so far.
type ReplayableSink interface {
	Sink
	ReadBack() ([]byte, error)
}

// FileSink writes to <dir>/<name>.part and renames it to a non-clobbering
// final name on Close.
type FileSink struct {
	dir       string
	name      string
	partPath  string
	finalPath string
	file      *os.File
}

// OpenFileSink creates the part file for name inside dir.
func OpenFileSink(dir, name string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	base := safeFileName(name)
	partPath := filepath.Join(dir, base+partSuffix)
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open part file: %w", err)
	}

	return &FileSink{dir: dir, name: base, partPath: partPath, file: file}, nil
}

// Write appends p to the part file.
func (s *FileSink) Write(p []byte) (int, error) {
	if s.file == nil {
		return 0, fs.ErrClosed
	}
	return s.file.Write(p)
}

// ReadBack returns the part file contents written so far.
func (s *FileSink) ReadBack() ([]byte, error) {
	if s.file == nil {
		return nil, fs.ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat part file: %w", err)
	}
	data := make([]byte, info.Size())
	if _, err := s.file.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read back part file: %w", err)
	}
	return data, nil
}

// Close syncs the part file and moves it to its final name.
func (s *FileSink) Close() error {
	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync part file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}

	finalPath, err := availablePath(s.dir, s.name)
	if err != nil {
		return err
	}
	if err := os.Rename(s.partPath, finalPath); err != nil {
		return fmt.Errorf("finalize part file: %w", err)
	}
	s.finalPath = finalPath
	return nil
}

// Abort closes and removes the part file.
func (s *FileSink) Abort() error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.Remove(s.partPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove part file: %w", err)
	}
	return nil
}

// Path returns the final artifact path once Close succeeded.
func (s *FileSink) Path() string {
	return s.finalPath
}

// SaveArtifact writes an in-memory artifact into dir without overwriting
// existing files and returns its path.
func SaveArtifact(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path, err := availablePath(dir, safeFileName(name))
	if err != nil {
		return "", err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}

func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat artifact path: %w", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

func safeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" || base == ".." {
		return "file.bin"
	}
	return base
}
