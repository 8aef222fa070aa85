package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFS implements Filesystem against the local disk. Writes are atomic:
// content goes to a uniquely-named temp file which is then renamed over the
// destination, so a crashed write never leaves a half-written file.
type LocalFS struct{}

// NewLocalFS creates a LocalFS.
func NewLocalFS() *LocalFS {
	return &LocalFS{}
}

// resolve joins rootPath and relPath and rejects escapes from the root.
func (f *LocalFS) resolve(rootPath, relPath string) (string, error) {
	root, err := filepath.Abs(rootPath)
	if err != nil {
		return "", NewToolErrorf(ErrInvalidParams, "cannot resolve project root: %v", err)
	}
	joined := filepath.Clean(filepath.Join(root, relPath))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", NewToolErrorf(ErrPermissionDenied, "path escapes project root: %s", relPath)
	}
	return joined, nil
}

func (f *LocalFS) Write(rootPath, relPath, content string) (string, error) {
	absPath, err := f.resolve(rootPath, relPath)
	if err != nil {
		return "", err
	}

	existing := ""
	isNew := true
	var existingMode os.FileMode
	if info, statErr := os.Stat(absPath); statErr == nil {
		existingMode = info.Mode()
		if data, readErr := os.ReadFile(absPath); readErr == nil {
			existing = string(data)
			isNew = false
		}
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "failed to create directory: %v", err)
	}

	base := filepath.Base(absPath)
	tf, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "failed to create temp file: %v", err)
	}
	tempPath := tf.Name()

	if _, err := tf.Write([]byte(content)); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return "", NewToolErrorf(ErrExecutionFailed, "failed to write temp file: %v", err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tempPath)
		return "", NewToolErrorf(ErrExecutionFailed, "failed to close temp file: %v", err)
	}

	// CreateTemp uses 0600; keep existing permissions, or 0644 for new files.
	mode := existingMode
	if isNew {
		mode = 0644
	}
	if err := os.Chmod(tempPath, mode); err != nil {
		os.Remove(tempPath)
		return "", NewToolErrorf(ErrExecutionFailed, "failed to set file permissions: %v", err)
	}
	if err := os.Rename(tempPath, absPath); err != nil {
		os.Remove(tempPath)
		return "", NewToolErrorf(ErrExecutionFailed, "failed to rename temp file: %v", err)
	}

	if isNew {
		return fmt.Sprintf("Created new file: %s (%d lines).", relPath, countLines(content)), nil
	}
	return fmt.Sprintf("Updated %s: %d lines -> %d lines.", relPath, countLines(existing), countLines(content)), nil
}

func (f *LocalFS) Read(rootPath, relPath string) (string, error) {
	absPath, err := f.resolve(rootPath, relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", NewToolErrorf(ErrFileNotFound, "file not found: %s", relPath)
		}
		return "", NewToolErrorf(ErrExecutionFailed, "read failed: %v", err)
	}
	return string(data), nil
}

func (f *LocalFS) ListDir(rootPath, relPath string) ([]string, error) {
	absPath, err := f.resolve(rootPath, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewToolErrorf(ErrFileNotFound, "directory not found: %s", relPath)
		}
		return nil, NewToolErrorf(ErrExecutionFailed, "list failed: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *LocalFS) Delete(rootPath, relPath string) error {
	absPath, err := f.resolve(rootPath, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil {
		if os.IsNotExist(err) {
			return NewToolErrorf(ErrFileNotFound, "file not found: %s", relPath)
		}
		return NewToolErrorf(ErrExecutionFailed, "delete failed: %v", err)
	}
	return nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		count++
	}
	return count
}
