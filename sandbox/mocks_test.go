package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the space-joined command line.
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	if result, exists := m.commandResults[strings.Join(args, " ")]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// MockFileSystem is an in-memory FileSystem for testing. The first-level
// temp dir is always tempDir; temp dirs below it get numbered names.
type MockFileSystem struct {
	mu             sync.Mutex
	files          map[string][]byte
	links          map[string]string
	dirs           map[string]os.FileMode
	removed        []string
	tempDir        string
	tempSeq        int
	mkdirTempErr   error
	mkdirAllErrors map[string]error
	writeErrors    map[string]error
}

func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		files:   map[string][]byte{},
		links:   map[string]string{},
		dirs:    map[string]os.FileMode{},
		tempDir: "/tmp/codegrader-test",
	}
}

func (m *MockFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.HasPrefix(dir, m.tempDir+string(filepath.Separator)) {
		m.dirs[m.tempDir] = DirPermission
		return m.tempDir, nil
	}
	m.tempSeq++
	path := filepath.Join(dir, strings.Replace(pattern, "*", strconv.Itoa(m.tempSeq), 1))
	m.dirs[path] = 0o700
	return path, nil
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	if err, exists := m.mkdirAllErrors[path]; exists {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path] = perm
	return nil
}

func (m *MockFileSystem) Chmod(path string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dirs[path]; !ok {
		return fmt.Errorf("chmod %s: no such directory", path)
	}
	m.dirs[path] = perm
	return nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if err, exists := m.writeErrors[filename]; exists {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filename] = append([]byte(nil), data...)
	return nil
}

func (m *MockFileSystem) WriteFileIn(dir, name string, data []byte, _ os.FileMode) error {
	path := filepath.Join(dir, name)
	if err, exists := m.writeErrors[path]; exists {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrExist}
	}
	if _, ok := m.links[path]; ok {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrExist}
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

func (m *MockFileSystem) ReadFileIn(dir, name string, limit int64) ([]byte, int64, error) {
	path := filepath.Join(dir, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[path]; ok {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrNotRegular)
	}
	data, ok := m.files[path]
	if !ok {
		return nil, 0, &os.PathError{Op: "lstat", Path: path, Err: os.ErrNotExist}
	}
	size := int64(len(data))
	if size > limit {
		data = data[:limit]
	}
	return append([]byte(nil), data...), size, nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	prefix := path + string(filepath.Separator)
	for name := range m.files {
		if name == path || strings.HasPrefix(name, prefix) {
			delete(m.files, name)
		}
	}
	for name := range m.dirs {
		if name == path || strings.HasPrefix(name, prefix) {
			delete(m.dirs, name)
		}
	}
	for name := range m.links {
		if name == path || strings.HasPrefix(name, prefix) {
			delete(m.links, name)
		}
	}
	return nil
}

func (m *MockFileSystem) File(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return string(data), ok
}

func (m *MockFileSystem) Put(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = []byte(content)
}

// Link replaces path with a symlink to target, as a submission could.
func (m *MockFileSystem) Link(path, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	m.links[path] = target
}
