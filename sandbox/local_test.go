package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
)

func requireShell(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"sh", "timeout"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available: %v", bin, err)
		}
	}
}

func newLocalEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewEngine(logger, NewLocalRuntime(logger), EngineConfig{
		WorkDir:        t.TempDir(),
		MaxContainers:  2,
		CompileTimeout: 10 * time.Second,
		ExecGrace:      2 * time.Second,
	})
}

func shellLanguage() language.Language {
	return language.Language{
		ID:         1,
		Name:       "Shell",
		SourceFile: "main.sh",
		CompileCmd: "cp main.sh prog.sh",
		RunCmd:     "sh prog.sh",
	}
}

func localConstraints() grade.Constraints {
	c := grade.DefaultLimits().Defaults
	c.WallTimeLimit = 1
	c.CPUTimeLimit = 1
	return c
}

func TestLocalRuntimeCompileOnceRunMany(t *testing.T) {
	requireShell(t)
	engine := newLocalEngine(t)
	ctx := context.Background()

	cc, err := engine.PrepareCompilation(ctx, Request{
		Token:       "local-1",
		Language:    shellLanguage(),
		SourceCode:  "read a b\necho $((a + b))\n",
		Constraints: localConstraints(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.CleanupCompilation(ctx, cc)) }()
	require.False(t, cc.CompileFailed, cc.CompileOutput)

	first, err := engine.ExecuteWithCompiledCode(ctx, cc, "2 3\n", "5\n")
	require.NoError(t, err)
	second, err := engine.ExecuteWithCompiledCode(ctx, cc, "0 0\n", "0\n")
	require.NoError(t, err)

	assert.Equal(t, grade.StatusAccepted, first.Status)
	assert.Equal(t, "5\n", first.Stdout)
	assert.Equal(t, grade.StatusAccepted, second.Status)
	assert.Equal(t, "0\n", second.Stdout)
	assert.NotNil(t, first.Metrics.Time)
	assert.NotNil(t, first.Metrics.WallTime)
}

func TestLocalRuntimeVerdicts(t *testing.T) {
	requireShell(t)
	engine := newLocalEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		source string
		want   grade.Status
	}{
		{"WrongAnswer", "read a b\necho $((a - b))\n", grade.StatusWrongAnswer},
		{"RuntimeError", "echo oops >&2\nexit 3\n", grade.StatusRuntimeError},
		{"TimeLimit", "while :; do :; done\n", grade.StatusTimeLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.ExecuteCode(ctx, Request{
				Token:          "local-" + tt.name,
				Language:       shellLanguage(),
				SourceCode:     tt.source,
				Constraints:    localConstraints(),
				Stdin:          "2 3\n",
				ExpectedOutput: "5\n",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status, res.Message)
		})
	}

	// Exit statuses that look like limit kills are runtime errors when
	// nothing was actually exceeded.
	selfInflicted := []struct {
		name   string
		source string
		msg    string
	}{
		{"Exit124", "exit 124\n", "Exited with error status 124"},
		{"RaisedSIGKILL", "kill -KILL $$\n", "Exited with signal 9 (SIGKILL)"},
		{"RaisedSIGXCPU", "kill -XCPU $$\n", "Exited with signal 24 (SIGXCPU)"},
		{"RaisedSIGXFSZ", "kill -XFSZ $$\n", "Exited with signal 25 (SIGXFSZ)"},
		{"RaisedSIGSYS", "kill -SYS $$\n", "Exited with signal 31 (SIGSYS)"},
	}
	for _, tt := range selfInflicted {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.ExecuteCode(ctx, Request{
				Token:       "local-" + tt.name,
				Language:    shellLanguage(),
				SourceCode:  tt.source,
				Constraints: localConstraints(),
			})
			require.NoError(t, err)
			assert.Equal(t, grade.StatusRuntimeError, res.Status, res.Message)
			assert.Equal(t, tt.msg, res.Message)
		})
	}

	t.Run("CompilationError", func(t *testing.T) {
		lang := shellLanguage()
		lang.CompileCmd = "echo 'syntax error' && exit 1"

		res, err := engine.ExecuteCode(ctx, Request{
			Token:       "local-ce",
			Language:    lang,
			SourceCode:  "echo hi\n",
			Constraints: localConstraints(),
		})
		require.NoError(t, err)
		assert.Equal(t, grade.StatusCompilationError, res.Status)
		assert.Contains(t, res.CompileOutput, "syntax error")
	})

	assert.Equal(t, int64(0), engine.Active())
}

func TestLocalRuntimeIsolatesRuns(t *testing.T) {
	requireShell(t)
	engine := newLocalEngine(t)
	ctx := context.Background()

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	victim := filepath.Join(outside, "victim")
	require.NoError(t, os.WriteFile(secret, []byte("top secret\n"), 0o600))
	require.NoError(t, os.WriteFile(victim, []byte("untouched\n"), 0o600))

	// The first case swaps its stdio files for links to host files and
	// leaves state behind; the second reports anything it can still see.
	source := fmt.Sprintf(`read n
if [ -e "$HOME/seen" ] || [ -e "$TMPDIR/seen" ]; then echo leaked; fi
touch "$HOME/seen" "$TMPDIR/seen"
if [ "$n" = 1 ]; then
  rm -f "$HOME/stdin.txt" "$HOME/stdout.txt"
  ln -s %q "$HOME/stdin.txt"
  ln -s %q "$HOME/stdout.txt"
fi
echo "$n"
`, victim, secret)

	cc, err := engine.PrepareCompilation(ctx, Request{
		Token:       "local-isolation",
		Language:    shellLanguage(),
		SourceCode:  source,
		Constraints: localConstraints(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, engine.CleanupCompilation(ctx, cc)) }()
	require.False(t, cc.CompileFailed, cc.CompileOutput)

	first, err := engine.ExecuteWithCompiledCode(ctx, cc, "1\n", "1\n")
	require.NoError(t, err)
	assert.Equal(t, grade.StatusSecurityViolation, first.Status)
	assert.Equal(t, "Output file was replaced", first.Message)
	assert.NotContains(t, first.Stdout, "top secret")

	second, err := engine.ExecuteWithCompiledCode(ctx, cc, "2\n", "2\n")
	require.NoError(t, err)
	assert.Equal(t, grade.StatusAccepted, second.Status, second.Stdout)
	assert.NotContains(t, second.Stdout, "leaked")

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "untouched\n", string(data))

	// Run directories do not outlive their run.
	runs, err := filepath.Glob(filepath.Join(cc.IODir, "run-*"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRealFileSystemBoxIO(t *testing.T) {
	var fs RealFileSystem
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(outside, []byte("host file"), 0o600))

	t.Run("ReadsRegularFile", func(t *testing.T) {
		require.NoError(t, fs.WriteFileIn(dir, "out.txt", []byte("hello world"), BoxFilePermission))

		data, size, err := fs.ReadFileIn(dir, "out.txt", 5)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, int64(11), size)
	})

	t.Run("RefusesLinks", func(t *testing.T) {
		require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.txt")))

		_, _, err := fs.ReadFileIn(dir, "link.txt", 1024)
		assert.ErrorIs(t, err, ErrNotRegular)

		err = fs.WriteFileIn(dir, "link.txt", []byte("overwrite"), BoxFilePermission)
		require.Error(t, err)
		data, err := os.ReadFile(outside)
		require.NoError(t, err)
		assert.Equal(t, "host file", string(data))
	})

	t.Run("RefusesEscapes", func(t *testing.T) {
		_, _, err := fs.ReadFileIn(dir, "../"+filepath.Base(outside), 1024)
		assert.Error(t, err)
	})

	t.Run("RefusesNonRegular", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), DirPermission))

		_, _, err := fs.ReadFileIn(dir, "sub", 1024)
		assert.ErrorIs(t, err, ErrNotRegular)
	})

	t.Run("Missing", func(t *testing.T) {
		_, _, err := fs.ReadFileIn(dir, "missing.txt", 1024)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
