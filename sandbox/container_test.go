package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)
	return m.err
}

func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// installFakeEngine puts an executable named engine first on PATH
func installFakeEngine(t *testing.T, engine, script string) {
	t.Helper()
	requireShell(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, engine), []byte("#!/bin/sh\n"+script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestContainerRunnerConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Docker", func(t *testing.T) {
		runner, err := NewContainerRunner(logger, EngineDocker, "python", "python:3.12-slim",
			DefaultPython, ContainerLimits{MemoryMB: 256})
		require.NoError(t, err)
		assert.Equal(t, "python", runner.Language())
		assert.Nil(t, runner.DenyList())
		assert.IsType(t, &RealCommandRunner{}, runner.cmdRunner)
	})

	t.Run("UnsupportedEngine", func(t *testing.T) {
		_, err := NewContainerRunner(logger, "lxc", "python", "python:3.12-slim", DefaultPython, ContainerLimits{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported container engine")
	})

	t.Run("MissingImage", func(t *testing.T) {
		_, err := NewContainerRunner(logger, EnginePodman, "python", "", DefaultPython, ContainerLimits{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image is required")
	})
}

func TestContainerRunArgs(t *testing.T) {
	logger := zaptest.NewLogger(t)
	interp := Interpreter{
		Command:     []string{"python3", "-I"},
		FileName:    "main.py",
		Environment: map[string]string{"PYTHONUNBUFFERED": "1", "LANG": "C.UTF-8"},
	}

	t.Run("NetworkDisabled", func(t *testing.T) {
		runner, err := NewContainerRunner(logger, EnginePodman, "python", "python:3.12-slim",
			interp, ContainerLimits{MemoryMB: 128})
		require.NoError(t, err)

		args := runner.runArgs("cspro-abc", "/tmp/cspro-1")
		assert.Equal(t, []string{
			"podman", "run",
			"--name", "cspro-abc",
			"--rm",
			"-v", "/tmp/cspro-1:/workdir",
			"--workdir", "/workdir",
			"--network", "none",
			"--security-opt", "no-new-privileges:true",
			"--cap-drop", "ALL",
			"--memory", "128m",
			"-e", "LANG=C.UTF-8",
			"-e", "PYTHONUNBUFFERED=1",
			"python:3.12-slim",
			"python3", "-I", "/workdir/main.py",
		}, args)
	})

	t.Run("NetworkEnabledNoMemoryLimit", func(t *testing.T) {
		runner, err := NewContainerRunner(logger, EngineDocker, "javascript", "node:20-alpine",
			DefaultJavaScript, ContainerLimits{NetworkEnabled: true})
		require.NoError(t, err)

		args := runner.runArgs("n", "/ws")
		assert.Contains(t, args, "bridge")
		assert.NotContains(t, args, "--memory")
		assert.Equal(t, []string{"node:20-alpine", "node", "/workdir/main.js"}, args[len(args)-3:])
	})
}

func TestContainerRunnerStart(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("StreamsEngineOutput", func(t *testing.T) {
		installFakeEngine(t, EngineDocker, "for a; do last=$a; done\necho \"last=$last\"\n")
		runner, err := NewContainerRunner(logger, EngineDocker, "python", "python:3.12-slim",
			DefaultPython, ContainerLimits{}, WithContainerWorkspaceRoot(t.TempDir()))
		require.NoError(t, err)

		proc, err := runner.Start(context.Background(), "print(1)")
		require.NoError(t, err)

		info, statErr := os.Stat(proc.Workspace())
		require.NoError(t, statErr)
		assert.Equal(t, os.FileMode(ContainerDirPermission), info.Mode().Perm())

		out, err := drain(t, proc)
		require.NoError(t, err)
		assert.Equal(t, "last=/workdir/main.py\n", out)
	})

	t.Run("KillStopsContainerByName", func(t *testing.T) {
		installFakeEngine(t, EnginePodman, "echo running\nsleep 30\n")
		cmdRunner := &MockCommandRunner{}
		runner, err := NewContainerRunner(logger, EnginePodman, "python", "python:3.12-slim",
			DefaultPython, ContainerLimits{},
			WithContainerWorkspaceRoot(t.TempDir()),
			WithContainerCommandRunner(cmdRunner))
		require.NoError(t, err)

		proc, err := runner.Start(context.Background(), "while True: pass")
		require.NoError(t, err)
		<-proc.Output()

		proc.Kill()
		_, err = drain(t, proc)
		require.Error(t, err)

		require.Eventually(t, func() bool { return len(cmdRunner.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
		call := cmdRunner.Calls()[0]
		require.Len(t, call, 3)
		assert.Equal(t, []string{EnginePodman, "kill"}, call[:2])
		assert.Contains(t, call[2], containerNamePrefix)
	})

	t.Run("EngineMissing", func(t *testing.T) {
		t.Setenv("PATH", t.TempDir())
		mockFS := &MockFileSystem{mkdirTempResult: "/tmp/ws-c"}
		runner, err := NewContainerRunner(logger, EngineDocker, "python", "python:3.12-slim",
			DefaultPython, ContainerLimits{}, WithContainerFileSystem(mockFS))
		require.NoError(t, err)

		_, err = runner.Start(context.Background(), "print(1)")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to start docker")
		assert.Equal(t, []string{"/tmp/ws-c"}, mockFS.removed)
		assert.Equal(t, os.FileMode(ContainerDirPermission), mockFS.chmodded["/tmp/ws-c"])
		assert.Equal(t, []byte("print(1)"), mockFS.writeFileData["/tmp/ws-c/main.py"])
	})
}
