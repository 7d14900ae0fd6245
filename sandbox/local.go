// Package sandbox provides the process runners that execute tab sources.
//
// The LocalRunner runs code directly on the host with the configured
// interpreter. Each run gets a private temporary workspace holding only the
// source file; there is no resource or file system isolation beyond that.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// LocalRunner implements Runner by launching a host interpreter
type LocalRunner struct {
	logger        *zap.Logger
	language      string
	interpreter   Interpreter
	denyList      *DenyList
	workspaceRoot string
	fs            FileSystem
	chunkSize     int
	streamDepth   int
}

// LocalRunnerOption defines a functional option for LocalRunner
type LocalRunnerOption func(*LocalRunner)

// WithLocalFileSystem sets the FileSystem used for workspaces
func WithLocalFileSystem(fs FileSystem) LocalRunnerOption {
	return func(l *LocalRunner) {
		l.fs = fs
	}
}

// WithLocalDenyList sets the deny list checked before each run
func WithLocalDenyList(d *DenyList) LocalRunnerOption {
	return func(l *LocalRunner) {
		l.denyList = d
	}
}

// WithLocalWorkspaceRoot sets the directory workspaces are created in.
// An empty root means the OS temp directory.
func WithLocalWorkspaceRoot(dir string) LocalRunnerOption {
	return func(l *LocalRunner) {
		l.workspaceRoot = dir
	}
}

// WithLocalChunkSize sets the read size for output chunks
func WithLocalChunkSize(n int) LocalRunnerOption {
	return func(l *LocalRunner) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

// NewLocalRunner creates a LocalRunner for one language
func NewLocalRunner(logger *zap.Logger, language string, interpreter Interpreter, opts ...LocalRunnerOption) (*LocalRunner, error) {
	if len(interpreter.Command) == 0 {
		return nil, fmt.Errorf("language %s: interpreter command is empty", language)
	}
	if interpreter.FileName == "" {
		return nil, fmt.Errorf("language %s: source file name is empty", language)
	}

	runner := &LocalRunner{
		logger:      logger,
		language:    language,
		interpreter: interpreter,
		fs:          &RealFileSystem{},
		chunkSize:   ChunkSize,
		streamDepth: StreamDepth,
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner, nil
}

// Language returns the language this runner executes
func (l *LocalRunner) Language() string {
	return l.language
}

// DenyList returns the runner's deny list
func (l *LocalRunner) DenyList() *DenyList {
	return l.denyList
}

// Start writes source into a fresh workspace and launches the interpreter on it.
// On error the workspace has already been removed.
func (l *LocalRunner) Start(ctx context.Context, source string) (Process, error) {
	workspace, err := l.fs.MkdirTemp(l.workspaceRoot, WorkspacePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	started := false
	defer func() {
		if !started {
			removeWorkspace(l.logger, l.fs, workspace)
		}
	}()

	sourcePath := filepath.Join(workspace, l.interpreter.FileName)
	if writeErr := l.fs.WriteFile(sourcePath, []byte(source), FilePermission); writeErr != nil {
		return nil, fmt.Errorf("failed to write source: %w", writeErr)
	}

	argv := append(append([]string(nil), l.interpreter.Command...), sourcePath)
	env := os.Environ()
	for key, value := range l.interpreter.Environment {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	p, err := launch(ctx, l.logger, l.fs, workspace, launchSpec{
		argv:      argv,
		env:       env,
		chunkSize: l.chunkSize,
		depth:     l.streamDepth,
	})
	if err != nil {
		return nil, err
	}
	started = true

	l.logger.Debug("process started",
		zap.String("language", l.language),
		zap.Int("pid", p.cmd.Process.Pid),
		zap.String("workspace", workspace))

	return p, nil
}

type launchSpec struct {
	argv      []string
	env       []string
	chunkSize int
	depth     int
	// onKill runs in its own goroutine after the process group is signalled
	onKill func()
}

// launch starts argv inside workspace with stdout and stderr merged.
// The caller owns workspace until launch succeeds.
func launch(ctx context.Context, logger *zap.Logger, fs FileSystem, workspace string, spec launchSpec) (*localProcess, error) {
	// stdout and stderr share one pipe so chunks keep their arrival order
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	//nolint:gosec // Running user code is intended functionality
	cmd := exec.CommandContext(runCtx, spec.argv[0], spec.argv[1:]...)
	cmd.Dir = workspace
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.Env = spec.env
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		err := killProcessGroup(cmd)
		if spec.onKill != nil {
			go spec.onKill()
		}
		return err
	}

	if startErr := cmd.Start(); startErr != nil {
		cancel()
		_ = reader.Close()
		_ = writer.Close()
		return nil, startErr
	}
	// the child holds its own copy of the write end
	_ = writer.Close()

	p := &localProcess{
		logger:    logger,
		fs:        fs,
		cmd:       cmd,
		workspace: workspace,
		cancel:    cancel,
		output:    make(chan []byte, spec.depth),
	}
	go p.pump(reader, spec.chunkSize)

	return p, nil
}

type localProcess struct {
	logger    *zap.Logger
	fs        FileSystem
	cmd       *exec.Cmd
	workspace string
	cancel    context.CancelFunc
	output    chan []byte

	waitOnce sync.Once
	waitErr  error
}

func (p *localProcess) pump(r *os.File, chunkSize int) {
	defer close(p.output)
	defer r.Close()

	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			p.output <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("output read ended", zap.Error(err))
			}
			return
		}
	}
}

func (p *localProcess) Output() <-chan []byte {
	return p.output
}

func (p *localProcess) Kill() {
	p.cancel()
}

func (p *localProcess) Workspace() string {
	return p.workspace
}

func (p *localProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		// reap anything the child left behind holding the output pipe
		if err := killProcessGroup(p.cmd); err != nil {
			p.logger.Debug("failed to signal process group", zap.Error(err))
		}
		p.cancel()
		removeWorkspace(p.logger, p.fs, p.workspace)
	})
	return p.waitErr
}

// removeWorkspace deletes a workspace. Failures are logged and swallowed.
func removeWorkspace(logger *zap.Logger, fs FileSystem, path string) {
	if err := fs.RemoveAll(path); err != nil {
		logger.Error("failed to remove workspace", zap.String("path", path), zap.Error(err))
	}
}
