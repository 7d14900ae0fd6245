package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Execution engines
const (
	EngineLocal  = "local"
	EngineDocker = "docker"
	EnginePodman = "podman"
)

const (
	containerWorkdir     = "/workdir"
	containerNamePrefix  = "cspro-"
	containerStopTimeout = 10 * time.Second
	// the container user is not the workspace owner
	ContainerDirPermission  = 0755
	ContainerFilePermission = 0644
)

// CommandRunner runs a short-lived engine command such as "docker kill"
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) error
}

// RealCommandRunner implements CommandRunner using os/exec
type RealCommandRunner struct{}

func (RealCommandRunner) RunCommand(ctx context.Context, args []string) error {
	//nolint:gosec // Command is constructed from validated inputs
	return exec.CommandContext(ctx, args[0], args[1:]...).Run()
}

// ContainerLimits holds the resource constraints applied to each container
type ContainerLimits struct {
	MemoryMB       int
	NetworkEnabled bool
}

// ContainerRunner implements Runner by running the interpreter inside a
// disposable docker or podman container with the workspace mounted.
type ContainerRunner struct {
	logger      *zap.Logger
	language    string
	engine      string
	image       string
	interpreter Interpreter
	limits      ContainerLimits
	denyList    *DenyList
	root        string
	fs          FileSystem
	cmdRunner   CommandRunner
	chunkSize   int
}

// ContainerRunnerOption defines a functional option for ContainerRunner
type ContainerRunnerOption func(*ContainerRunner)

// WithContainerFileSystem sets the FileSystem used for workspaces
func WithContainerFileSystem(fs FileSystem) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.fs = fs
	}
}

// WithContainerCommandRunner sets the CommandRunner used to stop containers
func WithContainerCommandRunner(r CommandRunner) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.cmdRunner = r
	}
}

// WithContainerDenyList sets the deny list checked before each run
func WithContainerDenyList(d *DenyList) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.denyList = d
	}
}

// WithContainerWorkspaceRoot sets the host directory workspaces are created in
func WithContainerWorkspaceRoot(dir string) ContainerRunnerOption {
	return func(c *ContainerRunner) {
		c.root = dir
	}
}

// NewContainerRunner creates a ContainerRunner for one language
func NewContainerRunner(
	logger *zap.Logger,
	engine, language, image string,
	interpreter Interpreter,
	limits ContainerLimits,
	opts ...ContainerRunnerOption,
) (*ContainerRunner, error) {
	if engine != EngineDocker && engine != EnginePodman {
		return nil, fmt.Errorf("unsupported container engine %q", engine)
	}
	if image == "" {
		return nil, fmt.Errorf("language %s: image is required for engine %s", language, engine)
	}
	if len(interpreter.Command) == 0 {
		return nil, fmt.Errorf("language %s: interpreter command is empty", language)
	}
	if interpreter.FileName == "" {
		return nil, fmt.Errorf("language %s: source file name is empty", language)
	}

	runner := &ContainerRunner{
		logger:      logger,
		language:    language,
		engine:      engine,
		image:       image,
		interpreter: interpreter,
		limits:      limits,
		fs:          &RealFileSystem{},
		cmdRunner:   &RealCommandRunner{},
		chunkSize:   ChunkSize,
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner, nil
}

func (c *ContainerRunner) Language() string {
	return c.language
}

func (c *ContainerRunner) DenyList() *DenyList {
	return c.denyList
}

// Start writes source into a fresh host workspace and runs the interpreter
// in a container that mounts it.
func (c *ContainerRunner) Start(ctx context.Context, source string) (Process, error) {
	workspace, err := c.fs.MkdirTemp(c.root, WorkspacePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	started := false
	defer func() {
		if !started {
			removeWorkspace(c.logger, c.fs, workspace)
		}
	}()

	if chmodErr := c.fs.Chmod(workspace, ContainerDirPermission); chmodErr != nil {
		return nil, fmt.Errorf("failed to open workspace to container: %w", chmodErr)
	}
	if writeErr := c.fs.WriteFile(filepath.Join(workspace, c.interpreter.FileName), []byte(source), ContainerFilePermission); writeErr != nil {
		return nil, fmt.Errorf("failed to write source: %w", writeErr)
	}

	name := containerNamePrefix + uuid.NewString()
	// the engine CLI does not forward SIGKILL, so the container is killed by name
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), containerStopTimeout)
		defer cancel()
		if stopErr := c.cmdRunner.RunCommand(stopCtx, []string{c.engine, "kill", name}); stopErr != nil {
			c.logger.Debug("failed to kill container", zap.String("container", name), zap.Error(stopErr))
		}
	}

	p, err := launch(ctx, c.logger, c.fs, workspace, launchSpec{
		argv:      c.runArgs(name, workspace),
		env:       os.Environ(),
		chunkSize: c.chunkSize,
		depth:     StreamDepth,
		onKill:    stop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.engine, err)
	}
	started = true

	c.logger.Debug("container started",
		zap.String("language", c.language),
		zap.String("container", name),
		zap.String("image", c.image))

	return p, nil
}

// runArgs builds the engine command line for one run
func (c *ContainerRunner) runArgs(name, workspace string) []string {
	network := "none"
	if c.limits.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		c.engine, "run",
		"--name", name,
		"--rm",
		"-v", fmt.Sprintf("%s:%s", workspace, containerWorkdir),
		"--workdir", containerWorkdir,
		"--network", network,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}
	if c.limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", c.limits.MemoryMB))
	}

	keys := make([]string, 0, len(c.interpreter.Environment))
	for key := range c.interpreter.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, c.interpreter.Environment[key]))
	}

	args = append(args, c.image)
	args = append(args, c.interpreter.Command...)
	return append(args, path.Join(containerWorkdir, c.interpreter.FileName))
}
