package sandbox

import (
	"context"
	"os"
)

// Runner starts one execution of a source text for a single language
type Runner interface {
	Language() string
	// DenyList returns the heuristic filter applied before Start, or nil.
	DenyList() *DenyList
	Start(ctx context.Context, source string) (Process, error)
}

// Process is one running interpreter.
//
// Output delivers stdout and stderr interleaved in arrival order and is
// closed when both are exhausted. Wait blocks until the process has exited
// and its workspace has been released; it may be called concurrently with
// draining Output. Kill is safe to call at any time, including after exit.
type Process interface {
	Output() <-chan []byte
	Kill()
	Wait() error
	Workspace() string
}

// Interpreter describes how a language is launched. The source file path
// is appended to Command.
type Interpreter struct {
	Command     []string
	FileName    string
	Environment map[string]string
}

// FileSystem defines the file system operations used for workspaces
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
	Chmod(name string, mode os.FileMode) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

// Workspace and stream constants
const (
	WorkspacePattern = "cspro-*"
	FilePermission   = 0600
	ChunkSize        = 4096
	StreamDepth      = 64
)

// Default interpreters
var (
	DefaultPython = Interpreter{
		Command:  []string{"python3", "-I"},
		FileName: "main.py",
	}
	DefaultJavaScript = Interpreter{
		Command:  []string{"node"},
		FileName: "main.js",
	}
)
