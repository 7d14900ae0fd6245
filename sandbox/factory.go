package sandbox

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/isdmx/codestation/config"
)

// Runners maps languages to their Runner
type Runners struct {
	runners map[string]Runner
}

// NewRunnerSet builds a Runners from explicit runners
func NewRunnerSet(runners ...Runner) *Runners {
	set := &Runners{runners: make(map[string]Runner, len(runners))}
	for _, r := range runners {
		set.runners[r.Language()] = r
	}
	return set
}

// NewRunners creates a runner for every configured language on the
// configured execution engine
func NewRunners(logger *zap.Logger, cfg *config.Config) (*Runners, error) {
	names := make([]string, 0, len(cfg.Languages))
	for name := range cfg.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	runners := make([]Runner, 0, len(names))
	for _, name := range names {
		lang := cfg.Languages[name]

		denyList, err := NewDenyList(lang.DenyPatterns)
		if err != nil {
			return nil, fmt.Errorf("language %s: %w", name, err)
		}

		runner, err := newRunner(logger, cfg, name, lang, denyList)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}

	logger.Info("runners configured",
		zap.String("engine", cfg.Execution.Engine),
		zap.Strings("languages", names))
	return NewRunnerSet(runners...), nil
}

func newRunner(logger *zap.Logger, cfg *config.Config, name string, lang config.Language, denyList *DenyList) (Runner, error) {
	interpreter := Interpreter{
		Command:     lang.Command,
		FileName:    lang.FileName,
		Environment: lang.EnvironmentMap(),
	}

	switch cfg.Execution.Engine {
	case "", EngineLocal:
		return NewLocalRunner(logger, name, interpreter,
			WithLocalDenyList(denyList),
			WithLocalWorkspaceRoot(cfg.Execution.WorkspaceDir),
		)
	case EngineDocker, EnginePodman:
		return NewContainerRunner(logger, cfg.Execution.Engine, name, lang.Image, interpreter,
			ContainerLimits{
				MemoryMB:       cfg.Execution.MemoryMB,
				NetworkEnabled: cfg.Execution.NetworkEnabled,
			},
			WithContainerDenyList(denyList),
			WithContainerWorkspaceRoot(cfg.Execution.WorkspaceDir),
		)
	default:
		return nil, fmt.Errorf("unsupported execution engine %q", cfg.Execution.Engine)
	}
}

// Lookup returns the runner registered for language
func (s *Runners) Lookup(language string) (Runner, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.runners[language]
	return r, ok
}

// IsDenied applies the deny list of the language's runner to source.
// Languages without a runner deny nothing.
func (s *Runners) IsDenied(language, source string) bool {
	r, ok := s.Lookup(language)
	if !ok {
		return false
	}
	return r.DenyList().Denied(source)
}

// Languages returns the registered languages, sorted
func (s *Runners) Languages() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.runners))
	for name := range s.runners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
