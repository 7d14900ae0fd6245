package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/isdmx/codestation/sandbox"
)

// Fixed output texts
const (
	MsgSecurityDenied = "Security Error: File system and shell access are disabled."
	MsgUnsupported    = "Execution for this language is not supported on the server."
	MsgFinished       = "Finished."
	MsgStopped        = "Execution stopped by user."
	MsgTimedOut       = "Error: Execution timed out (Loop too long?)"
	TruncationMarker  = "\n[output truncated]"
)

// DefaultMaxOutputBytes is the output cap used when Options leaves it unset
const DefaultMaxOutputBytes = 128 * 1024

// Key identifies at most one live execution
type Key struct {
	Room string
	Tab  string
}

func (k Key) String() string {
	return k.Room + "/" + k.Tab
}

// State of an execution key
type State int

const (
	Idle State = iota
	Spawning
	Running
	Completed
	Killed
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Killed:
		return "killed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// OutputSink receives the accumulated output text of a key. It is called
// with supervisor locks held and must not call back into the Supervisor.
type OutputSink interface {
	PublishOutput(key Key, text string)
}

// RunnerSet resolves the runner for a language
type RunnerSet interface {
	Lookup(language string) (sandbox.Runner, bool)
}

// Request is one run of a tab
type Request struct {
	Key      Key
	Owner    string
	Language string
	Source   string
}

// Options configures a Supervisor
type Options struct {
	// MaxOutputBytes caps the accumulated output of one run. Truncated
	// output is cut back to a rune boundary, so it may be a few bytes short.
	MaxOutputBytes int
	// Timeout bounds the wall-clock time of one run; zero disables it
	Timeout time.Duration
}

// Supervisor runs at most one process per Key and routes every byte of
// output, and every terminal message, through its OutputSink.
type Supervisor struct {
	logger  *zap.Logger
	runners RunnerSet
	sink    OutputSink
	opts    Options

	// ctx bounds every process; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[Key]*handle
	last   map[Key]State
	closed bool

	pumps sync.WaitGroup
}

type handle struct {
	key     Key
	owner   string
	started time.Time
	proc    sandbox.Process
	timer   *time.Timer

	mu      sync.Mutex
	output  []byte
	evicted bool
}

// New creates a Supervisor
func New(logger *zap.Logger, runners RunnerSet, sink OutputSink, opts Options) *Supervisor {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:  logger,
		runners: runners,
		sink:    sink,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[Key]*handle),
		last:    make(map[Key]State),
	}
}

// Run starts req, first terminating any live run for the same key. It
// returns Running when a process was started, Idle when the request was
// rejected before spawning and Errored when the runner failed.
func (s *Supervisor) Run(req Request) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Idle
	}

	key := req.Key
	if h, ok := s.active[key]; ok {
		s.logger.Debug("preempting run", zap.Stringer("key", key), zap.String("owner", h.owner))
		s.evictLocked(h, Killed, true, nil)
	}

	runner, ok := s.runners.Lookup(req.Language)
	if !ok {
		s.last[key] = Idle
		s.sink.PublishOutput(key, MsgUnsupported)
		return Idle
	}

	if runner.DenyList().Denied(req.Source) {
		s.logger.Info("run denied", zap.Stringer("key", key), zap.String("language", req.Language))
		s.last[key] = Idle
		s.sink.PublishOutput(key, MsgSecurityDenied)
		return Idle
	}

	s.logger.Debug("spawning", zap.Stringer("key", key), zap.Stringer("state", Spawning))
	proc, err := runner.Start(s.ctx, req.Source)
	if err != nil {
		s.logger.Warn("spawn failed", zap.Stringer("key", key), zap.Error(err))
		s.last[key] = Errored
		s.sink.PublishOutput(key, err.Error())
		return Errored
	}

	h := &handle{
		key:     key,
		owner:   req.Owner,
		started: time.Now(),
		proc:    proc,
	}
	s.active[key] = h
	if s.opts.Timeout > 0 {
		h.timer = time.AfterFunc(s.opts.Timeout, func() { s.expire(h) })
	}

	s.pumps.Add(1)
	go s.pump(h)

	s.logger.Info("run started",
		zap.Stringer("key", key),
		zap.String("language", req.Language),
		zap.String("owner", req.Owner))
	return Running
}

// Stop terminates the live run for key and reports whether there was one
func (s *Supervisor) Stop(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.active[key]
	if !ok {
		return false
	}
	s.evictLocked(h, Killed, true, func([]byte) string { return MsgStopped })
	return true
}

// Preempt terminates the live run for key without emitting anything
func (s *Supervisor) Preempt(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.active[key]
	if !ok {
		return false
	}
	s.evictLocked(h, Killed, true, nil)
	return true
}

// CleanupForRoom silently terminates every live run in room
func (s *Supervisor) CleanupForRoom(room string) int {
	return s.cleanup(func(h *handle) bool { return h.key.Room == room })
}

// CleanupForOwner silently terminates the live runs in room started by owner
func (s *Supervisor) CleanupForOwner(room, owner string) int {
	return s.cleanup(func(h *handle) bool { return h.key.Room == room && h.owner == owner })
}

func (s *Supervisor) cleanup(match func(*handle) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, h := range s.active {
		if match(h) {
			s.evictLocked(h, Killed, true, nil)
			n++
		}
	}
	return n
}

// State returns Running while key has a live process, otherwise Idle
func (s *Supervisor) State(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[key]; ok {
		return Running
	}
	return Idle
}

// LastOutcome returns the state key settled in after its most recent run
func (s *Supervisor) LastOutcome(key Key) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.last[key]
	return st, ok
}

// Active returns the number of live runs
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Running returns the keys with a live run, sorted
func (s *Supervisor) Running() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.active))
	for key := range s.active {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Room != keys[j].Room {
			return keys[i].Room < keys[j].Room
		}
		return keys[i].Tab < keys[j].Tab
	})
	return keys
}

// Close terminates every live run and waits for their output pumps to
// finish or ctx to expire. Run is a no-op afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, h := range s.active {
		s.evictLocked(h, Killed, true, nil)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked moves h to a terminal state. render, when set, produces the
// final text from the accumulated output. s.mu must be held.
func (s *Supervisor) evictLocked(h *handle, state State, kill bool, render func([]byte) string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.evicted {
		return
	}
	h.evicted = true
	if s.active[h.key] == h {
		delete(s.active, h.key)
	}
	s.last[h.key] = state
	if h.timer != nil {
		h.timer.Stop()
	}
	if kill {
		h.proc.Kill()
	}
	if render != nil {
		s.sink.PublishOutput(h.key, render(h.output))
	}

	s.logger.Info("run ended",
		zap.Stringer("key", h.key),
		zap.Stringer("state", state),
		zap.Int("output_bytes", len(h.output)),
		zap.Duration("elapsed", time.Since(h.started)))
}

func (s *Supervisor) terminate(h *handle, state State, kill bool, render func([]byte) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(h, state, kill, render)
}

// pump is the only writer of h.output, which keeps per-key output FIFO
func (s *Supervisor) pump(h *handle) {
	defer s.pumps.Done()

	exited := make(chan error, 1)
	go func() { exited <- h.proc.Wait() }()

	for chunk := range h.proc.Output() {
		if s.append(h, chunk) {
			s.terminate(h, Killed, true, func(out []byte) string {
				return string(out) + TruncationMarker
			})
		}
	}

	err := <-exited
	var exitStatus interface{ ExitCode() int }
	switch {
	case err == nil || errors.As(err, &exitStatus):
		s.terminate(h, Completed, false, func(out []byte) string {
			if len(out) == 0 {
				return MsgFinished
			}
			return string(out)
		})
	default:
		s.terminate(h, Errored, false, func(out []byte) string {
			if len(out) == 0 {
				return err.Error()
			}
			return string(out) + "\n" + err.Error()
		})
	}
}

// append adds chunk to the output and publishes it. It reports whether the
// cap was exceeded, in which case the output has been cut to at most the
// cap without splitting a UTF-8 sequence.
func (s *Supervisor) append(h *handle, chunk []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.evicted {
		return false
	}
	h.output = append(h.output, chunk...)
	if len(h.output) > s.opts.MaxOutputBytes {
		cut := s.opts.MaxOutputBytes
		for cut > 0 && !utf8.RuneStart(h.output[cut]) {
			cut--
		}
		h.output = h.output[:cut]
		return true
	}
	s.sink.PublishOutput(h.key, string(h.output))
	return false
}

func (s *Supervisor) expire(h *handle) {
	s.terminate(h, Killed, true, func(out []byte) string {
		if len(out) == 0 {
			return MsgTimedOut
		}
		return string(out) + "\n" + MsgTimedOut
	})
}
