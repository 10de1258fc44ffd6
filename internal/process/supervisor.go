package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"

	"github.com/smazurov/vocalmotor/internal/cancel"
	"github.com/smazurov/vocalmotor/internal/logging"
)

// Defaults for Supervisor options.
const (
	DefaultGracePeriod      = 5 * time.Second
	DefaultKillTimeout      = 5 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultDiagnosticsLimit = 500
	DefaultCeiling          = 90
)

const maxLineSize = 1024 * 1024

// ErrCancelled is returned by Run when the child was stopped because of
// a cancellation request.
var ErrCancelled = errors.New("process cancelled")

// StartError reports that the child could not be launched.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExitError reports that the child exited with a non-zero status.
type ExitError struct {
	Command     string
	Code        int
	Diagnostics string
}

func (e *ExitError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, firstLine(e.Diagnostics))
}

// Reporter receives what the supervisor extracts from the child's output.
// Percent is already rescaled to the visual range.
type Reporter interface {
	Progress(percent float64, detail string)
	Log(level, msg string)
}

// ExitInfo describes how a supervised child ended.
type ExitInfo struct {
	PID         int
	ExitCode    int
	Cancelled   bool
	Killed      bool // force-killed after the grace period
	Duration    time.Duration
	LastPercent int
	Diagnostics string
}

// Supervisor launches one child, streams its output and propagates
// cancellation to its whole process group.
type Supervisor struct {
	signal        *cancel.Signal
	reporter      Reporter
	logger        logging.Logger
	extractor     ProgressExtractor
	logParser     LogParser
	detail        func(native int) string
	onStateChange StateChangeCallback

	ceiling      int
	gracePeriod  time.Duration
	killTimeout  time.Duration
	pollInterval time.Duration
	diagLimit    int
	dir          string
	env          []string

	mu    sync.Mutex
	state State
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithExtractor sets how native progress is recognised in stderr lines.
func WithExtractor(e ProgressExtractor) Option {
	return func(s *Supervisor) { s.extractor = e }
}

// WithLogParser sets the parser used for non-progress output lines.
func WithLogParser(p LogParser) Option {
	return func(s *Supervisor) { s.logParser = p }
}

// WithProgressDetail sets the detail text attached to each progress report.
func WithProgressDetail(fn func(native int) string) Option {
	return func(s *Supervisor) { s.detail = fn }
}

// WithStateChange registers a callback for child state transitions.
func WithStateChange(cb StateChangeCallback) Option {
	return func(s *Supervisor) { s.onStateChange = cb }
}

// WithCeiling sets the top of the visual progress range (0-100).
func WithCeiling(ceiling int) Option {
	return func(s *Supervisor) {
		if ceiling >= 0 && ceiling <= 100 {
			s.ceiling = ceiling
		}
	}
}

// WithGracePeriod sets how long the child has to exit after the stop signal.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.gracePeriod = d }
}

// WithKillTimeout sets how long to wait for exit after SIGKILL.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.killTimeout = d }
}

// WithPollInterval sets how often the cancellation signal is checked
// while the child is quiet.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithDiagnosticsLimit caps the stderr text kept for failure reports.
func WithDiagnosticsLimit(n int) Option {
	return func(s *Supervisor) { s.diagLimit = n }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(s *Supervisor) { s.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

// New creates a Supervisor observing sig and reporting to reporter.
func New(sig *cancel.Signal, reporter Reporter, opts ...Option) *Supervisor {
	if sig == nil {
		sig = cancel.New()
	}
	s := &Supervisor{
		signal:       sig,
		reporter:     reporter,
		logger:       logging.GetLogger("process"),
		extractor:    PercentExtractor{},
		logParser:    DebugLogParser,
		ceiling:      DefaultCeiling,
		gracePeriod:  DefaultGracePeriod,
		killTimeout:  DefaultKillTimeout,
		pollInterval: DefaultPollInterval,
		diagLimit:    DefaultDiagnosticsLimit,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the child's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next && s.onStateChange != nil {
		s.onStateChange(prev, next)
	}
}

type source int

const (
	sourceStdout source = iota
	sourceStderr
)

func (src source) String() string {
	if src == sourceStderr {
		return "stderr"
	}
	return "stdout"
}

type outputLine struct {
	source source
	text   string
}

// runState is touched only by the Run goroutine.
type runState struct {
	lastVisual int
	lastNative int
	diag       strings.Builder
	diagFull   bool
}

// Run launches argv and blocks until the child exits or is stopped.
//
// Progress lines on stderr are rescaled and forwarded only when they
// increase the last reported value. Other lines go to Reporter.Log. When
// the cancellation signal fires (or ctx is done) the process group gets
// the stop signal, then SIGKILL after the grace period, and Run returns
// ErrCancelled. A non-zero exit returns *ExitError carrying stderr text.
func (s *Supervisor) Run(ctx context.Context, argv []string) (ExitInfo, error) {
	info := ExitInfo{ExitCode: -1}
	if len(argv) == 0 {
		s.setState(StateError)
		return info, &StartError{Err: errors.New("empty command")}
	}
	command := shellquote.Join(argv...)

	if s.stopRequested(ctx) {
		s.logger.Info("Cancellation requested before launch, not starting process", "command", command)
		info.Cancelled = true
		return info, ErrCancelled
	}

	s.setState(StateStarting)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateError)
		return info, &StartError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateError)
		return info, &StartError{Command: command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		s.logger.Error("Failed to start process", "error", err, "command", command)
		s.setState(StateError)
		return info, &StartError{Command: command, Err: err}
	}

	started := time.Now()
	info.PID = cmd.Process.Pid
	s.logger.Info("Process started", "pid", info.PID, "command", command)
	s.setState(StateRunning)

	// Closing quit switches the readers to discard mode.
	quit := make(chan struct{})
	stopReaders := sync.OnceFunc(func() { close(quit) })
	defer stopReaders()

	lines := make(chan outputLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go s.streamOutput(stdout, sourceStdout, lines, quit, &readers)
	go s.streamOutput(stderr, sourceStderr, lines, quit, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	// cmd.Wait closes the pipes, so it only starts once both streams are
	// drained or the child is being stopped.
	var processDone chan error
	startWait := func() {
		if processDone != nil {
			return
		}
		processDone = make(chan error, 1)
		go func() { processDone <- cmd.Wait() }()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	st := &runState{}
	for {
		if s.stopRequested(ctx) {
			// The child must be able to flush output while it shuts down.
			stopReaders()
			startWait()
			s.setState(StateStopping)
			info.ExitCode, info.Killed = s.terminate(info.PID, processDone)
			info.Cancelled = true
			info.Duration = time.Since(started)
			info.LastPercent = st.lastVisual
			info.Diagnostics = truncate(st.diag.String(), s.diagLimit)
			s.setState(StateExited)
			s.logger.Info("Process stopped after cancellation", "pid", info.PID, "exit_code", info.ExitCode, "killed", info.Killed)
			return info, ErrCancelled
		}

		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				startWait()
				continue
			}
			s.handleLine(line, st)
		case waitErr := <-processDone:
			info.ExitCode = exitCodeFromError(waitErr)
			info.Duration = time.Since(started)
			info.LastPercent = st.lastVisual
			info.Diagnostics = truncate(st.diag.String(), s.diagLimit)
			s.setState(StateExited)
			s.logger.Info("Process exited", "pid", info.PID, "exit_code", info.ExitCode, "duration", info.Duration)
			if info.ExitCode != 0 {
				return info, &ExitError{Command: command, Code: info.ExitCode, Diagnostics: info.Diagnostics}
			}
			return info, nil
		case <-ticker.C:
		case <-s.signal.Done():
		case <-ctx.Done():
		}
	}
}

func (s *Supervisor) stopRequested(ctx context.Context) bool {
	if s.signal.IsStopped() {
		return true
	}
	if ctx.Err() != nil {
		s.signal.RequestStop(cancel.ReasonUserRequested)
		return true
	}
	return false
}

func (s *Supervisor) handleLine(line outputLine, st *runState) {
	text := strings.TrimSpace(line.text)
	if text == "" {
		return
	}

	if line.source == sourceStderr {
		if native, ok := s.extractor.Extract(text); ok {
			visual := Rescale(native, s.ceiling)
			if visual > st.lastVisual {
				st.lastVisual = visual
				st.lastNative = native
				if s.reporter != nil {
					s.reporter.Progress(float64(visual), s.progressDetail(native))
				}
			}
			return
		}
		st.capture(text, s.diagLimit)
	}

	if s.reporter == nil {
		return
	}
	level, msg := s.logParser(text)
	if msg == "" {
		return
	}
	s.reporter.Log(level, msg)
}

func (s *Supervisor) progressDetail(native int) string {
	if s.detail != nil {
		return s.detail(native)
	}
	return fmt.Sprintf("Processing: %d%%", native)
}

func (st *runState) capture(text string, limit int) {
	if st.diagFull {
		return
	}
	if st.diag.Len() > 0 {
		st.diag.WriteByte('\n')
	}
	st.diag.WriteString(text)
	// Bytes are an upper bound on runes; truncate happens on read.
	if limit >= 0 && st.diag.Len() >= limit*utf8MaxBytes {
		st.diagFull = true
	}
}

const utf8MaxBytes = 4

// terminate stops the process group and reaps the child.
// Returns the exit code and whether SIGKILL was needed.
func (s *Supervisor) terminate(pid int, processDone <-chan error) (int, bool) {
	s.logger.Info("Sending SIGTERM to process group", "pid", pid)
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("Failed to signal process group", "error", err)
		_ = unix.Kill(pid, unix.SIGTERM)
	}

	select {
	case err := <-processDone:
		return exitCodeFromError(err), false
	case <-time.After(s.gracePeriod):
	}

	s.logger.Warn("Grace period expired, forcing kill", "pid", pid, "grace_period", s.gracePeriod)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Error("Failed to kill process group", "error", err)
		_ = unix.Kill(pid, unix.SIGKILL)
	}

	select {
	case <-processDone:
	case <-time.After(s.killTimeout):
		s.logger.Error("Process did not exit after kill signal", "pid", pid)
	}
	return 137, true
}

// streamOutput forwards lines from one child stream until EOF or quit.
func (s *Supervisor) streamOutput(r io.Reader, src source, out chan<- outputLine, quit <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)

	for scanner.Scan() {
		select {
		case out <- outputLine{source: src, text: scanner.Text()}:
		case <-quit:
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn("Error reading output", "source", src.String(), "error", err)
	}
}

// scanLines is bufio.ScanLines that also breaks on a bare '\r', which
// progress bars use to redraw in place.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			// Need one more byte to tell "\r" from "\r\n".
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError (128+n when killed
// by signal n), or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

func truncate(s string, limit int) string {
	if limit < 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
