package firewall

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"
)

const DefaultElevateCommand = "pkexec"

var _ Executor = (*BatchExecutor)(nil)

// ExecError is returned when a posture transition did not complete.
// The rules before the failing one are still in place.
type ExecError struct {
	Batch  string
	Status int // exit status of the failing process, -1 if it never ran
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("posture transition %q incomplete (status %d): %v", e.Batch, e.Status, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// CommandRunner runs an external command to completion.
type CommandRunner interface {
	Run(name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BatchExecutor submits a whole batch as one privileged shell invocation,
// with the rules chained by "&&" so the first failure aborts the rest.
// The operator is prompted once per batch.
type BatchExecutor struct {
	elevate string
	runner  CommandRunner
	euid    func() int
}

// NewBatchExecutor returns an executor that elevates through the given
// command (pkexec if empty). A nil runner executes real processes.
func NewBatchExecutor(elevate string, runner CommandRunner) *BatchExecutor {
	if elevate == "" {
		elevate = DefaultElevateCommand
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &BatchExecutor{
		elevate: elevate,
		runner:  runner,
		euid:    unix.Geteuid,
	}
}

// Script renders the batch as a single shell command line.
func Script(b Batch) string {
	cmds := make([]string, len(b.Rules))
	for i, r := range b.Rules {
		argv := r.Argv()
		for j := range argv {
			argv[j] = shellQuote(argv[j])
		}
		cmds[i] = strings.Join(argv, " ")
	}
	return strings.Join(cmds, " && ")
}

func (e *BatchExecutor) Execute(b Batch) error {
	if len(b.Rules) == 0 {
		return nil
	}
	name, args := "sh", []string{"-c", Script(b)}
	if e.euid() != 0 {
		args = append([]string{name}, args...)
		name = e.elevate
	}
	if err := e.runner.Run(name, args...); err != nil {
		return &ExecError{Batch: b.Name, Status: exitStatus(err), Err: err}
	}
	return nil
}

func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var statusErr interface{ ExitStatus() int }
	if errors.As(err, &statusErr) {
		return statusErr.ExitStatus()
	}
	return -1
}

var shellSafeRegex = regexp.MustCompile(`^[A-Za-z0-9_./:,=+@%-]+$`)

func shellQuote(s string) string {
	if shellSafeRegex.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
