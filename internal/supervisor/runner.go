package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
)

// SpawnSpec is everything a worker process needs to run one session.
type SpawnSpec struct {
	WorkerID    string
	Category    models.Category
	MaxRuntime  time.Duration
	IdleTimeout time.Duration
	MaxJobs     int
}

// Process is the supervisor's view of one live worker. Abstracting it
// keeps the scaling logic testable against a fake process source.
type Process interface {
	PID() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitErr is valid once Done is closed; nil means a clean exit.
	ExitErr() error
	// Terminate asks the process to stop (SIGTERM).
	Terminate() error
	// Kill stops the process unconditionally (SIGKILL).
	Kill() error
}

// Runner spawns worker processes.
type Runner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecRunner spawns the worker binary with os/exec, passing the session
// limits through the environment contract in internal/config.
type ExecRunner struct {
	Binary string
	// ExtraEnv is appended after os.Environ, e.g. REDIS_ADDR.
	ExtraEnv []string
}

func (r *ExecRunner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	cmd := exec.Command(r.Binary)
	cmd.Env = append(os.Environ(),
		"WORKER_ID="+spec.WorkerID,
		"WORKER_CATEGORY="+string(spec.Category),
		"WORKER_MAX_RUNTIME="+spec.MaxRuntime.String(),
		"WORKER_IDLE_TIMEOUT="+spec.IdleTimeout.String(),
		"WORKER_MAX_JOBS="+strconv.Itoa(spec.MaxJobs),
	)
	cmd.Env = append(cmd.Env, r.ExtraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", spec.Category, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
