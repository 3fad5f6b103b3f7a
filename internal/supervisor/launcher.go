package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pvelkov/gazetted/internal/plan"
)

// Proc is a handle on a spawned worker process. Poll never blocks; the
// supervisor's tick loop is the only caller.
type Proc interface {
	Pid() int
	// Poll reports whether the process has exited, and with what error.
	Poll() (done bool, exitErr error)
	// Signal asks the worker to stop (SIGTERM to its process group).
	Signal() error
	// Kill force-terminates the worker after the grace window.
	Kill() error
}

// Launcher spawns one worker per work item. The worker contract: write the
// result payload to outPath, exit 0 on success, and honor a termination
// signal within the grace period. Tests inject fakes; ExecLauncher is the
// real thing.
type Launcher interface {
	Start(item plan.Item, outPath string) (Proc, error)
}

// ExecLauncher spawns the configured fetch command with the item's filter
// keys and output path appended to the base arguments.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

func (l *ExecLauncher) Start(item plan.Item, outPath string) (Proc, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	args := append(append([]string{}, l.Args...),
		"--org", item.Org,
		"--unit", item.Unit,
		"--out", outPath,
	)
	cmd := exec.Command(l.Command, args...)
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	cmd.Dir = l.Dir
	logPath := outPath + ".log"
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create worker output dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureWorkerProcess(cmd)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker for item %d: %w", item.ID, err)
	}

	p := &execProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		_ = logFile.Close()
		close(p.done)
	}()
	return p, nil
}

type execProc struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (p *execProc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProc) Poll() (bool, error) {
	select {
	case <-p.done:
		return true, p.exitErr
	default:
		return false, nil
	}
}

func (p *execProc) Signal() error { return signalWorkerProcess(p.cmd) }

func (p *execProc) Kill() error { return killWorkerProcess(p.cmd) }
