package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// LaunchSpec describes a detached scraper process.
type LaunchSpec struct {
	// Command is the argv to execute; Command[0] is the binary.
	Command []string

	// Dir is the working directory, empty for the current one.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the environment.
	Env []string

	// LogPath receives combined stdout/stderr; empty discards output.
	LogPath string
}

// Launcher starts a pipeline process and returns its PID. The process
// must outlive the orchestrator, so implementations detach it.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// execLauncher launches via os/exec in a new session, so the scraper
// survives the orchestrator exiting or receiving signals.
type execLauncher struct{}

// NewExecLauncher returns the default process launcher.
func NewExecLauncher() Launcher {
	return execLauncher{}
}

func (execLauncher) Launch(_ context.Context, spec LaunchSpec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, fmt.Errorf("launch command is empty")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	out, err := openLaunchLog(spec.LogPath)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("failed to start process: %w", err)
	}
	pid := cmd.Process.Pid

	// The child belongs to its own session now; drop our handle so the
	// orchestrator never blocks on it.
	_ = cmd.Process.Release()
	_ = out.Close()

	return pid, nil
}

func openLaunchLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open launch log: %w", err)
	}
	return f, nil
}
