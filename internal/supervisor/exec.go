// ABOUTME: os/exec based launcher for the gateway process
// ABOUTME: Streams the child's stdout/stderr into the structured logger line by line

package supervisor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ExecLauncher starts the gateway with os/exec.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// Launch starts a new gateway process.
func (l *ExecLauncher) Launch() (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	if l.Logger != nil {
		cmd.Stdout = &lineLogger{logger: l.Logger.With("stream", "stdout")}
		cmd.Stderr = &lineLogger{logger: l.Logger.With("stream", "stderr")}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.Command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// lineLogger logs each complete line written to it at debug level.
type lineLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	buf    bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write
			rest := append([]byte(nil), line...)
			w.buf.Reset()
			w.buf.Write(rest)
			break
		}
		w.logger.Debug(string(bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
