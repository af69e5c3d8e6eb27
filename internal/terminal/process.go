package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
)

// Default terminal geometry for newly spawned processes.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 25
)

// Process is the backing pseudo-terminal program of a session.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Size() (cols, rows uint16)
}

// ProcessEvents receives the output and exit of a process. Output is called
// from the process read loop and data is only valid for the duration of the
// call. Exit is called exactly once, after the last Output.
type ProcessEvents interface {
	Output(data []byte)
	Exit(code int)
}

// Launcher starts a new process with the given geometry. A returned error
// means no process exists and no events will be delivered.
type Launcher func(cols, rows uint16, events ProcessEvents) (Process, error)

// Command describes the program run for every terminal session.
type Command struct {
	Path string
	Args []string
	// Dir and Env are inherited from the gateway when empty.
	Dir string
	Env []string
}

// PTYLauncher returns a Launcher that runs cmd under a pseudo-terminal.
func PTYLauncher(cmd Command) Launcher {
	return func(cols, rows uint16, events ProcessEvents) (Process, error) {
		p, err := startPTY(cmd, cols, rows, events)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	cols uint16
	rows uint16
}

func startPTY(c Command, cols, rows uint16, events ProcessEvents) (*ptyProcess, error) {
	if c.Path == "" {
		return nil, errors.New("no terminal command configured")
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	env := c.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	cmd.Env = withDefaultTerm(env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("pty start %s: %w", c.Path, err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx, cols: cols, rows: rows}
	go p.readLoop(events)
	return p, nil
}

func withDefaultTerm(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	out := make([]string, 0, len(env)+1)
	out = append(out, env...)
	return append(out, "TERM=xterm-256color")
}

func (p *ptyProcess) readLoop(events ProcessEvents) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			pending = nil
			// Hold back a split multi-byte character so every DATA
			// packet is valid UTF-8.
			if tail := incompleteUTF8Tail(chunk); tail > 0 {
				pending = append([]byte(nil), chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 {
				events.Output(chunk)
			}
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		events.Output(pending)
	}

	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			log.Printf("[terminal] wait for pid %d: %v", p.cmd.Process.Pid, err)
		}
	}
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.ptmx.Close()
	events.Exit(code)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	p.cols, p.rows = cols, rows
	return nil
}

func (p *ptyProcess) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// incompleteUTF8Tail reports how many trailing bytes of data belong to a
// multi-byte UTF-8 sequence that has not been fully read yet.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 == 0x80 {
			continue
		}
		var want int
		switch {
		case b&0xE0 == 0xC0:
			want = 2
		case b&0xF0 == 0xE0:
			want = 3
		case b&0xF8 == 0xF0:
			want = 4
		default:
			return 0
		}
		if have := i + 1; have < want {
			return have
		}
		return 0
	}
	return 0
}
