package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"pilotagent/internal/cunit"
)

// shellLoop is the long-lived launcher the shell spawner feeds. It reads one
// launch request per line ("uid script stdout stderr"), starts the script in
// the background, and reports on its single monitor stream:
//
//	PID <uid> <pid>     the spawn acknowledgment
//	EXIT <pid> <code>   the exit event
const shellLoop = `while read uid script out err; do
  /bin/sh -c '
    /bin/sh "$1" >> "$3" 2>> "$4" < /dev/null &
    pid=$!
    echo "PID $2 $pid"
    wait $pid
    echo "EXIT $pid $?"
  ' sh "$script" "$uid" "$out" "$err" &
done
`

// spawnAckTimeout bounds the wait for a spawn acknowledgment.
const spawnAckTimeout = 10 * time.Second

// shellSpawner runs one long-lived shell that consumes launch commands and
// emits pid/exit events on a monitor channel. Compared to popen it keeps the
// agent's process table flat, which matters on machines that throttle
// per-process fork rates.
type shellSpawner struct {
	hub *eventHub

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan int
	ready   chan struct{}

	logger *slog.Logger
}

func newShellSpawner(logger *slog.Logger) *shellSpawner {
	return &shellSpawner{
		hub:     newEventHub(),
		pending: make(map[string]chan int),
		ready:   make(chan struct{}),
		logger:  logger.With("component", "spawner", "spawner", "shell"),
	}
}

// Ready starts the launcher shell and its monitor goroutine.
func (s *shellSpawner) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	cmd := exec.Command("/bin/sh", "-c", shellLoop)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting launcher shell: %v", ErrSpawn, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	go s.monitor(stdout)
	close(s.ready)

	s.logger.Info("launcher shell started", "pid", cmd.Process.Pid)
	return nil
}

// monitor parses the launcher shell's event stream.
func (s *shellSpawner) monitor(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		switch fields[0] {
		case "PID":
			pid, err := strconv.Atoi(fields[2])
			if err != nil {
				continue
			}
			s.mu.Lock()
			ack := s.pending[fields[1]]
			delete(s.pending, fields[1])
			s.mu.Unlock()
			if ack != nil {
				ack <- pid
			}
		case "EXIT":
			pid, err1 := strconv.Atoi(fields[1])
			code, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				continue
			}
			s.hub.exited(pid, code)
		}
	}
}

// Spawn submits a launch command and waits for its pid acknowledgment.
// The shell protocol launches scripts, not arbitrary command lines, so the
// command must be a script path.
func (s *shellSpawner) Spawn(u *cunit.Unit, command string, env []string) (int, error) {
	select {
	case <-s.ready:
	default:
		return 0, fmt.Errorf("%w: launcher shell not ready", ErrSpawn)
	}

	// The request line is split on whitespace by the shell's read; the
	// agent controls all three paths and never puts blanks in them.
	if strings.ContainsAny(command+u.StdoutFile+u.StderrFile, " \t\n") {
		return 0, fmt.Errorf("%w: whitespace in sandbox paths of %s", ErrSpawn, u.UID)
	}

	ack := make(chan int, 1)
	s.mu.Lock()
	s.pending[u.UID] = ack
	line := fmt.Sprintf("%s %s %s %s\n", u.UID, command, u.StdoutFile, u.StderrFile)
	_, err := io.WriteString(s.stdin, line)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	select {
	case pid := <-ack:
		return pid, nil
	case <-time.After(spawnAckTimeout):
		s.mu.Lock()
		delete(s.pending, u.UID)
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: no spawn acknowledgment for %s", ErrSpawn, u.UID)
	}
}

func (s *shellSpawner) Register(pid int, uid string) { s.hub.register(pid, uid) }

func (s *shellSpawner) Events() <-chan ExitEvent { return s.hub.out }

// Kill terminates a spawned process. The pid is verified to still exist
// before the signal goes out, since the launcher shell may have reaped it
// already.
func (s *shellSpawner) Kill(pid int) error {
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// Close stops the launcher shell.
func (s *shellSpawner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()
	_ = s.cmd.Process.Kill()
	_, _ = s.cmd.Process.Wait()
	s.cmd = nil
	return nil
}
