package ipc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/domain"
)

// stopTimeout bounds how long Stop waits after closing stdin before killing
// the child.
const stopTimeout = 5 * time.Second

// Handler receives each decoded inbound message. Handlers for different
// messages run as independent goroutines and may overlap.
type Handler func(ctx context.Context, env *domain.Envelope)

// Conn owns one child process and its pipes. The process is spawned once;
// there is no automatic restart: after the child exits the caller must
// create a new Conn and Start it explicitly.
type Conn struct {
	command []string
	logger  *slog.Logger
	handler Handler

	mu        sync.Mutex
	proc      *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	exitErr   string
	done      chan struct{}

	// writeMu serializes line writes so concurrent responses never
	// interleave on the wire.
	writeMu sync.Mutex
}

// New creates a connection for the given child command line.
func New(command []string, logger *slog.Logger) *Conn {
	return &Conn{command: command, logger: logger}
}

// OnMessage sets the inbound message handler. Must be called before Start.
func (c *Conn) OnMessage(h Handler) {
	c.handler = h
}

// Start spawns the child process and begins the reader loop. A spawn
// failure is a connection-level error, not a per-message one.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return domain.ErrAlreadyConnected
	}
	if len(c.command) == 0 {
		return fmt.Errorf("start child: empty command")
	}

	proc := exec.Command(c.command[0], c.command[1:]...)
	proc.Env = os.Environ()

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start child process: %w", err)
	}

	c.proc = proc
	c.stdin = stdin
	c.connected = true
	c.exitErr = ""
	c.done = make(chan struct{})

	c.logger.Info("child process started", "pid", proc.Process.Pid, "cmd", c.command)

	go c.readLoop(ctx, stdout)
	go c.drainStderr(stderr)
	go c.waitForExit()

	return nil
}

// Connected reports whether the child process is still running.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the recorded error string from a nonzero exit, or "".
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// Done is closed when the child process has exited.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Stop closes stdin to signal EOF and waits for the child to exit, killing
// it after a timeout.
func (c *Conn) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	proc := c.proc
	stdin := c.stdin
	done := c.done
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		return ctx.Err()
	case <-time.After(stopTimeout):
		c.logger.Warn("child did not exit after stdin close, killing")
		if proc.Process != nil {
			_ = proc.Process.Kill()
		}
		<-done
		return nil
	}
}

// Respond writes one response envelope.
func (c *Conn) Respond(resp domain.Response) error {
	return c.writeLine(resp)
}

// Broadcast writes an unsolicited message with a fresh correlation id.
func (c *Conn) Broadcast(msgType domain.MessageType, payload any) error {
	msg := struct {
		Type    domain.MessageType `json:"type"`
		ID      string             `json:"id"`
		Payload any                `json:"payload,omitempty"`
	}{Type: msgType, ID: uuid.NewString(), Payload: payload}
	return c.writeLine(msg)
}

func (c *Conn) writeLine(v any) error {
	c.mu.Lock()
	stdin := c.stdin
	connected := c.connected
	c.mu.Unlock()

	if !connected || stdin == nil {
		return domain.ErrNotConnected
	}

	data, err := EncodeLine(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readLoop decodes stdout line by line. Each line is independent: a line
// that fails to decode is logged and dropped without desynchronizing the
// stream. Each decoded message is dispatched on its own goroutine.
func (c *Conn) readLoop(ctx context.Context, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := DecodeEnvelope(line)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}

		c.logger.Debug("message received", "type", env.Type, "id", env.ID)
		if c.handler != nil {
			go c.handler(ctx, env)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("reading child stdout", "error", err)
	}
}

func (c *Conn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), MaxLineSize)
	for scanner.Scan() {
		c.logger.Debug("child stderr", "line", scanner.Text())
	}
}

// waitForExit reaps the child and flips connection state. Nonzero exits
// record an error string; clean exits do not.
func (c *Conn) waitForExit() {
	err := c.proc.Wait()

	c.mu.Lock()
	c.connected = false
	if err != nil {
		c.exitErr = err.Error()
	}
	done := c.done
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("child process exited", "error", err)
	} else {
		c.logger.Info("child process exited cleanly")
	}
	close(done)
}
