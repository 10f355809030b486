package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

const stdioKillGrace = 5 * time.Second

// StdioTransport speaks newline-delimited JSON-RPC to a child process.
// Writes are serialized by a mutex so concurrent calls never interleave
// frames; responses are matched back to callers by id.
type StdioTransport struct {
	mu sync.Mutex

	name    string
	command string
	args    []string
	workdir string
	env     map[string]string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	connected bool
	exited    chan struct{}

	pendingReqs map[int]chan *rpcResponse
	nextID      int

	writeMu sync.Mutex
	wg      *sync.WaitGroup
}

// NewStdioTransport builds a transport for the given command line. The
// command runs in workdir with env layered over the parent environment.
func NewStdioTransport(name, command, workdir string, env map[string]string) *StdioTransport {
	parts := strings.Fields(command)
	var bin string
	var args []string
	if len(parts) > 0 {
		bin = parts[0]
		args = parts[1:]
	}
	return &StdioTransport{
		name:        name,
		command:     bin,
		args:        args,
		workdir:     workdir,
		env:         env,
		pendingReqs: make(map[int]chan *rpcResponse),
		nextID:      1,
	}
}

// Connect starts the child and its reader loops.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.command == "" {
		return types.Errorf(types.ErrTransport, "server %s has an empty command", t.name)
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.workdir
	if len(t.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range t.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var err error
	if t.stdin, err = cmd.StdinPipe(); err != nil {
		return types.WrapError(types.ErrTransport, "failed to open stdin pipe", err)
	}
	if t.stdout, err = cmd.StdoutPipe(); err != nil {
		return types.WrapError(types.ErrTransport, "failed to open stdout pipe", err)
	}
	if t.stderr, err = cmd.StderrPipe(); err != nil {
		return types.WrapError(types.ErrTransport, "failed to open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return types.WrapError(types.ErrTransport, fmt.Sprintf("failed to start %s", t.command), err)
	}

	exited := make(chan struct{})
	wg := &sync.WaitGroup{}

	t.cmd = cmd
	t.connected = true
	t.exited = exited
	t.wg = wg

	wg.Add(2)
	go t.drainStderr(t.stderr, wg)
	go t.readStdout(t.stdout, wg)
	go t.reap(cmd, exited)

	logging.Transport("server %s: started %s (pid %d)", t.name, t.command, cmd.Process.Pid)
	return nil
}

// drainStderr forwards the child's stderr into the transport log.
func (t *StdioTransport) drainStderr(stderr io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logging.TransportDebug("server %s stderr: %s", t.name, scanner.Text())
	}
}

// readStdout demultiplexes response frames back to waiting callers.
func (t *StdioTransport) readStdout(stdout io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.TransportWarn("server %s: unparseable frame: %v", t.name, err)
			continue
		}
		if resp.ID == 0 {
			logging.TransportDebug("server %s: notification: %s", t.name, string(line))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pendingReqs[resp.ID]
		if ok {
			delete(t.pendingReqs, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			logging.TransportWarn("server %s: response for unknown id %d", t.name, resp.ID)
		}
	}
}

// reap waits for the child to exit, then fails every pending call. A later
// reconnect may already have replaced the run this reap belongs to, so it
// only touches shared state while it is still the current run.
func (t *StdioTransport) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	t.mu.Lock()
	current := t.cmd == cmd
	wasConnected := current && t.connected
	var pending map[int]chan *rpcResponse
	if current {
		t.connected = false
		pending = t.pendingReqs
		t.pendingReqs = make(map[int]chan *rpcResponse)
	}
	close(exited)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if wasConnected {
		logging.TransportWarn("server %s: process exited: %v", t.name, err)
	} else {
		logging.TransportDebug("server %s: process reaped: %v", t.name, err)
	}
}

// Call writes one frame and waits for the matching reply.
func (t *StdioTransport) Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrTransport, "server %s is not running", t.name)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch
	stdin := t.stdin
	t.mu.Unlock()

	data, err := json.Marshal(newRequest(id, method, args))
	if err != nil {
		t.forget(id)
		return nil, types.WrapError(types.ErrInternal, "failed to marshal request", err)
	}

	t.writeMu.Lock()
	_, err = stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.forget(id)
		return nil, types.WrapError(types.ErrTransport, fmt.Sprintf("write to server %s failed", t.name), err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, types.Errorf(types.ErrTransport, "server %s closed the connection", t.name)
		}
		if resp.Error != nil {
			return nil, types.Errorf(types.ErrTool, "server %s: %s (code %d)", t.name, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(id)
		return nil, types.WrapError(types.ErrTimeout, fmt.Sprintf("call %s on server %s", method, t.name), ctx.Err())
	}
}

func (t *StdioTransport) forget(id int) {
	t.mu.Lock()
	delete(t.pendingReqs, id)
	t.mu.Unlock()
}

// HealthCheck reports whether the child is still alive.
func (t *StdioTransport) HealthCheck(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	exited := t.exited
	t.mu.Unlock()

	if !connected {
		return types.Errorf(types.ErrTransport, "server %s is not running", t.name)
	}
	select {
	case <-exited:
		return types.Errorf(types.ErrTransport, "server %s has exited", t.name)
	case <-ctx.Done():
		return types.WrapError(types.ErrTimeout, "health check", ctx.Err())
	default:
		return nil
	}
}

// Close asks the child to terminate, escalating after a grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected || t.cmd == nil || t.cmd.Process == nil {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	proc := t.cmd.Process
	exited := t.exited
	wg := t.wg
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	t.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logging.TransportDebug("server %s: SIGTERM failed: %v", t.name, err)
	}

	select {
	case <-exited:
	case <-time.After(stdioKillGrace):
		logging.TransportWarn("server %s: did not exit after SIGTERM, killing", t.name)
		_ = proc.Kill()
		<-exited
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		logging.TransportWarn("server %s: reader goroutines slow to exit", t.name)
	}

	logging.Transport("server %s: stopped", t.name)
	return nil
}

func (t *StdioTransport) Kind() Kind { return KindStdio }

var _ Transport = (*StdioTransport)(nil)
