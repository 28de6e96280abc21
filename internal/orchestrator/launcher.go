package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/transport"
)

// ListeningPrefix starts the first line an agent node prints on stdout,
// followed by its base URL.
const ListeningPrefix = "listening on "

// serverGrace bounds the graceful shutdown of node and collector servers.
const serverGrace = 2 * time.Second

// Launcher starts agent nodes for the process topology. The returned
// client must reach the node and its Kill must terminate it.
type Launcher interface {
	Launch(ctx context.Context, name, collectorURL string) (*transport.Client, error)

	// Close terminates every node still running.
	Close() error
}

// NodeConfig describes an agent node.
type NodeConfig struct {
	Name string

	// Listen is the TCP address to serve on, e.g. 127.0.0.1:0.
	Listen string

	// Collector is the base URL of the orchestrator collection endpoint.
	// Reports are discarded when empty.
	Collector string

	AgentOptions []agent.Option
}

// Node is an agent runtime served over HTTP.
type Node struct {
	Name string
	Addr string

	runtime  *agent.Runtime
	reporter *transport.RemoteReporter
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartNode serves a new agent runtime. The node runs until the agent is
// stopped or killed, or until ctx is cancelled.
func StartNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	nctx, cancel := context.WithCancel(ctx)

	n := &Node{
		Name:   cfg.Name,
		Addr:   "http://" + ln.Addr().String(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	var reporter agent.Reporter = agent.NopReporter{}
	if cfg.Collector != "" {
		n.reporter = transport.NewRemoteReporter(cfg.Name, cfg.Collector)
		go n.reporter.Run(context.Background())
		reporter = n.reporter
	}
	network := transport.NewHTTPNetwork()
	n.runtime = agent.New(cfg.Name, network, reporter, cfg.AgentOptions...)

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := transport.Serve(nctx, ln, transport.NewNode(n.runtime, network).Handler(), serverGrace); err != nil {
			slog.Error("agent server failed", "agent", cfg.Name, "phase", n.runtime.State().String(), "error", err)
		}
	}()
	go func() {
		defer close(n.done)
		if err := n.runtime.Run(nctx); err != nil && nctx.Err() == nil {
			slog.Error("agent loop failed", "agent", cfg.Name, "phase", n.runtime.State().String(), "error", err)
		}
		if n.reporter != nil {
			n.reporter.Close()
		}
		cancel()
		<-served
	}()
	return n, nil
}

// Runtime returns the agent served by the node.
func (n *Node) Runtime() *agent.Runtime { return n.runtime }

// Done is closed once the agent has stopped and the server is down.
func (n *Node) Done() <-chan struct{} { return n.done }

// Kill terminates the node without a graceful stop.
func (n *Node) Kill() error {
	err := n.runtime.Kill()
	n.cancel()
	return err
}

// InProcessLauncher runs agent nodes as HTTP servers inside the current
// process. Agents still talk to each other and to the orchestrator over
// HTTP only.
type InProcessLauncher struct {
	AgentOptions  []agent.Option
	ClientOptions []transport.ClientOption

	mu     sync.Mutex
	closed bool
	nodes  []*Node
}

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(_ context.Context, name, collectorURL string) (*transport.Client, error) {
	if l.isClosed() {
		return nil, ErrTopologyClosed
	}
	n, err := StartNode(context.Background(), NodeConfig{
		Name:         name,
		Listen:       "127.0.0.1:0",
		Collector:    collectorURL,
		AgentOptions: l.AgentOptions,
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = n.Kill()
		<-n.Done()
		return nil, ErrTopologyClosed
	}
	l.nodes = append(l.nodes, n)
	l.mu.Unlock()
	opts := append([]transport.ClientOption{transport.WithKill(n.Kill)}, l.ClientOptions...)
	return transport.NewClient(name, n.Addr, opts...), nil
}

func (l *InProcessLauncher) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close implements Launcher. Nodes launched afterwards are killed at once.
func (l *InProcessLauncher) Close() error {
	l.mu.Lock()
	l.closed = true
	nodes := l.nodes
	l.nodes = nil
	l.mu.Unlock()
	for _, n := range nodes {
		_ = n.Kill()
		<-n.Done()
	}
	return nil
}

// ExecLauncher starts every agent as a `dcop agent` child process.
type ExecLauncher struct {
	// Path is the dcop executable. Defaults to the running executable.
	Path string

	// Args are extra arguments passed after the agent subcommand.
	Args []string

	// Stderr receives the agents' logs. Defaults to os.Stderr.
	Stderr io.Writer

	ClientOptions []transport.ClientOption

	mu       sync.Mutex
	closed   bool
	children map[string]*child
}

// child is an agent process.
type child struct {
	name   string
	cmd    *exec.Cmd
	exited chan struct{}
}

// kill terminates the process and waits for it.
func (c *child) kill() error {
	select {
	case <-c.exited:
		return nil
	default:
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-c.exited
	return nil
}

// Launch implements Launcher. It waits for the child to print its address
// until ctx is done.
func (l *ExecLauncher) Launch(ctx context.Context, name, collectorURL string) (*transport.Client, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrTopologyClosed
	}

	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate dcop executable: %w", err)
		}
		path = exe
	}
	args := append([]string{"agent", "--name", name, "--listen", "127.0.0.1:0", "--orchestrator", collectorURL}, l.Args...)
	cmd := exec.Command(path, args...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", name, err)
	}

	addrCh := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		if sc.Scan() {
			addrCh <- strings.TrimPrefix(strings.TrimSpace(sc.Text()), ListeningPrefix)
		}
		close(addrCh)
		_, _ = io.Copy(io.Discard, stdout)
	}()

	var addr string
	select {
	case a, ok := <-addrCh:
		if !ok || a == "" {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("agent %s exited before listening", name)
		}
		addr = a
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("agent %s: %w", name, ctx.Err())
	}

	c := &child{name: name, cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		slog.Debug("agent process exited", "agent", name, "error", err)
		close(c.exited)
	}()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = c.kill()
		return nil, ErrTopologyClosed
	}
	if l.children == nil {
		l.children = make(map[string]*child)
	}
	l.children[name] = c
	l.mu.Unlock()

	slog.Info("agent process started", "agent", name, "pid", cmd.Process.Pid, "addr", addr)
	opts := append([]transport.ClientOption{transport.WithKill(c.kill)}, l.ClientOptions...)
	return transport.NewClient(name, addr, opts...), nil
}

// Close implements Launcher. It kills every child still running; children
// launched afterwards are killed at once.
func (l *ExecLauncher) Close() error {
	l.mu.Lock()
	l.closed = true
	children := make([]*child, 0, len(l.children))
	for _, c := range l.children {
		children = append(children, c)
	}
	l.mu.Unlock()
	for _, c := range children {
		if err := c.kill(); err != nil {
			slog.Debug("agent process already gone", "agent", c.name, "error", err)
		}
	}
	return nil
}
