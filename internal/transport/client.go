package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/ir"
)

// Defaults for Client.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultRetries        = 3
	DefaultRetryDelay     = 50 * time.Millisecond
)

// RemoteError is a non-2xx answer from an agent node.
type RemoteError struct {
	Agent  string
	Status int
	Code   string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s: %s (%d %s)", e.Agent, e.Msg, e.Status, e.Code)
}

// Unwrap lets errors.Is match agent.ErrStopped.
func (e *RemoteError) Unwrap() error {
	if e.Code == CodeStopped {
		return agent.ErrStopped
	}
	return nil
}

// Client reaches an agent node over HTTP. It implements agent.Agent.
//
// Control commands are retried on transport failures. Data-plane calls
// (messages, syncs, announces, heartbeats) are tried once: the calling
// runtime has its own retry and park policy for them.
type Client struct {
	name    string
	base    string
	http    *http.Client
	retries int
	delay   time.Duration
	kill    func() error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how many times a control command is retried.
func WithRetries(n int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = n
		c.delay = delay
	}
}

// WithKill sets how Kill terminates the agent, typically by killing its
// process. Without it, Kill asks the node to abandon its runtime.
func WithKill(fn func() error) ClientOption {
	return func(c *Client) { c.kill = fn }
}

// NewClient creates a client for the agent name served at baseURL.
func NewClient(name, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultRequestTimeout},
		retries: DefaultRetries,
		delay:   DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements agent.Peer.
func (c *Client) Name() string { return c.name }

// BaseURL returns the node address.
func (c *Client) BaseURL() string { return c.base }

// do sends a request, retrying transport failures when retry is set. A
// retry refused because the agent already is in one of the applied states
// means an earlier attempt went through, and counts as success.
func (c *Client) do(ctx context.Context, method, path string, in, out any, retry bool, applied ...agent.State) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}

	attempts := 1
	if retry {
		attempts += c.retries
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var transient bool
		transient, err = c.once(ctx, method, path, body, out)
		if i > 0 && alreadyApplied(err, applied) {
			slog.Debug("retried command already applied", "agent", c.name, "path", path)
			return nil
		}
		if err == nil || !transient {
			return err
		}
	}
	return err
}

func alreadyApplied(err error, applied []agent.State) bool {
	var se *agent.StateError
	if !errors.As(err, &se) {
		return false
	}
	for _, s := range applied {
		if se.State == s {
			return true
		}
	}
	return false
}

// once performs a single request. transient reports whether a retry may
// succeed.
func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (transient bool, err error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+AgentPrefix+path, rd)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("agent %s unreachable: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if jsonErr := json.Unmarshal(data, &er); jsonErr != nil || er.Code == "" {
			er = ErrorResponse{Error: strings.TrimSpace(string(data)), Code: CodeInternal}
		}
		if er.Code == CodeInvalidState {
			return false, &agent.StateError{Agent: c.name, Command: er.Command, State: agent.ParseState(er.State)}
		}
		return resp.StatusCode == http.StatusServiceUnavailable,
			&RemoteError{Agent: c.name, Status: resp.StatusCode, Code: er.Code, Msg: er.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode %s answer from %s: %w", path, c.name, err)
		}
	}
	return false, nil
}

func (c *Client) DeliverMessage(ctx context.Context, msg ir.Message) error {
	return c.do(ctx, http.MethodPost, "/messages", msg, nil, false)
}

func (c *Client) SyncReplica(ctx context.Context, state ir.ComputationState) error {
	return c.do(ctx, http.MethodPost, "/sync", state, nil, false)
}

func (c *Client) Announce(ctx context.Context, computation, host string) error {
	return c.do(ctx, http.MethodPost, "/announce", AnnounceRequest{Computation: computation, Host: host}, nil, false)
}

func (c *Client) Heartbeat(ctx context.Context) (ir.Heartbeat, error) {
	var hb ir.Heartbeat
	err := c.do(ctx, http.MethodGet, "/heartbeat", nil, &hb, false)
	return hb, err
}

func (c *Client) Deploy(ctx context.Context, req agent.DeployRequest) error {
	return c.do(ctx, http.MethodPost, "/deploy", req, nil, true, agent.Deployed)
}

func (c *Client) Replicate(ctx context.Context, req agent.ReplicateRequest) error {
	return c.do(ctx, http.MethodPost, "/replicate", req, nil, true, agent.Replicating)
}

func (c *Client) Ready(ctx context.Context) (bool, error) {
	var resp ReadyResponse
	err := c.do(ctx, http.MethodGet, "/ready", nil, &resp, true)
	return resp.Ready, err
}

func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/start", nil, nil, true, agent.Active)
}

func (c *Client) SetValue(ctx context.Context, computation, value string) error {
	return c.do(ctx, http.MethodPost, "/value", ValueRequest{Computation: computation, Value: value}, nil, true)
}

func (c *Client) ChangeConstraint(ctx context.Context, def ir.ConstraintDef) error {
	return c.do(ctx, http.MethodPost, "/constraint", def, nil, true)
}

// Stop asks the node to stop its agent. A node that is already gone
// counts as stopped.
func (c *Client) Stop(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/stop", nil, nil, false)
	if errors.Is(err, agent.ErrStopped) {
		return nil
	}
	return err
}

func (c *Client) Kill() error {
	if c.kill != nil {
		return c.kill()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.do(ctx, http.MethodPost, "/kill", nil, nil, false)
	if errors.Is(err, agent.ErrStopped) {
		return nil
	}
	return err
}
