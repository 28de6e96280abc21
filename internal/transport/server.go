package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/ir"
)

// Node serves one agent over HTTP.
type Node struct {
	agent   agent.Agent
	network *HTTPNetwork
	engine  *gin.Engine
}

// NewNode wraps an agent. When network is non-nil, the peer addresses of
// a deploy request are registered in it before the agent sees the request.
func NewNode(a agent.Agent, network *HTTPNetwork) *Node {
	n := &Node{agent: a, network: network, engine: gin.New()}
	n.engine.Use(gin.Recovery(), func(c *gin.Context) {
		c.Set("agent", a.Name())
		c.Next()
	})
	RegisterAgentRoutes(n.engine.Group(AgentPrefix), n)
	return n
}

// Handler returns the HTTP handler of the node.
func (n *Node) Handler() http.Handler { return n.engine }

// RegisterAgentRoutes mounts the agent API on a router group.
func RegisterAgentRoutes(rg *gin.RouterGroup, n *Node) {
	rg.POST("/deploy", n.handleDeploy)
	rg.POST("/replicate", n.handleReplicate)
	rg.POST("/start", n.handleStart)
	rg.POST("/stop", n.handleStop)
	rg.POST("/kill", n.handleKill)
	rg.POST("/messages", n.handleMessage)
	rg.POST("/sync", n.handleSync)
	rg.POST("/announce", n.handleAnnounce)
	rg.POST("/value", n.handleValue)
	rg.POST("/constraint", n.handleConstraint)
	rg.GET("/heartbeat", n.handleHeartbeat)
	rg.GET("/ready", n.handleReady)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: CodeBadRequest})
}

func writeError(c *gin.Context, err error) {
	status, resp := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("agent request failed", "agent", c.GetString("agent"), "path", c.FullPath(), "error", err)
	}
	c.JSON(status, resp)
}

func reply(c *gin.Context, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (n *Node) handleDeploy(c *gin.Context) {
	var req agent.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if n.network != nil && len(req.Peers) > 0 {
		n.network.SetAddresses(req.Peers)
	}
	reply(c, n.agent.Deploy(c.Request.Context(), req))
}

func (n *Node) handleReplicate(c *gin.Context) {
	var req agent.ReplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.Replicate(c.Request.Context(), req))
}

func (n *Node) handleStart(c *gin.Context) {
	reply(c, n.agent.Start(c.Request.Context()))
}

func (n *Node) handleStop(c *gin.Context) {
	err := n.agent.Stop(c.Request.Context())
	if errors.Is(err, agent.ErrStopped) {
		err = nil
	}
	reply(c, err)
}

func (n *Node) handleKill(c *gin.Context) {
	reply(c, n.agent.Kill())
}

func (n *Node) handleMessage(c *gin.Context) {
	var msg ir.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.DeliverMessage(c.Request.Context(), msg))
}

func (n *Node) handleSync(c *gin.Context) {
	var state ir.ComputationState
	if err := c.ShouldBindJSON(&state); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.SyncReplica(c.Request.Context(), state))
}

func (n *Node) handleAnnounce(c *gin.Context) {
	var req AnnounceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.Announce(c.Request.Context(), req.Computation, req.Host))
}

func (n *Node) handleValue(c *gin.Context) {
	var req ValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.SetValue(c.Request.Context(), req.Computation, req.Value))
}

func (n *Node) handleConstraint(c *gin.Context) {
	var def ir.ConstraintDef
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, err)
		return
	}
	reply(c, n.agent.ChangeConstraint(c.Request.Context(), def))
}

func (n *Node) handleHeartbeat(c *gin.Context) {
	hb, err := n.agent.Heartbeat(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, hb)
}

func (n *Node) handleReady(c *gin.Context) {
	ready, err := n.agent.Ready(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: ready})
}

// Serve runs handler on ln until ctx is cancelled, then shuts the server
// down within grace.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	}
}
