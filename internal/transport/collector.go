package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dcop/internal/agent"
	"github.com/roach88/dcop/internal/ir"
)

// Collector receives what agent processes report and hands it to a
// local agent.Reporter on the orchestrator side.
type Collector struct {
	reporter agent.Reporter
	engine   *gin.Engine
}

// NewCollector creates the collection endpoint. When metrics is non-nil
// it is served on GET /metrics.
func NewCollector(reporter agent.Reporter, metrics http.Handler) *Collector {
	c := &Collector{reporter: reporter, engine: gin.New()}
	c.engine.Use(gin.Recovery())
	rg := c.engine.Group(CollectPrefix)
	rg.POST("/records", c.handleRecords)
	rg.POST("/promotions", c.handlePromotion)
	rg.POST("/errors", c.handleError)
	if metrics != nil {
		c.engine.GET("/metrics", gin.WrapH(metrics))
	}
	return c
}

// Handler returns the HTTP handler of the collector.
func (c *Collector) Handler() http.Handler { return c.engine }

func (c *Collector) handleRecords(ctx *gin.Context) {
	var recs []ir.MetricRecord
	if err := ctx.ShouldBindJSON(&recs); err != nil {
		badRequest(ctx, err)
		return
	}
	for _, r := range recs {
		c.reporter.Record(r)
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Collector) handlePromotion(ctx *gin.Context) {
	var p ir.Promotion
	if err := ctx.ShouldBindJSON(&p); err != nil {
		badRequest(ctx, err)
		return
	}
	c.reporter.Promoted(p)
	ctx.Status(http.StatusNoContent)
}

func (c *Collector) handleError(ctx *gin.Context) {
	var rep ErrorReport
	if err := ctx.ShouldBindJSON(&rep); err != nil {
		badRequest(ctx, err)
		return
	}
	c.reporter.Error(rep.Agent, rep.Err())
	ctx.Status(http.StatusNoContent)
}

// Defaults for RemoteReporter.
const (
	DefaultReportBuffer   = 4096
	DefaultReportBatch    = 64
	DefaultReportInterval = 50 * time.Millisecond
)

type report struct {
	record    *ir.MetricRecord
	promotion *ir.Promotion
	errReport *ErrorReport
}

// RemoteReporter forwards an agent's reports to a Collector. Record never
// blocks: when the buffer is full the record is dropped and counted.
// Promotions and errors are never dropped for a full buffer; they wait for
// room instead.
type RemoteReporter struct {
	name string
	base string
	http *http.Client

	ch      chan report
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	closing chan struct{}
}

// NewRemoteReporter creates a reporter posting to the collector at
// baseURL. Run must be called to send anything.
func NewRemoteReporter(agentName, baseURL string) *RemoteReporter {
	return &RemoteReporter{
		name:    agentName,
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		ch:      make(chan report, DefaultReportBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (r *RemoteReporter) Record(rec ir.MetricRecord) {
	select {
	case r.ch <- report{record: &rec}:
	default:
		r.dropped.Add(1)
	}
}

func (r *RemoteReporter) Promoted(p ir.Promotion) {
	select {
	case r.ch <- report{promotion: &p}:
	case <-r.closing:
	}
}

func (r *RemoteReporter) Error(agentName string, err error) {
	rep := NewErrorReport(agentName, err)
	select {
	case r.ch <- report{errReport: &rep}:
	case <-r.closing:
	}
}

// Dropped returns how many records were dropped for a full buffer.
func (r *RemoteReporter) Dropped() int64 { return r.dropped.Load() }

// Run sends batches until Close is called or ctx is cancelled.
func (r *RemoteReporter) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(DefaultReportInterval)
	defer ticker.Stop()

	batch := make([]ir.MetricRecord, 0, DefaultReportBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.post(ctx, "/records", batch)
		batch = batch[:0]
	}
	handle := func(rep report) {
		switch {
		case rep.record != nil:
			batch = append(batch, *rep.record)
			if len(batch) >= DefaultReportBatch {
				flush()
			}
		case rep.promotion != nil:
			flush()
			r.post(ctx, "/promotions", rep.promotion)
		case rep.errReport != nil:
			flush()
			r.post(ctx, "/errors", rep.errReport)
		}
	}

	for {
		select {
		case rep := <-r.ch:
			handle(rep)
		case <-ticker.C:
			flush()
		case <-r.closing:
			for {
				select {
				case rep := <-r.ch:
					handle(rep)
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close flushes what is buffered and stops Run.
func (r *RemoteReporter) Close() {
	r.once.Do(func() { close(r.closing) })
	<-r.done
}

func (r *RemoteReporter) post(ctx context.Context, path string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("report encoding failed", "agent", r.name, "path", path, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+CollectPrefix+path, bytes.NewReader(body))
	if err != nil {
		slog.Error("report request failed", "agent", r.name, "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		slog.Warn("report not delivered", "agent", r.name, "path", path, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("report rejected", "agent", r.name, "path", path, "error", fmt.Sprintf("status %d", resp.StatusCode))
	}
}
