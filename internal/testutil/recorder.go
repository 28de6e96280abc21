package testutil

import (
	"sync"

	"github.com/roach88/dcop/internal/ir"
)

// Recorder captures what agents report: metric records, promotions and
// errors. It satisfies agent.Reporter and is safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	records    []ir.MetricRecord
	promotions []ir.Promotion
	errs       []error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(rec ir.MetricRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *Recorder) Promoted(p ir.Promotion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promotions = append(r.promotions, p)
}

func (r *Recorder) Error(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Records returns a copy of the captured metric records.
func (r *Recorder) Records() []ir.MetricRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.MetricRecord(nil), r.records...)
}

// Promotions returns a copy of the captured promotions.
func (r *Recorder) Promotions() []ir.Promotion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.Promotion(nil), r.promotions...)
}

// Errors returns a copy of the captured errors.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Last returns the latest record of each computation.
func (r *Recorder) Last() map[string]ir.MetricRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ir.MetricRecord)
	for _, rec := range r.records {
		out[rec.Computation] = rec
	}
	return out
}
