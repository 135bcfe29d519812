package syncer

import (
	"sync"
	"time"
)

// historyCap bounds the retained operation history.
const historyCap = 50

// StageRecord is one timed phase inside an operation.
type StageRecord struct {
	Name     string        `json:"name"`
	Elapsed  time.Duration `json:"elapsed"`
	BytesIn  int64         `json:"bytesIn,omitempty"`
	BytesOut int64         `json:"bytesOut,omitempty"`
}

// OpRecord is one completed sync operation.
type OpRecord struct {
	Op       string        `json:"op"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Stages   []StageRecord `json:"stages,omitempty"`
}

// Stats summarizes the retained history.
type Stats struct {
	Ops         int           `json:"ops"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avgDuration"`
	LastOp      time.Time     `json:"lastOp"`
}

// Recorder keeps a bounded in-memory history of sync operations for
// status reporting. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	history []OpRecord
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Op is an in-progress operation handle.
type Op struct {
	rec       *Recorder
	record    OpRecord
	lastStamp time.Time
}

// Begin starts timing an operation.
func (r *Recorder) Begin(name string) *Op {
	now := time.Now()
	return &Op{
		rec:       r,
		record:    OpRecord{Op: name, Start: now},
		lastStamp: now,
	}
}

// Stage marks the end of a phase, attributing the time since the previous
// mark (or the operation start) to it.
func (o *Op) Stage(name string, bytesIn, bytesOut int64) {
	now := time.Now()
	o.record.Stages = append(o.record.Stages, StageRecord{
		Name:     name,
		Elapsed:  now.Sub(o.lastStamp),
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	})
	o.lastStamp = now
}

// End finishes the operation and commits it to the history.
func (o *Op) End(success bool) {
	o.record.Duration = time.Since(o.record.Start)
	o.record.Success = success
	o.rec.commit(o.record)
}

func (r *Recorder) commit(rec OpRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, rec)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
}

// History returns a copy of the retained records, oldest first.
func (r *Recorder) History() []OpRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OpRecord, len(r.history))
	copy(out, r.history)
	return out
}

// Stats summarizes the retained history.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st Stats
	st.Ops = len(r.history)
	if st.Ops == 0 {
		return st
	}

	var total time.Duration
	for _, rec := range r.history {
		total += rec.Duration
		if !rec.Success {
			st.Failures++
		}
	}
	st.AvgDuration = total / time.Duration(st.Ops)
	st.LastOp = r.history[st.Ops-1].Start
	return st
}
