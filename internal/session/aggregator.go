package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
)

// ErrAggregatorClosed is returned by queries made after Close
var ErrAggregatorClosed = errors.New("aggregator closed")

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	Active       bool          `json:"active"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	StoppedAt    *time.Time    `json:"stopped_at,omitempty"`
	Display      Display       `json:"display"`
	History      []Entry       `json:"history"`
	Pending      int           `json:"pending_results"`
	Failures     int           `json:"failures"`
	LateRejected int           `json:"late_rejected"`
	Verdict      *FinalVerdict `json:"verdict,omitempty"`
}

// request is one message to the aggregator goroutine. Exactly one field is set.
type request struct {
	outcome  *classifier.Outcome
	status   Status
	snapshot chan<- Snapshot
	finalize chan<- FinalVerdict
}

// Aggregator owns the history of one session. All reads and writes are
// messages handled in arrival order by a single goroutine.
type Aggregator struct {
	inbox chan request
	quit  chan struct{}
	done  chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *Hub

	// Owned by the run goroutine
	sessionID    string
	startedAt    time.Time
	stoppedAt    *time.Time
	status       Status
	display      Display
	history      []Entry
	pending      map[uint64]classifier.Outcome
	nextSeq      uint64
	failures     int
	lateRejected int
	verdict      *FinalVerdict
}

// NewAggregator creates and starts the aggregator of a session. hub may be nil.
// The logger is expected to carry the session ID.
func NewAggregator(sessionID string, hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	a := &Aggregator{
		inbox:     make(chan request, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
		metrics:   m,
		hub:       hub,
		sessionID: sessionID,
		startedAt: time.Now(),
		status:    StatusRecording,
		display:   idleDisplay(),
		history:   make([]Entry, 0),
		pending:   make(map[uint64]classifier.Outcome),
		nextSeq:   1,
	}

	go a.run()

	return a
}

// Deliver hands a dispatch outcome to the aggregator. It is the dispatcher sink.
func (a *Aggregator) Deliver(outcome classifier.Outcome) {
	a.send(request{outcome: &outcome})
}

// SetStatus changes the status indicator
func (a *Aggregator) SetStatus(status Status) {
	a.send(request{status: status})
}

// Snapshot returns a copy of the current state
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !a.send(request{snapshot: reply}) {
		return Snapshot{}, ErrAggregatorClosed
	}

	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-a.done:
		return Snapshot{}, ErrAggregatorClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Finalize computes the verdict from the results received so far. Outcomes
// delivered afterwards are rejected. Calling it again returns the same verdict.
func (a *Aggregator) Finalize(ctx context.Context) (FinalVerdict, error) {
	reply := make(chan FinalVerdict, 1)
	if !a.send(request{finalize: reply}) {
		return FinalVerdict{}, ErrAggregatorClosed
	}

	select {
	case verdict := <-reply:
		return verdict, nil
	case <-a.done:
		return FinalVerdict{}, ErrAggregatorClosed
	case <-ctx.Done():
		return FinalVerdict{}, ctx.Err()
	}
}

// Close stops the aggregator goroutine and waits for it to exit
func (a *Aggregator) Close() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.done
}

// send enqueues a message, reporting false once the aggregator is closed
func (a *Aggregator) send(req request) bool {
	select {
	case a.inbox <- req:
		return true
	case <-a.quit:
		return false
	}
}

func (a *Aggregator) run() {
	defer close(a.done)

	for {
		select {
		case req := <-a.inbox:
			a.handle(req)
		case <-a.quit:
			return
		}
	}
}

func (a *Aggregator) handle(req request) {
	switch {
	case req.outcome != nil:
		a.handleOutcome(*req.outcome)
	case req.snapshot != nil:
		req.snapshot <- a.snapshot()
	case req.finalize != nil:
		req.finalize <- a.finalize()
	default:
		a.setStatus(req.status)
		a.publish(UpdateStatus, nil)
	}
}

// handleOutcome buffers the outcome and releases every outcome that is next in sequence
func (a *Aggregator) handleOutcome(outcome classifier.Outcome) {
	if a.verdict != nil {
		a.lateRejected++
		a.metrics.RecordLateResult()
		a.logger.Info("Late classification result rejected",
			slog.Uint64("seq", outcome.Seq))
		return
	}

	if outcome.Seq < a.nextSeq {
		a.logger.Warn("Duplicate classification outcome ignored",
			slog.Uint64("seq", outcome.Seq))
		return
	}

	if outcome.Err != nil {
		a.failures++
		a.setStatus(StatusAnalysisFailed)
		a.publish(UpdateStatus, nil)
	}

	a.pending[outcome.Seq] = outcome

	for {
		next, ok := a.pending[a.nextSeq]
		if !ok {
			break
		}
		delete(a.pending, a.nextSeq)
		a.nextSeq++

		if next.Err == nil {
			a.appendResult(next)
		}
	}
}

// appendResult adds a successful outcome to the history and updates the display
func (a *Aggregator) appendResult(outcome classifier.Outcome) {
	entry := Entry{
		Seq:        outcome.Seq,
		SegmentID:  outcome.SegmentID,
		Class:      MapLabel(outcome.Result.Label),
		Label:      outcome.Result.Label,
		Scores:     outcome.Result.Scores,
		Latency:    outcome.Latency,
		ReceivedAt: time.Now(),
	}

	a.history = append(a.history, entry)
	a.display = displayFor(entry)
	a.setStatus(StatusAnalyzing)
	a.metrics.RecordResult(string(entry.Class))

	a.logger.Info("Segment classified",
		slog.Uint64("seq", entry.Seq),
		slog.String("label", entry.Label),
		slog.String("class", string(entry.Class)),
		slog.Int("history_size", len(a.history)))

	a.publish(UpdateResult, &entry)
}

// finalize appends buffered results that are still waiting for an earlier
// sequence number, then freezes the history and computes the verdict
func (a *Aggregator) finalize() FinalVerdict {
	if a.verdict != nil {
		return *a.verdict
	}

	if len(a.pending) > 0 {
		seqs := make([]uint64, 0, len(a.pending))
		for seq := range a.pending {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		for _, seq := range seqs {
			if outcome := a.pending[seq]; outcome.Err == nil {
				a.appendResult(outcome)
			}
			delete(a.pending, seq)
		}
	}

	classes := make([]Class, len(a.history))
	for i, entry := range a.history {
		classes[i] = entry.Class
	}

	verdict := ComputeVerdict(classes)
	a.verdict = &verdict

	now := time.Now()
	a.stoppedAt = &now
	a.setStatus(StatusStopped)

	a.publish(UpdateVerdict, nil)

	return verdict
}

// setStatus updates the status. A capture failure is terminal and is never overwritten.
func (a *Aggregator) setStatus(status Status) {
	if a.status == StatusCaptureFailed {
		return
	}
	a.status = status
}

func (a *Aggregator) snapshot() Snapshot {
	history := make([]Entry, len(a.history))
	copy(history, a.history)

	snapshot := Snapshot{
		SessionID:    a.sessionID,
		Active:       a.verdict == nil,
		Status:       a.status,
		StartedAt:    a.startedAt,
		StoppedAt:    a.stoppedAt,
		Display:      copyDisplay(a.display),
		History:      history,
		Pending:      len(a.pending),
		Failures:     a.failures,
		LateRejected: a.lateRejected,
	}

	if a.verdict != nil {
		verdict := *a.verdict
		snapshot.Verdict = &verdict
	}

	return snapshot
}

func (a *Aggregator) publish(updateType UpdateType, entry *Entry) {
	if a.hub == nil {
		return
	}

	update := Update{
		Type:      updateType,
		SessionID: a.sessionID,
		Status:    a.status,
		Display:   copyDisplay(a.display),
		Entry:     entry,
		Time:      time.Now(),
	}

	if a.verdict != nil && updateType == UpdateVerdict {
		verdict := *a.verdict
		update.Verdict = &verdict
	}

	a.hub.Publish(update)
}

func copyDisplay(display Display) Display {
	if display.Percentages != nil {
		percentages := make(map[string]int, len(display.Percentages))
		for label, value := range display.Percentages {
			percentages[label] = value
		}
		display.Percentages = percentages
	}
	return display
}
