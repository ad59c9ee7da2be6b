package classifier

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-origin-service/internal/audio"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
)

// Classifier classifies one encoded segment
type Classifier interface {
	Classify(ctx context.Context, request *Request) (*Result, error)
}

// Outcome is the single report produced for every submitted segment.
// Exactly one of Result and Err is set.
type Outcome struct {
	Seq       uint64
	SegmentID string
	Result    *Result
	Err       error
	Latency   time.Duration
}

// Dispatcher submits segments to a Classifier without blocking the caller
type Dispatcher struct {
	ctx        context.Context
	classifier Classifier
	sink       func(Outcome)
	logger     *slog.Logger
	metrics    *metrics.Metrics

	group    errgroup.Group
	inFlight atomic.Int64
}

// NewDispatcher creates a dispatcher delivering outcomes to sink.
// Calls run under ctx; cancelling it aborts in-flight requests.
func NewDispatcher(ctx context.Context, classifier Classifier, sink func(Outcome), logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		ctx:        ctx,
		classifier: classifier,
		sink:       sink,
		logger:     logger,
		metrics:    m,
	}
}

// Submit encodes the segment and starts its classification in the background.
// It panics if the segment PCM is not whole samples.
func (d *Dispatcher) Submit(segment audio.Segment) {
	request := &Request{
		SegmentID:  segment.ID,
		Seq:        segment.Seq,
		SampleRate: segment.SampleRate,
		Duration:   segment.Duration(),
		WAV:        audio.MustEncodeWAV(segment.PCM, segment.SampleRate),
	}

	d.inFlight.Add(1)
	d.metrics.RecordClassificationRequest()

	d.group.Go(func() error {
		defer d.inFlight.Add(-1)
		d.dispatch(request)
		return nil
	})
}

// dispatch performs one classification call and reports its outcome
func (d *Dispatcher) dispatch(request *Request) {
	startTime := time.Now()

	result, err := d.classifier.Classify(d.ctx, request)
	latency := time.Since(startTime)

	if err == nil && result == nil {
		err = &DispatchError{Kind: KindMalformed, Err: errors.New("classifier returned no result")}
	}

	outcome := Outcome{
		Seq:       request.Seq,
		SegmentID: request.SegmentID,
		Result:    result,
		Err:       err,
		Latency:   latency,
	}

	if err != nil {
		kind := ErrorKindOf(err)
		d.metrics.RecordClassificationFailure(kind.String(), latency.Seconds())
		d.logger.Warn("Classification failed",
			slog.String("segment_id", request.SegmentID),
			slog.Uint64("seq", request.Seq),
			slog.String("kind", kind.String()),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()))
	} else {
		d.metrics.RecordClassificationSuccess(latency.Seconds())
		d.logger.Debug("Classification completed",
			slog.String("segment_id", request.SegmentID),
			slog.Uint64("seq", request.Seq),
			slog.String("label", result.Label),
			slog.Duration("latency", latency))
	}

	d.sink(outcome)
}

// InFlight returns the number of submitted segments without an outcome yet
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Drain waits until every submitted segment has produced its outcome or ctx ends.
// It must not be called concurrently with Submit.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
