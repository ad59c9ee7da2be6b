package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/voice-origin-service/internal/classifier"
	"github.com/skypro1111/voice-origin-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(t *testing.T, hub *Hub) *Aggregator {
	t.Helper()
	a := NewAggregator("test-session", hub, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(a.Close)
	return a
}

func success(seq uint64, label string, scores map[string]float64) classifier.Outcome {
	return classifier.Outcome{
		Seq:       seq,
		SegmentID: "segment",
		Result:    &classifier.Result{Label: label, Scores: scores},
	}
}

func failure(seq uint64) classifier.Outcome {
	return classifier.Outcome{
		Seq:       seq,
		SegmentID: "segment",
		Err:       &classifier.DispatchError{Kind: classifier.KindTransport, Err: errors.New("connection refused")},
	}
}

func snapshotOf(t *testing.T, a *Aggregator) Snapshot {
	t.Helper()
	snapshot, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	return snapshot
}

func historyClasses(snapshot Snapshot) []Class {
	classes := make([]Class, len(snapshot.History))
	for i, entry := range snapshot.History {
		classes[i] = entry.Class
	}
	return classes
}

func TestAggregatorInitialState(t *testing.T) {
	a := newTestAggregator(t, nil)

	snapshot := snapshotOf(t, a)
	if snapshot.SessionID != "test-session" {
		t.Errorf("Expected session ID test-session, got %s", snapshot.SessionID)
	}
	if !snapshot.Active {
		t.Error("Expected active session")
	}
	if snapshot.Status != StatusRecording {
		t.Errorf("Expected status %s, got %s", StatusRecording, snapshot.Status)
	}
	if len(snapshot.History) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(snapshot.History))
	}
	if snapshot.Verdict != nil {
		t.Error("Expected no verdict before finalize")
	}
}

func TestAggregatorAppendsResultAndUpdatesDisplay(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(success(1, "tts", map[string]float64{"orig": 0.12, "tts": 0.85, "tts_gsm": 0.03}))

	snapshot := snapshotOf(t, a)
	if len(snapshot.History) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(snapshot.History))
	}
	if snapshot.History[0].Class != ClassSynthetic {
		t.Errorf("Expected synthetic, got %s", snapshot.History[0].Class)
	}
	if snapshot.Status != StatusAnalyzing {
		t.Errorf("Expected status %s, got %s", StatusAnalyzing, snapshot.Status)
	}
	if snapshot.Display.Class != ClassSynthetic || snapshot.Display.Label != "tts" {
		t.Errorf("Expected synthetic tts display, got %+v", snapshot.Display)
	}
	if snapshot.Display.Percentages["tts"] != 85 || snapshot.Display.Percentages["orig"] != 12 {
		t.Errorf("Expected rounded percentages, got %v", snapshot.Display.Percentages)
	}
}

func TestAggregatorMajorityScenarios(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		expected Verdict
	}{
		{"human then two synthetic", []string{"orig", "tts", "tts_gsm"}, VerdictSynthetic},
		{"even split", []string{"orig", "tts"}, VerdictSynthetic},
		{"human majority", []string{"orig", "orig", "tts"}, VerdictHuman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAggregator(t, nil)

			for i, label := range tt.labels {
				a.Deliver(success(uint64(i+1), label, map[string]float64{label: 0.9}))
			}

			verdict, err := a.Finalize(context.Background())
			if err != nil {
				t.Fatalf("Failed to finalize: %v", err)
			}
			if verdict.Verdict != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, verdict.Verdict)
			}
			if verdict.Segments != len(tt.labels) {
				t.Errorf("Expected %d segments, got %d", len(tt.labels), verdict.Segments)
			}
		})
	}
}

func TestAggregatorFailureLeavesHistoryUntouched(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(success(1, "orig", map[string]float64{"orig": 0.9}))
	a.Deliver(failure(2))

	snapshot := snapshotOf(t, a)
	if snapshot.Status != StatusAnalysisFailed {
		t.Errorf("Expected status %s, got %s", StatusAnalysisFailed, snapshot.Status)
	}
	if snapshot.Display.Class != ClassHuman {
		t.Errorf("Expected display to keep the last result, got %+v", snapshot.Display)
	}

	a.Deliver(success(3, "tts", map[string]float64{"tts": 0.9}))

	verdict, err := a.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	snapshot = snapshotOf(t, a)
	if len(snapshot.History) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(snapshot.History))
	}
	if snapshot.History[0].Seq != 1 || snapshot.History[1].Seq != 3 {
		t.Errorf("Expected segments 1 and 3, got %d and %d", snapshot.History[0].Seq, snapshot.History[1].Seq)
	}
	if snapshot.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", snapshot.Failures)
	}
	if verdict.Segments != 2 || verdict.Verdict != VerdictSynthetic {
		t.Errorf("Expected synthetic verdict over 2 segments, got %+v", verdict)
	}
}

func TestAggregatorOrdersBySequence(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(success(3, "tts", nil))
	a.Deliver(success(2, "orig", nil))

	snapshot := snapshotOf(t, a)
	if len(snapshot.History) != 0 {
		t.Fatalf("Expected results held until seq 1 arrives, got %d entries", len(snapshot.History))
	}
	if snapshot.Pending != 2 {
		t.Errorf("Expected 2 pending results, got %d", snapshot.Pending)
	}

	a.Deliver(success(1, "tts_gsm", nil))

	snapshot = snapshotOf(t, a)
	got := historyClasses(snapshot)
	expected := []Class{ClassSynthetic, ClassHuman, ClassSynthetic}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d entries, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] || snapshot.History[i].Seq != uint64(i+1) {
			t.Errorf("Entry %d: expected %s seq %d, got %s seq %d", i, expected[i], i+1, got[i], snapshot.History[i].Seq)
		}
	}
	if snapshot.Display.Label != "tts" {
		t.Errorf("Expected display of the last released result, got %s", snapshot.Display.Label)
	}
}

func TestAggregatorFailureReleasesSlot(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(success(2, "orig", nil))
	a.Deliver(failure(1))

	snapshot := snapshotOf(t, a)
	if len(snapshot.History) != 1 || snapshot.History[0].Seq != 2 {
		t.Fatalf("Expected seq 2 released after failure of seq 1, got %+v", snapshot.History)
	}
}

func TestAggregatorFinalizeReleasesBufferedResults(t *testing.T) {
	a := newTestAggregator(t, nil)

	// seq 1 is still in flight when the session stops
	a.Deliver(success(3, "tts", nil))
	a.Deliver(success(2, "orig", nil))

	verdict, err := a.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	if verdict.Segments != 2 {
		t.Errorf("Expected 2 segments, got %d", verdict.Segments)
	}

	snapshot := snapshotOf(t, a)
	if snapshot.History[0].Seq != 2 || snapshot.History[1].Seq != 3 {
		t.Errorf("Expected seq order 2, 3, got %d, %d", snapshot.History[0].Seq, snapshot.History[1].Seq)
	}
}

func TestAggregatorRejectsLateResults(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(success(1, "orig", nil))

	first, err := a.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	a.Deliver(success(2, "tts", nil))
	a.Deliver(success(3, "tts", nil))

	second, err := a.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Failed to finalize again: %v", err)
	}
	if first != second {
		t.Errorf("Expected stable verdict, got %+v then %+v", first, second)
	}

	snapshot := snapshotOf(t, a)
	if len(snapshot.History) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(snapshot.History))
	}
	if snapshot.LateRejected != 2 {
		t.Errorf("Expected 2 late results, got %d", snapshot.LateRejected)
	}
	if snapshot.Active {
		t.Error("Expected inactive session after finalize")
	}
	if snapshot.Status != StatusStopped {
		t.Errorf("Expected status %s, got %s", StatusStopped, snapshot.Status)
	}
	if snapshot.Verdict == nil || snapshot.Verdict.Verdict != VerdictHuman {
		t.Errorf("Expected human verdict in snapshot, got %+v", snapshot.Verdict)
	}
}

func TestAggregatorEmptySession(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.Deliver(failure(1))

	verdict, err := a.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}
	if !verdict.SessionEmpty || verdict.Verdict != VerdictUnknown {
		t.Errorf("Expected empty unknown verdict, got %+v", verdict)
	}
}

func TestAggregatorCaptureFailureIsSticky(t *testing.T) {
	a := newTestAggregator(t, nil)

	a.SetStatus(StatusCaptureFailed)
	a.Deliver(success(1, "orig", nil))

	if _, err := a.Finalize(context.Background()); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	snapshot := snapshotOf(t, a)
	if snapshot.Status != StatusCaptureFailed {
		t.Errorf("Expected status %s, got %s", StatusCaptureFailed, snapshot.Status)
	}
	if len(snapshot.History) != 1 {
		t.Errorf("Expected result still recorded, got %d entries", len(snapshot.History))
	}
}

func TestAggregatorPublishesUpdates(t *testing.T) {
	hub := NewHub(8)
	updates, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	a := newTestAggregator(t, hub)

	a.Deliver(success(1, "orig", map[string]float64{"orig": 0.7, "tts": 0.3}))
	a.Deliver(failure(2))
	if _, err := a.Finalize(context.Background()); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	expected := []UpdateType{UpdateResult, UpdateStatus, UpdateVerdict}
	for i, want := range expected {
		select {
		case update := <-updates:
			if update.Type != want {
				t.Errorf("Update %d: expected %s, got %s", i, want, update.Type)
			}
			if update.SessionID != "test-session" {
				t.Errorf("Update %d: expected session ID, got %q", i, update.SessionID)
			}
			switch update.Type {
			case UpdateResult:
				if update.Entry == nil || update.Display.Percentages["orig"] != 70 {
					t.Errorf("Expected result entry with 70%% orig, got %+v", update)
				}
			case UpdateVerdict:
				if update.Verdict == nil || update.Verdict.Verdict != VerdictHuman {
					t.Errorf("Expected human verdict, got %+v", update.Verdict)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for update %d", i)
		}
	}
}

func TestAggregatorClosed(t *testing.T) {
	a := NewAggregator("closed", nil, testLogger(), nil)
	a.Close()
	a.Close()

	if _, err := a.Snapshot(context.Background()); !errors.Is(err, ErrAggregatorClosed) {
		t.Errorf("Expected ErrAggregatorClosed, got %v", err)
	}

	// Must not block
	a.Deliver(success(1, "orig", nil))
}
