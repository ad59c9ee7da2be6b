package session

import (
	"math"
	"time"

	"github.com/skypro1111/voice-origin-service/internal/classifier"
)

// Class is the domain class of one classified segment
type Class string

const (
	ClassHuman     Class = "human"
	ClassSynthetic Class = "synthetic"
)

// MapLabel maps a raw classifier label to its domain class.
// Only the genuine speech label maps to human; every other label is synthetic.
func MapLabel(label string) Class {
	if label == classifier.LabelHuman {
		return ClassHuman
	}
	return ClassSynthetic
}

// Verdict is the session level decision computed at stop time
type Verdict string

const (
	VerdictUnknown   Verdict = "unknown"
	VerdictHuman     Verdict = "human"
	VerdictSynthetic Verdict = "synthetic"
)

// SyntheticRatioThreshold is the inclusive share of synthetic segments that makes a session synthetic
const SyntheticRatioThreshold = 0.5

// Message returns the human readable form shown to users
func (v Verdict) Message() string {
	switch v {
	case VerdictHuman:
		return "human speech"
	case VerdictSynthetic:
		return "AI-generated speech"
	default:
		return "no speech detected"
	}
}

// FinalVerdict is the result of a stopped session
type FinalVerdict struct {
	Verdict      Verdict `json:"verdict"`
	SessionEmpty bool    `json:"session_empty"`
	Segments     int     `json:"segments"`
	Synthetic    int     `json:"synthetic_segments"`
	AIRatio      float64 `json:"ai_ratio"`
	Message      string  `json:"message"`
}

// ComputeVerdict derives the final verdict from the ordered class history.
// It depends only on the number of synthetic entries and the history length.
func ComputeVerdict(history []Class) FinalVerdict {
	if len(history) == 0 {
		return FinalVerdict{
			Verdict:      VerdictUnknown,
			SessionEmpty: true,
			Message:      VerdictUnknown.Message(),
		}
	}

	synthetic := 0
	for _, class := range history {
		if class == ClassSynthetic {
			synthetic++
		}
	}

	ratio := float64(synthetic) / float64(len(history))

	verdict := VerdictHuman
	if ratio >= SyntheticRatioThreshold {
		verdict = VerdictSynthetic
	}

	return FinalVerdict{
		Verdict:   verdict,
		Segments:  len(history),
		Synthetic: synthetic,
		AIRatio:   ratio,
		Message:   verdict.Message(),
	}
}

// Entry is one classified segment in the session history
type Entry struct {
	Seq        uint64             `json:"seq"`
	SegmentID  string             `json:"segment_id"`
	Class      Class              `json:"class"`
	Label      string             `json:"label"`
	Scores     map[string]float64 `json:"scores"`
	Latency    time.Duration      `json:"latency"`
	ReceivedAt time.Time          `json:"received_at"`
}

// Display is the live state shown while a session runs
type Display struct {
	Class       Class          `json:"class,omitempty"`
	Label       string         `json:"label,omitempty"`
	Percentages map[string]int `json:"percentages,omitempty"`
	Description string         `json:"description"`
}

// Percentages converts raw scores in [0, 1] into rounded whole percentages
func Percentages(scores map[string]float64) map[string]int {
	percentages := make(map[string]int, len(scores))
	for label, score := range scores {
		percentages[label] = int(math.Round(score * 100))
	}
	return percentages
}

// displayFor returns the display state after a result of the given class
func displayFor(entry Entry) Display {
	description := "A person is speaking"
	if entry.Class == ClassSynthetic {
		description = "AI voice detected"
	}

	return Display{
		Class:       entry.Class,
		Label:       entry.Label,
		Percentages: Percentages(entry.Scores),
		Description: description,
	}
}

// idleDisplay is the display state before the first result
func idleDisplay() Display {
	return Display{Description: "Waiting for speech"}
}

// Status is the coarse session status indicator
type Status string

const (
	StatusIdle           Status = "idle"
	StatusRecording      Status = "recording"
	StatusAnalyzing      Status = "analyzing"
	StatusAnalysisFailed Status = "analysis failed"
	StatusStopped        Status = "stopped"
	StatusCaptureFailed  Status = "capture failed"
)
