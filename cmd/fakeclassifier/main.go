// Command fakeclassifier serves the prediction API contract for local
// development: POST /predict with a multipart "audio" WAV file.
package main

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/skypro1111/voice-origin-service/internal/audio"
)

// minAnalysisDuration is the shortest audio the model accepts
const minAnalysisDuration = 400 * time.Millisecond

var labels = []string{"orig", "tts", "tts_gsm"}

type predictResponse struct {
	Result string             `json:"result"`
	Scores map[string]float64 `json:"scores"`
}

type predictHandler struct {
	label  string
	delay  time.Duration
	logger *slog.Logger
}

func (h *predictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No audio file"})
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No audio file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	pcm, sampleRate, err := audio.DecodeWAV(data)
	if err == nil && sampleRate == 0 {
		err = errors.New("invalid sample rate")
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	duration := time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)

	h.logger.Info("Prediction request received",
		slog.String("filename", header.Filename),
		slog.String("content_type", header.Header.Get("Content-Type")),
		slog.Int("bytes", len(data)),
		slog.Int("sample_rate", sampleRate),
		slog.Duration("duration", duration))

	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	response := predict(h.label, duration)
	writeJSON(w, http.StatusOK, response)

	h.logger.Info("Prediction response sent", slog.String("result", response.Result))
}

// predict returns a confident answer for label, or "unknown" for audio too short to analyse
func predict(label string, duration time.Duration) predictResponse {
	scores := make(map[string]float64, len(labels))
	for _, l := range labels {
		scores[l] = 0
	}

	if duration < minAnalysisDuration {
		return predictResponse{Result: "unknown", Scores: scores}
	}

	for _, l := range labels {
		scores[l] = 0.05
	}
	scores[label] = 0.9

	return predictResponse{Result: label, Scores: scores}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func main() {
	addr := flag.String("addr", ":5000", "Listen address")
	label := flag.String("label", "orig", "Label returned for every segment (orig, tts or tts_gsm)")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	valid := false
	for _, l := range labels {
		valid = valid || l == *label
	}
	if !valid {
		logger.Error("Unsupported label", slog.String("label", *label))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/predict", &predictHandler{label: *label, delay: *delay, logger: logger})

	logger.Info("Fake classifier starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/predict"),
		slog.String("label", *label))

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
