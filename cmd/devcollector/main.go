// Command devcollector is a local stand-in for the consultation collector.
// It accepts uploads on both endpoints, logs what it received and answers
// with a fake consultation record.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/consult-capture/internal/audio"
)

const maxUploadSize = 512 << 20

// ConsultationResponse mirrors the collector's success body
type ConsultationResponse struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	PatientID  string    `json:"patient_id,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type collector struct {
	logger   *slog.Logger
	failRate float64
	delay    time.Duration
}

func (c *collector) handle(newPatient bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeDetail(w, http.StatusBadRequest, "Error parsing form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Missing audio file")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "Error reading audio file")
			return
		}

		contentType := header.Header.Get("Content-Type")
		if audio.IsWAV(contentType) {
			info, err := audio.GetWAVInfo(data)
			if err != nil {
				writeDetail(w, http.StatusUnprocessableEntity, "Invalid WAV file: "+err.Error())
				return
			}
			c.logger.Info("WAV upload",
				slog.Uint64("sample_rate", uint64(info.SampleRate)),
				slog.Int("channels", int(info.Channels)),
				slog.Float64("duration_seconds", info.Duration))
		}

		patientID := r.FormValue("patient_id")
		if newPatient {
			var patient map[string]any
			if err := json.Unmarshal([]byte(r.FormValue("patient_data")), &patient); err != nil {
				writeDetail(w, http.StatusUnprocessableEntity, "patient_data must be a JSON object")
				return
			}
			patientID = uuid.NewString()
		} else if patientID == "" {
			writeDetail(w, http.StatusUnprocessableEntity, "patient_id is required")
			return
		}

		c.logger.Info("Consultation upload received",
			slog.String("path", r.URL.Path),
			slog.String("filename", header.Filename),
			slog.String("content_type", contentType),
			slog.Int("size", len(data)),
			slog.String("patient_id", patientID),
			slog.Bool("new_patient", newPatient))

		time.Sleep(c.delay)

		if c.failRate > 0 && rand.Float64() < c.failRate {
			c.logger.Warn("Simulating collector failure")
			writeDetail(w, http.StatusServiceUnavailable, "Transcription backend unavailable")
			return
		}

		resp := ConsultationResponse{
			ID:         uuid.NewString(),
			Filename:   header.Filename,
			PatientID:  patientID,
			Transcript: "Test transcript of the uploaded consultation",
			CreatedAt:  time.Now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	failRate := flag.Float64("fail-rate", 0, "Fraction of uploads answered with 503")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c := &collector{logger: logger, failRate: *failRate, delay: *delay}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", c.handle(false))
	mux.HandleFunc("/consultation/new_patient", c.handle(true))

	logger.Info("Dev collector starting",
		slog.String("addr", *addr),
		slog.Float64("fail_rate", *failRate))

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
