package server

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
)

// maxUploadBytes caps one preset upload; reference clips are seconds of
// audio, not albums.
const maxUploadBytes = 64 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sup.Status(r.Context()))
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StartAll(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.sup.StopAll(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StartService(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StopService(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondDetail(w, http.StatusBadRequest, fmt.Sprintf("invalid lines value: %s", v))
			return
		}
		lines = n
	}
	filterNoise := r.URL.Query().Get("filter_health") != "false"

	logs, err := s.sup.Logs(id, lines, filterNoise)
	if err != nil {
		respondError(w, err)
		return
	}

	_, offset := time.Now().Zone()
	respondJSON(w, http.StatusOK, map[string]any{
		"service":            id,
		"logs":               logs,
		"utc_offset_minutes": offset / 60,
	})
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.gpu.Probe(r.Context()))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var current *string
	if c := s.models.Current(); c != "" {
		current = &c
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"current_model": current,
		"models":        s.models.Catalog(),
	})
}

func (s *Server) handleChangeModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.models.Apply(r.Context(), req.ModelID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": req.ModelID})
}

// handleTTSProxy forwards a synthesis request to the MioTTS API and
// relays the response verbatim, translating transport failures into the
// gateway statuses the panel distinguishes.
func (s *Server) handleTTSProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		respondDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		s.ttsURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.ttsClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			respondDetail(w, http.StatusGatewayTimeout, "TTS generation timed out")
			return
		}
		respondDetail(w, http.StatusBadGateway, "MioTTS API is not running")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warnf("Failed to relay TTS response: %v", err)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	list, err := s.presets.List()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleUploadPreset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondDetail(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	preset, err := s.presets.SaveAndConvert(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preset)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.presets.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}
