package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/silviot/surveillx_live_view_go/pkg/render"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

// ModeRequest selects a transport mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// AutoSwitchRequest toggles automatic mode selection
type AutoSwitchRequest struct {
	Enabled *bool `json:"enabled"`
}

// Routes registers the viewer API on mux
func (v *Viewer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", v.HandleStatus)
	mux.HandleFunc("POST /api/v1/mode", v.HandleSetMode)
	mux.HandleFunc("PUT /api/v1/autoswitch", v.HandleSetAutoSwitch)
	mux.HandleFunc("GET /snapshot.jpg", v.HandleSnapshot)
}

// Handler returns a mux serving only the viewer API
func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	v.Routes(mux)
	return mux
}

// HandleStatus handles GET /api/v1/status
func (v *Viewer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v.Status())
}

// HandleSetMode handles POST /api/v1/mode
func (v *Viewer) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}

	mode, err := stream.ParseMode(req.Mode)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	if err := v.SetMode(r.Context(), mode); err != nil {
		// The session keeps retrying; report the failure but keep the selection
		v.logger.Error("failed to switch mode", "mode", mode, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"mode":   mode,
	})
}

// HandleSetAutoSwitch handles PUT /api/v1/autoswitch
func (v *Viewer) HandleSetAutoSwitch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req AutoSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}
	if req.Enabled == nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "enabled required"})
		return
	}

	if err := v.SetAutoSwitch(r.Context(), *req.Enabled); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"autoSwitch": *req.Enabled,
	})
}

// HandleSnapshot handles GET /snapshot.jpg
func (v *Viewer) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	quality := render.DefaultJPEGQuality
	if q := r.URL.Query().Get("quality"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 100 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "quality must be between 1 and 100"})
			return
		}
		quality = n
	}

	var buf bytes.Buffer
	ok, err := v.Surface().WriteJPEG(&buf, quality)
	if err != nil {
		v.logger.Error("failed to encode snapshot", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "no frame yet"})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}
