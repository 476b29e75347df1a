package server

import (
	"bytes"
	"image/png"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/image/tiff"
)

// TileResponse describes one tile's convergence state
type TileResponse struct {
	ID      int      `json:"id"`
	X       int      `json:"x"`
	Y       int      `json:"y"`
	Error   *float32 `json:"error"` // null until the tile has an estimate
	AccumID int32    `json:"accumId"`
}

// RegionResponse is a refinement region as a half-open range of tiles
type RegionResponse struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// handleFramePNG serves the last gathered frame
func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	snap := s.current()
	if snap == nil || snap.Image == nil {
		writeError(w, http.StatusNotFound, "no frame yet")
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, snap.Image); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(buf.Bytes())
}

// handleDepthTIFF serves the depth buffer as a 16-bit TIFF
func (s *Server) handleDepthTIFF(w http.ResponseWriter, r *http.Request) {
	snap := s.current()
	if snap == nil || snap.Depth == nil {
		writeError(w, http.StatusNotFound, "no depth buffer")
		return
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, snap.Depth, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/tiff")
	w.Write(buf.Bytes())
}

// handleStats serves the recorded frame reports, optionally only the last n
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	reports := s.reports
	if v := r.URL.Query().Get("last"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.mu.RUnlock()
			writeError(w, http.StatusBadRequest, "last must be a non-negative integer")
			return
		}
		reports = reports[max(0, len(reports)-n):]
	}
	out := append(reports[:0:0], reports...)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// handleRanks serves the latest report of every rank
func (s *Server) handleRanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ranks.Latest())
}

// handleTiles serves the convergence state of every tile
func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	snap := s.current()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no frame yet")
		return
	}
	out := make([]TileResponse, len(snap.TileErrors))
	for id := range out {
		out[id] = tileResponse(snap, id)
	}
	regions := make([]RegionResponse, len(snap.Regions))
	for i, r := range snap.Regions {
		regions[i] = RegionResponse{X0: r.Min.X, Y0: r.Min.Y, X1: r.Max.X, Y1: r.Max.Y}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"frame":    snap.Frame,
		"variance": finite(snap.Variance),
		"tiles":    out,
		"regions":  regions,
	})
}

// handleTile serves one tile by index
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	snap := s.current()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no frame yet")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 || id >= len(snap.TileErrors) {
		writeError(w, http.StatusNotFound, "no such tile")
		return
	}
	writeJSON(w, http.StatusOK, tileResponse(snap, id))
}

func tileResponse(snap *Snapshot, id int) TileResponse {
	tr := TileResponse{ID: id, Error: finite(snap.TileErrors[id])}
	if snap.NumTiles.X > 0 {
		tr.X, tr.Y = id%snap.NumTiles.X, id/snap.NumTiles.X
	}
	if id < len(snap.AccumIDs) {
		tr.AccumID = snap.AccumIDs[id]
	}
	return tr
}

// finite returns nil for infinite or NaN values, which JSON cannot carry
func finite(v float32) *float32 {
	if math.IsInf(float64(v), 0) || v != v {
		return nil
	}
	return &v
}
