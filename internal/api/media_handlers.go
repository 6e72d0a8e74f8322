package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/http/response"
)

// QueueResponse summarizes the encoding queue.
type QueueResponse struct {
	Counts        map[domain.EncodingStatus]int `json:"counts"`
	Running       int                           `json:"running"`
	PendingEvents int                           `json:"pending_events"`
	Tasks         int                           `json:"tasks"`
}

// EncodeRequest asks for renditions of a media item.
type EncodeRequest struct {
	ProfileIDs []string `json:"profile_ids"`
	Force      bool     `json:"force"`
}

// TrimRequest records a trim of a media item.
type TrimRequest struct {
	Timestamps string `json:"timestamps"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		response.Error(w, http.StatusServiceUnavailable, "database not configured", s.logger)
		return
	}
	counts, err := s.deps.Store.CountEncodingsByStatus(r.Context())
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	resp := QueueResponse{Counts: counts}
	if s.deps.Workers != nil {
		resp.Running = s.deps.Workers.Running()
	}
	if s.deps.Bus != nil {
		resp.PendingEvents = s.deps.Bus.Pending()
	}
	if s.deps.Tasks != nil {
		resp.Tasks = s.deps.Tasks.InFlight()
	}
	response.Success(w, resp, s.logger)
}

// media returns the media operations, answering 503 when they are missing.
func (s *Server) media(w http.ResponseWriter) (MediaOps, bool) {
	if s.deps.Media == nil {
		response.Error(w, http.StatusServiceUnavailable, "media service not configured", s.logger)
		return nil, false
	}
	return s.deps.Media, true
}

func (s *Server) handleEncodingsInfo(w http.ResponseWriter, r *http.Request) {
	media, ok := s.media(w)
	if !ok {
		return
	}
	info, err := media.EncodingsInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}
	response.Success(w, info, s.logger)
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	media, ok := s.media(w)
	if !ok {
		return
	}

	var req EncodeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body", s.logger)
			return
		}
	}

	mediaID := chi.URLParam(r, "id")
	if err := media.Encode(r.Context(), mediaID, req.ProfileIDs, req.Force); err != nil {
		response.HandleError(w, err, s.logger)
		return
	}
	response.Accepted(w, map[string]string{"media_id": mediaID}, s.logger)
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	media, ok := s.media(w)
	if !ok {
		return
	}

	var req TrimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Timestamps == "" {
		response.BadRequest(w, "timestamps are required", s.logger)
		return
	}

	trim, err := media.RequestTrim(r.Context(), chi.URLParam(r, "id"), req.Timestamps)
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}
	response.Accepted(w, trim, s.logger)
}

func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	media, ok := s.media(w)
	if !ok {
		return
	}
	if err := media.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.HandleError(w, err, s.logger)
		return
	}
	response.NoContent(w)
}

func (s *Server) handleDeleteEncoding(w http.ResponseWriter, r *http.Request) {
	media, ok := s.media(w)
	if !ok {
		return
	}
	if err := media.DeleteEncoding(r.Context(), chi.URLParam(r, "id")); err != nil {
		response.HandleError(w, err, s.logger)
		return
	}
	response.NoContent(w)
}
