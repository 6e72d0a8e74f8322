package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
	"github.com/reelhouse/reelhouse-server/internal/http/response"
	"github.com/reelhouse/reelhouse-server/internal/ratelimit"
	"github.com/reelhouse/reelhouse-server/internal/service"
)

type fakeStore struct {
	pingErr error
	counts  map[domain.EncodingStatus]int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) CountEncodingsByStatus(context.Context) (map[domain.EncodingStatus]int, error) {
	return f.counts, nil
}

type fakeMedia struct {
	encoded    []string
	force      bool
	deleted    []string
	deletedEnc []string
	trims      []string
	err        error
}

func (f *fakeMedia) EncodingsInfo(_ context.Context, mediaID string) (*service.EncodingsInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.EncodingsInfo{
		Renditions: map[string]map[string]service.RenditionInfo{
			"720": {"h264": {EncodingID: "enc-1", Profile: "prf-h264-720", Status: domain.EncodingSuccess, Progress: 100}},
		},
	}, nil
}

func (f *fakeMedia) Encode(_ context.Context, mediaID string, profileIDs []string, force bool) error {
	if f.err != nil {
		return f.err
	}
	f.encoded = append(f.encoded, profileIDs...)
	f.force = force
	return nil
}

func (f *fakeMedia) RequestTrim(_ context.Context, mediaID, timestamps string) (*domain.TrimRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.trims = append(f.trims, timestamps)
	return &domain.TrimRequest{ID: "trm-1", MediaID: mediaID, Status: domain.TrimRunning, Timestamps: timestamps}, nil
}

func (f *fakeMedia) Delete(_ context.Context, mediaID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, mediaID)
	return nil
}

func (f *fakeMedia) DeleteEncoding(_ context.Context, encodingID string) error {
	if f.err != nil {
		return f.err
	}
	f.deletedEnc = append(f.deletedEnc, encodingID)
	return nil
}

type fixedCount int

func (c fixedCount) Running() int  { return int(c) }
func (c fixedCount) Pending() int  { return int(c) }
func (c fixedCount) InFlight() int { return int(c) }

func newTestServer(deps Deps) *Server {
	return NewServer(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func envelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		deps       Deps
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all healthy",
			deps:       Deps{Store: &fakeStore{}, Workers: fixedCount(2), Bus: fixedCount(0)},
			wantCode:   http.StatusOK,
			wantStatus: statusHealthy,
		},
		{
			name:       "missing workers degrade",
			deps:       Deps{Store: &fakeStore{}, Bus: fixedCount(0)},
			wantCode:   http.StatusOK,
			wantStatus: statusDegraded,
		},
		{
			name:       "database down",
			deps:       Deps{Store: &fakeStore{pingErr: errors.New("closed")}, Workers: fixedCount(1), Bus: fixedCount(0)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: statusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, newTestServer(tt.deps), http.MethodGet, "/health", "")

			assert.Equal(t, tt.wantCode, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Len(t, resp.Components, 3)
		})
	}
}

func TestHealthCheck_WorkerMessage(t *testing.T) {
	w := do(t, newTestServer(Deps{Store: &fakeStore{}, Workers: fixedCount(1), Bus: fixedCount(3)}), http.MethodGet, "/health", "")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "1 running encode", resp.Components["workers"].Message)
	assert.Equal(t, "3 queued events", resp.Components["events"].Message)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("reelhouse_up 1\n"))
	})

	w := do(t, newTestServer(Deps{Metrics: metrics}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reelhouse_up")

	w = do(t, newTestServer(Deps{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueue(t *testing.T) {
	s := newTestServer(Deps{
		Store:   &fakeStore{counts: map[domain.EncodingStatus]int{domain.EncodingPending: 4, domain.EncodingRunning: 2}},
		Workers: fixedCount(2),
		Bus:     fixedCount(5),
		Tasks:   fixedCount(1),
	})

	w := do(t, s, http.MethodGet, "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data QueueResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Data.Counts[domain.EncodingPending])
	assert.Equal(t, 2, body.Data.Running)
	assert.Equal(t, 5, body.Data.PendingEvents)
	assert.Equal(t, 1, body.Data.Tasks)
}

func TestEncodingsInfo(t *testing.T) {
	s := newTestServer(Deps{Media: &fakeMedia{}})

	w := do(t, s, http.MethodGet, "/api/v1/media/med-1/encodings", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data service.EncodingsInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "enc-1", body.Data.Renditions["720"]["h264"].EncodingID)
}

func TestEncodingsInfo_NotFound(t *testing.T) {
	s := newTestServer(Deps{Media: &fakeMedia{err: domainerrors.NotFoundf("media med-9 not found")}})

	w := do(t, s, http.MethodGet, "/api/v1/media/med-9/encodings", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", envelope(t, w).Code)
}

func TestEncode(t *testing.T) {
	media := &fakeMedia{}
	s := newTestServer(Deps{Media: media})

	w := do(t, s, http.MethodPost, "/api/v1/media/med-1/encode", `{"profile_ids":["prf-h264-720"],"force":true}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"prf-h264-720"}, media.encoded)
	assert.True(t, media.force)
}

func TestEncode_EmptyBodyEncodesAll(t *testing.T) {
	media := &fakeMedia{}
	s := newTestServer(Deps{Media: media})

	w := do(t, s, http.MethodPost, "/api/v1/media/med-1/encode", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, media.encoded)
	assert.False(t, media.force)
}

func TestEncode_BadBody(t *testing.T) {
	s := newTestServer(Deps{Media: &fakeMedia{}})

	w := do(t, s, http.MethodPost, "/api/v1/media/med-1/encode", `{"profile_ids":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEncode_ValidationError(t *testing.T) {
	s := newTestServer(Deps{Media: &fakeMedia{err: domainerrors.Validationf("media is not a video")}})

	w := do(t, s, http.MethodPost, "/api/v1/media/med-1/encode", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "media is not a video", envelope(t, w).Error)
}

func TestTrim(t *testing.T) {
	media := &fakeMedia{}
	s := newTestServer(Deps{Media: media})

	w := do(t, s, http.MethodPost, "/api/v1/media/med-1/trim", `{"timestamps":"00:00:05-00:01:00"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"00:00:05-00:01:00"}, media.trims)

	w = do(t, s, http.MethodPost, "/api/v1/media/med-1/trim", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, media.trims, 1)
}

func TestDeleteRoutes(t *testing.T) {
	media := &fakeMedia{}
	s := newTestServer(Deps{Media: media})

	w := do(t, s, http.MethodDelete, "/api/v1/media/med-1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"med-1"}, media.deleted)

	w = do(t, s, http.MethodDelete, "/api/v1/encodings/enc-7", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"enc-7"}, media.deletedEnc)
}

func TestMediaRoutes_NotConfigured(t *testing.T) {
	s := newTestServer(Deps{})

	w := do(t, s, http.MethodDelete, "/api/v1/media/med-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/queue", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMutations_RateLimited(t *testing.T) {
	limiter := ratelimit.New(0.001, 2, 0)
	defer limiter.Stop()
	media := &fakeMedia{}
	s := newTestServer(Deps{Media: media, Limiter: limiter})

	for range 2 {
		w := do(t, s, http.MethodDelete, "/api/v1/encodings/enc-1", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	}

	w := do(t, s, http.MethodDelete, "/api/v1/encodings/enc-1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Len(t, media.deletedEnc, 2)

	// Reads are not throttled.
	w = do(t, s, http.MethodGet, "/api/v1/media/med-1/encodings", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventsRoute(t *testing.T) {
	stream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: connected\n\n"))
	})
	s := newTestServer(Deps{Events: stream})

	w := do(t, s, http.MethodGet, "/api/v1/events", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
