package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/planner"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

func (e *testEnv) newMediaService() *MediaService {
	e.t.Helper()
	p, err := planner.New(e.cfg.PlannerOptions())
	require.NoError(e.t, err)
	submitter := &recordingSubmitter{store: e.store}
	chunks := NewChunkCoordinator(e.store, e.tc, e.artifacts, submitter, e.pub, nil, "node-a", e.cfg.ChunkClaimLease, e.logger)
	aggregator := NewStatusAggregator(e.store, e.pub, e.cfg, e.logger)
	return NewMediaService(e.store, e.tc, MediaStorages{
		Originals: e.originals,
		Encoded:   e.artifacts,
		HLS:       e.hls,
	}, e.images, p, submitter, chunks, aggregator, e.pub, e.cfg, e.logger)
}

func (e *testEnv) probeVideo(duration float64, height int) {
	e.tc.probe = &transcoder.ProbeResult{
		FormatName: "mov",
		Duration:   duration,
		Width:      height * 16 / 9,
		Height:     height,
		VideoCodec: "h264",
		MediaType:  domain.MediaTypeVideo,
	}
}

func upload(t *testing.T, svc *MediaService) *domain.Media {
	t.Helper()
	m, err := svc.Upload(context.Background(), strings.NewReader("movie bytes"), "Holiday.MOV", "")
	require.NoError(t, err)
	return m
}

func splitEncodings(t *testing.T, env *testEnv, mediaID string) (direct, chunks []*domain.Encoding) {
	t.Helper()
	encs, err := env.store.ListEncodingsByMedia(context.Background(), mediaID)
	require.NoError(t, err)
	for _, e := range encs {
		if e.Chunk {
			chunks = append(chunks, e)
		} else {
			direct = append(direct, e)
		}
	}
	return direct, chunks
}

func TestMediaService_UploadLongVideoIsChunked(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(900, 1080)
	svc := env.newMediaService()

	m := upload(t, svc)

	assert.Equal(t, "Holiday", m.Title)
	assert.Equal(t, domain.MediaTypeVideo, m.MediaType)
	assert.Equal(t, 900.0, m.Duration)
	assert.True(t, env.originals.Contains(m.SourcePath))
	assert.Equal(t, "original.mov", filepath.Base(m.SourcePath))
	assert.NotEmpty(t, m.ThumbnailPath)
	assert.NotEmpty(t, m.ThumbnailBlurHash)
	assert.NotEmpty(t, m.SpritePath)
	assert.Len(t, m.Token, tokenLength)

	direct, chunks := splitEncodings(t, env, m.ID)
	require.Len(t, direct, 1, "only the preview runs whole")
	assert.Equal(t, "prf-preview", direct[0].ProfileID)

	// Six active h264 profiles, four segments each.
	assert.Len(t, chunks, 6*4)
	assert.Len(t, env.tc.extracted, 4)
	groups := make(map[domain.ChunkGroupKey]int)
	for _, ch := range chunks {
		groups[*ch.ChunkGroup]++
	}
	assert.Len(t, groups, 6)
	for key, n := range groups {
		assert.Equal(t, 4, n, key.String())
	}

	assert.Equal(t, domain.EncodingPending, m.EncodingStatus)
}

func TestMediaService_UploadShortVideoRunsWhole(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(120, 360)
	svc := env.newMediaService()

	m := upload(t, svc)

	direct, chunks := splitEncodings(t, env, m.ID)
	assert.Empty(t, chunks)

	var profiles []string
	for _, e := range direct {
		profiles = append(profiles, e.ProfileID)
		assert.Equal(t, domain.EncodingPending, e.Status)
	}
	assert.ElementsMatch(t, []string{"prf-preview", "prf-h264-144", "prf-h264-240", "prf-h264-360"}, profiles)

	for _, e := range direct {
		if e.ProfileID == "prf-h264-144" || e.ProfileID == "prf-h264-240" {
			assert.Equal(t, domain.PriorityHigh, e.Priority)
		}
	}
}

func TestMediaService_UploadRejectsUnreadableSource(t *testing.T) {
	env := newTestEnv(t)
	env.tc.probeErr = errors.New("invalid data found when processing input")
	svc := env.newMediaService()

	m, err := svc.Upload(context.Background(), strings.NewReader("garbage"), "broken.mp4", "")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrUnsupported))
	require.NotNil(t, m)

	stored, err := env.store.GetMedia(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EncodingFail, stored.EncodingStatus)
	assert.Equal(t, domain.StateUnlisted, stored.State)
	assert.False(t, stored.Listable)

	direct, chunks := splitEncodings(t, env, m.ID)
	assert.Empty(t, direct)
	assert.Empty(t, chunks)
}

func TestMediaService_UploadNonVideoSucceedsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.tc.probe = &transcoder.ProbeResult{FormatName: "mp3", Duration: 200, MediaType: domain.MediaTypeAudio}
	svc := env.newMediaService()

	m, err := svc.Upload(context.Background(), strings.NewReader("id3"), "song.mp3", "Song")
	require.NoError(t, err)

	assert.Equal(t, "Song", m.Title)
	assert.Equal(t, domain.EncodingSuccess, m.EncodingStatus)
	assert.True(t, m.Listable)
	assert.Empty(t, m.ThumbnailPath)

	direct, _ := splitEncodings(t, env, m.ID)
	assert.Empty(t, direct)
}

func TestMediaService_DoNotTranscode(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.DoNotTranscode = true
	env.probeVideo(120, 720)
	svc := env.newMediaService()

	m := upload(t, svc)

	assert.Equal(t, domain.EncodingSuccess, m.EncodingStatus)
	assert.NotEmpty(t, m.ThumbnailPath)
	direct, _ := splitEncodings(t, env, m.ID)
	assert.Empty(t, direct)
}

func TestMediaService_IngestFileMovesFromInbox(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(60, 720)
	svc := env.newMediaService()

	inbox := filepath.Join(env.root, "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	dropped := filepath.Join(inbox, "Beach Day.mp4")
	require.NoError(t, os.WriteFile(dropped, []byte("movie"), 0o644))

	m, err := svc.IngestFile(context.Background(), dropped)
	require.NoError(t, err)

	assert.NoFileExists(t, dropped)
	assert.FileExists(t, m.SourcePath)
	assert.Equal(t, "Beach Day", m.Title)
	direct, _ := splitEncodings(t, env, m.ID)
	assert.NotEmpty(t, direct)
}

func TestTitleFromFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "/inbox/Beach Day.mp4", "Beach Day"},
		{"no extension", "clip", "clip"},
		{"decomposed accents", "Cafe\u0301 Tour.mov", "Caf\u00e9 Tour"},
		{"surrounding space", " Trip .mkv", "Trip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titleFromFilename(tt.in))
		})
	}
}

func TestMediaService_EncodeSkipsLiveRenditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	media := env.seedMedia(120)
	svc := env.newMediaService()

	env.seedEncoding(media.ID, "prf-h264-720", domain.EncodingSuccess)
	failed := env.seedEncoding(media.ID, "prf-h264-480", domain.EncodingFail)

	require.NoError(t, svc.Encode(ctx, media.ID, []string{"prf-h264-720", "prf-h264-480"}, false))

	direct, _ := splitEncodings(t, env, media.ID)
	counts := make(map[string]int)
	for _, e := range direct {
		counts[e.ProfileID]++
	}
	assert.Equal(t, 1, counts["prf-h264-720"], "successful rendition is kept")
	assert.Equal(t, 2, counts["prf-h264-480"], "failed rendition is retried")
	assert.Empty(t, env.pub.ofType(events.EventEncodingDeleted))

	_, err := env.store.GetEncoding(ctx, failed.ID)
	require.NoError(t, err)
}

func TestMediaService_EncodeForceReplaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	media := env.seedMedia(120)
	svc := env.newMediaService()

	old := env.seedEncoding(media.ID, "prf-h264-720", domain.EncodingSuccess)

	require.NoError(t, svc.Encode(ctx, media.ID, []string{"prf-h264-720"}, true))

	_, err := env.store.GetEncoding(ctx, old.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	deleted := env.pub.ofType(events.EventEncodingDeleted)
	require.Len(t, deleted, 1)
	enc, ok := deleted[0].Encoding()
	require.True(t, ok)
	assert.Equal(t, old.ID, enc.ID)

	direct, _ := splitEncodings(t, env, media.ID)
	require.Len(t, direct, 1)
	assert.Equal(t, domain.EncodingPending, direct[0].Status)
}

func chunkGroups(chunks []*domain.Encoding) map[domain.ChunkGroupKey]int {
	groups := make(map[domain.ChunkGroupKey]int)
	for _, ch := range chunks {
		groups[*ch.ChunkGroup]++
	}
	return groups
}

func TestMediaService_EncodeSkipsChunkGroupInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(900, 1080)
	svc := env.newMediaService()
	m := upload(t, svc)

	_, before := splitEncodings(t, env, m.ID)
	require.Len(t, chunkGroups(before), 6)

	require.NoError(t, svc.Encode(context.Background(), m.ID, []string{"prf-h264-720"}, false))

	direct, after := splitEncodings(t, env, m.ID)
	assert.Len(t, chunkGroups(after), 6)
	assert.Len(t, after, len(before))
	assert.Len(t, direct, 1)
	assert.Equal(t, 1, env.tc.splits)
}

func TestMediaService_EncodeForceDiscardsChunkGroup(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(900, 1080)
	svc := env.newMediaService()
	m := upload(t, svc)

	_, before := splitEncodings(t, env, m.ID)
	var oldKey domain.ChunkGroupKey
	for key := range chunkGroups(before) {
		if key.ProfileID == "prf-h264-720" {
			oldKey = key
		}
	}
	require.NotEmpty(t, oldKey.ProfileID)

	require.NoError(t, svc.Encode(context.Background(), m.ID, []string{"prf-h264-720"}, true))

	assert.Len(t, env.pub.ofType(events.EventEncodingDeleted), 4)

	_, after := splitEncodings(t, env, m.ID)
	groups := chunkGroups(after)
	assert.Len(t, groups, 6)
	assert.NotContains(t, groups, oldKey)

	var replaced int
	for key := range groups {
		if key.ProfileID == "prf-h264-720" {
			replaced++
			assert.Greater(t, key.Generation, oldKey.Generation)
		}
	}
	assert.Equal(t, 1, replaced)
}

func TestMediaService_EncodeRejectsNonVideo(t *testing.T) {
	env := newTestEnv(t)
	env.tc.probe = &transcoder.ProbeResult{Duration: 10, MediaType: domain.MediaTypeAudio}
	svc := env.newMediaService()

	m, err := svc.Upload(context.Background(), strings.NewReader("x"), "a.wav", "")
	require.NoError(t, err)

	err = svc.Encode(context.Background(), m.ID, nil, false)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrValidation))
}

func TestMediaService_Delete(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(900, 720)
	svc := env.newMediaService()
	ctx := context.Background()

	m := upload(t, svc)
	done := env.seedEncoding(m.ID, "prf-h264-720", domain.EncodingSuccess)
	_, chunks := splitEncodings(t, env, m.ID)
	require.NotEmpty(t, chunks)
	extracts := filepath.Dir(chunks[0].ChunkSourcePath)
	require.DirExists(t, extracts)

	require.NoError(t, svc.Delete(ctx, m.ID))

	_, err := env.store.GetMedia(ctx, m.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoFileExists(t, m.SourcePath)
	assert.NoFileExists(t, m.ThumbnailPath)
	assert.NoFileExists(t, m.SpritePath)
	assert.NoDirExists(t, extracts)

	deleted := env.pub.ofType(events.EventEncodingDeleted)
	assert.Len(t, deleted, len(chunks)+2, "chunks, preview job and the finished rendition")

	// Artifacts go with the deletion events.
	d := env.newDispatcher()
	for _, evt := range deleted {
		d.Handle(ctx, evt)
	}
	assert.NoFileExists(t, done.OutputPath)
}

func TestMediaService_EncodingsInfo(t *testing.T) {
	env := newTestEnv(t)
	env.probeVideo(900, 720)
	svc := env.newMediaService()
	ctx := context.Background()

	m := upload(t, svc)
	env.seedEncoding(m.ID, "prf-vp9-480", domain.EncodingSuccess)

	// Every job starts; 720p chunks are at 40%, the rest at 80%.
	for {
		claimed, err := env.store.ClaimNextEncoding(ctx, "w", testEpoch)
		if errors.Is(err, store.ErrQueueEmpty) {
			break
		}
		require.NoError(t, err)
		progress := 80
		if claimed.ProfileID == "prf-h264-720" {
			progress = 40
		}
		require.NoError(t, env.store.UpdateEncodingProgress(ctx, claimed.ID, progress, testEpoch))
	}

	info, err := svc.EncodingsInfo(ctx, m.ID)
	require.NoError(t, err)

	assert.Equal(t, m.SourcePath, info.Original, "original is offered while pending")

	vp9 := info.Renditions["480"]["vp9"]
	assert.Equal(t, domain.EncodingSuccess, vp9.Status)
	assert.NotEmpty(t, vp9.Path)

	for _, res := range []string{"144", "240", "360", "480", "720"} {
		h264, ok := info.Renditions[res]["h264"]
		require.True(t, ok, res)
		assert.Equal(t, domain.EncodingRunning, h264.Status)
		assert.Equal(t, 4, h264.Chunks)
		assert.Empty(t, h264.EncodingID)
		if res == "720" {
			assert.Equal(t, 40, h264.Progress)
		} else {
			assert.Equal(t, 80, h264.Progress, res)
		}
	}
	assert.NotContains(t, info.Renditions, "source", "preview is reported separately")
	assert.NotContains(t, info.Renditions, "1080", "source is 720p")
}

func TestMediaService_RequestTrimAndTrimVideoPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	media := env.seedMedia(120)
	svc := env.newMediaService()

	path, err := svc.TrimVideoPath(ctx, media.ID)
	require.NoError(t, err)
	assert.Empty(t, path)

	env.seedEncoding(media.ID, "prf-h264-480", domain.EncodingSuccess)
	best := env.seedEncoding(media.ID, "prf-h264-1080", domain.EncodingSuccess)
	env.seedEncoding(media.ID, "prf-vp9-1080", domain.EncodingSuccess)
	env.seedEncoding(media.ID, "prf-h264-720", domain.EncodingFail)

	path, err = svc.TrimVideoPath(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, best.OutputPath, path)

	req, err := svc.RequestTrim(ctx, media.ID, "00:10-00:20")
	require.NoError(t, err)
	assert.Equal(t, domain.TrimRunning, req.Status)

	running, err := env.store.GetRunningTrimRequest(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, running.ID)

	_, err = svc.RequestTrim(ctx, "med-missing", "")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMediaService_SeedProfiles(t *testing.T) {
	env := newTestEnv(t)
	svc := env.newMediaService()
	ctx := context.Background()

	n, err := svc.SeedProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "defaults already present")

	custom := &domain.EncodeProfile{
		ID:         "prf-h264-2160",
		Name:       "h264-2160",
		Extension:  domain.ExtensionMP4,
		Codec:      domain.CodecH264,
		Resolution: domain.Resolution(2160),
		Active:     false,
	}
	require.NoError(t, svc.SaveProfile(ctx, custom))
	got, err := env.store.GetProfile(ctx, custom.ID)
	require.NoError(t, err)
	assert.Equal(t, 2160, got.Height())

	bad := &domain.EncodeProfile{ID: "prf-bad", Name: "bad", Extension: "avi"}
	assert.Error(t, svc.SaveProfile(ctx, bad))
}
