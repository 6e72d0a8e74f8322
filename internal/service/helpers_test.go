package service

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/id"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store/sqlite"
	"github.com/reelhouse/reelhouse-server/internal/tasks"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTranscoder writes small marker files instead of running ffmpeg.
// Hooks override individual operations.
type fakeTranscoder struct {
	mu       sync.Mutex
	probe    *transcoder.ProbeResult
	probeErr error

	encode     func(ctx context.Context, req transcoder.EncodeRequest, progress transcoder.ProgressFunc) (*transcoder.Result, error)
	concatErr  error
	onConcat   func()
	encodes    []transcoder.EncodeRequest
	extracted  []domain.Segment
	splits     int
	concats    [][]string
	hlsInputs  [][]transcoder.HLSRendition
	frameCalls int
}

func (f *fakeTranscoder) Probe(_ context.Context, path string) (*transcoder.ProbeResult, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if f.probe != nil {
		return f.probe, nil
	}
	return &transcoder.ProbeResult{
		FormatName: "mov",
		Duration:   120,
		Width:      1920,
		Height:     1080,
		VideoCodec: "h264",
		MediaType:  domain.MediaTypeVideo,
	}, nil
}

func (f *fakeTranscoder) Encode(ctx context.Context, req transcoder.EncodeRequest, progress transcoder.ProgressFunc) (*transcoder.Result, error) {
	f.mu.Lock()
	f.encodes = append(f.encodes, req)
	hook := f.encode
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, req, progress)
	}
	progress(50)
	return writeOutput(req.Output, "encoded "+req.Profile.ID+" from "+filepath.Base(req.Source))
}

func (f *fakeTranscoder) ExtractFrame(_ context.Context, _, dst string, _ float64, _ int) error {
	f.mu.Lock()
	f.frameCalls++
	f.mu.Unlock()
	return writeJPEG(dst)
}

func (f *fakeTranscoder) SplitSegments(_ context.Context, src, dir string, segments []domain.Segment) ([]string, *transcoder.Result, error) {
	f.mu.Lock()
	f.extracted = append(f.extracted, segments...)
	f.splits++
	f.mu.Unlock()

	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		dst := filepath.Join(dir, fmt.Sprintf("%04d%s", seg.Index, filepath.Ext(src)))
		if _, err := writeOutput(dst, fmt.Sprintf("segment %d of %s", seg.Index, filepath.Base(src))); err != nil {
			return nil, nil, err
		}
		parts = append(parts, dst)
	}
	return parts, &transcoder.Result{Command: "ffmpeg -f segment"}, nil
}

func (f *fakeTranscoder) Concatenate(_ context.Context, parts []string, dst string) (*transcoder.Result, error) {
	f.mu.Lock()
	f.concats = append(f.concats, parts)
	err := f.concatErr
	hook := f.onConcat
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return &transcoder.Result{Command: "ffmpeg -f concat", Output: "concat exploded"}, err
	}

	var b strings.Builder
	for _, p := range parts {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return writeOutput(dst, b.String())
}

func (f *fakeTranscoder) PackageHLS(_ context.Context, renditions []transcoder.HLSRendition, outDir string) (*transcoder.Result, error) {
	f.mu.Lock()
	f.hlsInputs = append(f.hlsInputs, renditions)
	f.mu.Unlock()
	return writeOutput(filepath.Join(outDir, "master.m3u8"), "#EXTM3U\n")
}

func (f *fakeTranscoder) ExtractSpriteFrames(_ context.Context, _, outDir string, _ float64, _ int) ([]string, error) {
	var frames []string
	for i := range 3 {
		p := filepath.Join(outDir, fmt.Sprintf("frame-%03d.jpg", i))
		if err := writeJPEG(p); err != nil {
			return nil, err
		}
		frames = append(frames, p)
	}
	return frames, nil
}

func (f *fakeTranscoder) encodeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encodes)
}

func writeOutput(path, content string) (*transcoder.Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return &transcoder.Result{Command: "ffmpeg -i in " + filepath.Base(path), Output: "frame=1"}, nil
}

func writeJPEG(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	img := image.NewRGBA(image.Rect(0, 0, 32, 18))
	for x := range 32 {
		for y := range 18 {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 14), B: 120, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, nil)
}

// recordingPublisher keeps every event it is given.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.Emit(evt)
	return nil
}

func (p *recordingPublisher) Emit(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, evt := range p.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func (p *recordingPublisher) completed() []*domain.Encoding {
	var out []*domain.Encoding
	for _, evt := range p.ofType(events.EventEncodingCompleted) {
		if enc, ok := evt.Encoding(); ok {
			out = append(out, enc)
		}
	}
	return out
}

// recordingSubmitter stores submitted jobs as pending rows without running them.
type recordingSubmitter struct {
	store *sqlite.Store
}

func (s *recordingSubmitter) Submit(ctx context.Context, encs ...*domain.Encoding) error {
	for _, enc := range encs {
		if enc.ID == "" {
			enc.ID = id.MustGenerate(id.PrefixEncoding)
		}
		enc.Status = domain.EncodingPending
		enc.CreatedAt = testEpoch
		enc.UpdatedAt = testEpoch
		enc.NotBefore = testEpoch
	}
	return s.store.CreateEncodings(ctx, encs...)
}

func testEncodingConfig() config.EncodingConfig {
	return config.EncodingConfig{
		Workers:            2,
		ChunkThreshold:     5 * time.Minute,
		SegmentLength:      4 * time.Minute,
		MinimumResolutions: []int{144, 240},
		MaxRetries:         0,
		RetryBackoff:       30 * time.Second,
		StaleAfter:         time.Hour,
		PollInterval:       50 * time.Millisecond,
		PrimaryContainers:  []string{domain.ExtensionMP4, domain.ExtensionWebM},
		ChunkClaimLease:    30 * time.Minute,
		TaskConcurrency:    1,
	}
}

// testEnv wires the engine against a real SQLite store in a temp dir.
type testEnv struct {
	t          *testing.T
	root       string
	store      *sqlite.Store
	tc         *fakeTranscoder
	pub        *recordingPublisher
	originals  *storage.Local
	artifacts  *storage.Local
	hls        *storage.Local
	images     *images.Processor
	runner     *tasks.Runner
	aggregator *StatusAggregator
	packager   *Packager
	cfg        config.EncodingConfig
	logger     *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	logger := discardLogger()

	st, err := sqlite.Open(filepath.Join(root, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tmp := filepath.Join(root, "tmp")
	originals, err := storage.NewLocal(filepath.Join(root, "originals"), tmp)
	require.NoError(t, err)
	artifacts, err := storage.NewLocal(filepath.Join(root, "encoded"), tmp)
	require.NoError(t, err)
	hls, err := storage.NewLocal(filepath.Join(root, "hls"), tmp)
	require.NoError(t, err)
	imgStore, err := images.NewStorage(filepath.Join(root, "images"))
	require.NoError(t, err)

	tc := &fakeTranscoder{}
	pub := &recordingPublisher{}
	cfg := testEncodingConfig()
	runner := tasks.New(logger, 1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	imgs := images.NewProcessor(imgStore, tc, logger)

	ctx := context.Background()
	for _, p := range domain.DefaultProfiles() {
		p.CreatedAt = testEpoch
		require.NoError(t, st.UpsertProfile(ctx, p))
	}

	return &testEnv{
		t:          t,
		root:       root,
		store:      st,
		tc:         tc,
		pub:        pub,
		originals:  originals,
		artifacts:  artifacts,
		hls:        hls,
		images:     imgs,
		runner:     runner,
		aggregator: NewStatusAggregator(st, pub, cfg, logger),
		packager:   NewPackager(st, tc, hls, imgs, runner, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// seedMedia stores a probed video with a source file under originals.
func (e *testEnv) seedMedia(duration float64) *domain.Media {
	e.t.Helper()
	mediaID := id.MustGenerate(id.PrefixMedia)
	src, err := e.originals.Store(context.Background(), strings.NewReader("source"), mediaID+"/original.mov")
	require.NoError(e.t, err)

	m := &domain.Media{
		ID:             mediaID,
		Token:          "tok-" + mediaID,
		Title:          "clip",
		SourcePath:     src,
		MediaType:      domain.MediaTypeVideo,
		State:          domain.StatePublic,
		Duration:       duration,
		Height:         1080,
		Width:          1920,
		EncodingStatus: domain.EncodingPending,
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}
	require.NoError(e.t, e.store.CreateMedia(context.Background(), m))
	return m
}

// seedEncoding stores a non-chunk encoding in the given state.
func (e *testEnv) seedEncoding(mediaID, profileID string, status domain.EncodingStatus) *domain.Encoding {
	e.t.Helper()
	enc := &domain.Encoding{
		ID:        id.MustGenerate(id.PrefixEncoding),
		MediaID:   mediaID,
		ProfileID: profileID,
		Status:    status,
		NotBefore: testEpoch,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	if status == domain.EncodingSuccess {
		path, err := e.artifacts.Store(context.Background(), strings.NewReader("rendition "+profileID), mediaID+"/"+profileID+".mp4")
		require.NoError(e.t, err)
		enc.OutputPath = path
		enc.Progress = 100
		enc.Size = int64(len("rendition " + profileID))
		completed := testEpoch.Add(time.Minute)
		enc.StartedAt = &testEpoch
		enc.CompletedAt = &completed
	}
	require.NoError(e.t, e.store.CreateEncodings(context.Background(), enc))
	return enc
}

func (e *testEnv) newEncoder() *Encoder {
	return NewEncoder(e.store, e.tc, e.artifacts, e.pub, nil, e.cfg, "test", e.logger)
}

func (e *testEnv) newCoordinator(owner string) *ChunkCoordinator {
	return NewChunkCoordinator(e.store, e.tc, e.artifacts, &recordingSubmitter{store: e.store},
		e.pub, nil, owner, e.cfg.ChunkClaimLease, e.logger)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
