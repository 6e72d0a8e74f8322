package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/events"
	"github.com/reelhouse/reelhouse-server/internal/id"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/planner"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/store"
	"github.com/reelhouse/reelhouse-server/internal/syncmap"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// releaseTimeout bounds the claim release after a failed settle.
const releaseTimeout = 5 * time.Second

// Submitter queues encoding jobs.
type Submitter interface {
	Submit(ctx context.Context, encs ...*domain.Encoding) error
}

// ChunkCoordinator splits long sources into chunk jobs and reassembles each
// chunk group into one final encoding.
//
// Finalization happens exactly once per group. Within a process the group
// lock serializes completions; across processes a leased store claim admits a
// single finalizer, and the finalize transaction only commits while chunk
// rows remain. A claim whose settle fails is released; one left behind by a
// crash expires after the lease, or at once for the same owner.
type ChunkCoordinator struct {
	store      store.Store
	transcoder transcoder.Transcoder
	artifacts  *storage.Local
	submitter  Submitter
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	owner      string
	lease      time.Duration
	locks      *syncmap.Locks[domain.ChunkGroupKey]
	now        func() time.Time
}

// NewChunkCoordinator creates a coordinator. owner is recorded on the claims
// it takes; lease is how long a claim keeps other owners out.
func NewChunkCoordinator(
	st store.Store,
	tc transcoder.Transcoder,
	artifacts *storage.Local,
	submitter Submitter,
	publisher events.Publisher,
	m *metrics.Metrics,
	owner string,
	lease time.Duration,
	logger *slog.Logger,
) *ChunkCoordinator {
	return &ChunkCoordinator{
		store:      st,
		transcoder: tc,
		artifacts:  artifacts,
		submitter:  submitter,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		owner:      owner,
		lease:      lease,
		locks:      syncmap.NewLocks[domain.ChunkGroupKey](),
		now:        time.Now,
	}
}

// Chunkize splits the media's source once, then submits one pending chunk job
// per segment for each profile. All groups created here share a fresh
// generation.
func (c *ChunkCoordinator) Chunkize(
	ctx context.Context,
	media *domain.Media,
	subs []planner.Submission,
	segments []domain.Segment,
) ([]domain.ChunkGroupKey, error) {
	if len(subs) == 0 || len(segments) == 0 {
		return nil, nil
	}

	gen, err := c.store.NextChunkGeneration(ctx, media.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate chunk generation: %w", err)
	}

	dir, err := c.artifacts.TempDir(fmt.Sprintf("chunks-%s-%d", media.ID, gen))
	if err != nil {
		return nil, err
	}

	started := time.Now()
	paths, res, err := c.transcoder.SplitSegments(ctx, media.SourcePath, dir, segments)
	if err != nil {
		_ = c.artifacts.RemoveTemp(dir)
		return nil, fmt.Errorf("split source: %s", failureLogs(res, err))
	}
	c.metrics.SegmentsExtracted(time.Since(started))

	keys := make([]domain.ChunkGroupKey, 0, len(subs))
	encs := make([]*domain.Encoding, 0, len(subs)*len(segments))
	for _, sub := range subs {
		key := domain.ChunkGroupKey{MediaID: media.ID, ProfileID: sub.Profile.ID, Generation: gen}
		keys = append(keys, key)
		for i, seg := range segments {
			k := key
			encs = append(encs, &domain.Encoding{
				MediaID:         media.ID,
				ProfileID:       sub.Profile.ID,
				Chunk:           true,
				ChunkGroup:      &k,
				ChunkIndex:      seg.Index,
				ChunkCount:      len(segments),
				ChunkSourcePath: paths[i],
				ChunkDuration:   seg.Duration,
				Priority:        sub.Priority,
			})
		}
	}

	if err := c.submitter.Submit(ctx, encs...); err != nil {
		_ = c.artifacts.RemoveTemp(dir)
		return nil, err
	}

	c.logger.Info("chunked media",
		slog.String("media_id", media.ID),
		slog.Int("generation", gen),
		slog.Int("segments", len(segments)),
		slog.Int("profiles", len(subs)),
	)
	return keys, nil
}

// Subscribe registers the coordinator on the bus.
func (c *ChunkCoordinator) Subscribe(bus *events.Bus) {
	bus.Subscribe(c.Handle, events.EventEncodingCompleted)
}

// Handle reacts to completed chunk encodings. Non-chunk events are ignored.
func (c *ChunkCoordinator) Handle(ctx context.Context, evt events.Event) {
	enc, ok := evt.Encoding()
	if !ok || !enc.Chunk || enc.ChunkGroup == nil {
		return
	}
	if err := c.HandleCompleted(ctx, *enc.ChunkGroup); err != nil {
		c.logger.Error("failed to settle chunk group",
			slog.String("group", enc.ChunkGroup.String()),
			slog.String("encoding_id", enc.ID),
			slog.Any("error", err))
	}
}

// HandleCompleted settles the group once every chunk succeeded or any chunk
// failed. Calls for unsettled, already finalized or foreign-claimed groups
// are no-ops. When settling fails the claim is released and the error
// returned; the chunk rows stay for a later attempt.
func (c *ChunkCoordinator) HandleCompleted(ctx context.Context, key domain.ChunkGroupKey) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	chunks, err := c.store.ListChunkGroup(ctx, key)
	if err != nil {
		return fmt.Errorf("load chunk group: %w", err)
	}
	if len(chunks) == 0 {
		c.logger.Debug("chunk group already finalized", slog.String("group", key.String()))
		return nil
	}

	failed := slices.ContainsFunc(chunks, func(e *domain.Encoding) bool {
		return e.Status == domain.EncodingFail
	})
	if !failed && !domain.ChunkGroupComplete(chunks) {
		return nil
	}

	now := c.now()
	err = c.store.ClaimChunkGroup(ctx, key, c.owner, now, now.Add(-c.lease))
	if errors.Is(err, store.ErrAlreadyExists) {
		c.logger.Debug("chunk group claimed elsewhere", slog.String("group", key.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim chunk group: %w", err)
	}

	if failed {
		err = c.finalize(ctx, key, chunks, nil, nil)
	} else {
		err = c.concatenate(ctx, key, chunks)
	}
	if err != nil {
		c.release(ctx, key)
		return err
	}
	c.locks.Forget(key)
	return nil
}

// release drops this coordinator's claim so the group can be settled again.
// It runs even when ctx is already cancelled.
func (c *ChunkCoordinator) release(ctx context.Context, key domain.ChunkGroupKey) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.store.ReleaseChunkGroup(releaseCtx, key, c.owner); err != nil {
		c.logger.Warn("failed to release chunk group claim",
			slog.String("group", key.String()),
			slog.Any("error", err))
	}
}

func (c *ChunkCoordinator) concatenate(ctx context.Context, key domain.ChunkGroupKey, chunks []*domain.Encoding) error {
	profile, err := c.store.GetProfile(ctx, key.ProfileID)
	if err != nil {
		return c.finalize(ctx, key, chunks, nil, fmt.Errorf("load profile: %w", err))
	}

	slices.SortFunc(chunks, func(a, b *domain.Encoding) int { return a.ChunkIndex - b.ChunkIndex })
	parts := make([]string, len(chunks))
	for i, ch := range chunks {
		parts[i] = ch.OutputPath
	}

	scratch, err := c.artifacts.TempDir("concat-" + key.MediaID)
	if err != nil {
		return c.finalize(ctx, key, chunks, nil, err)
	}
	defer c.artifacts.RemoveTemp(scratch)

	joined := filepath.Join(scratch, "joined."+profile.Extension)
	res, err := c.transcoder.Concatenate(ctx, parts, joined)
	if err != nil {
		return c.finalize(ctx, key, chunks, res, fmt.Errorf("concatenate: %w", err))
	}

	artifactKey, err := storage.ArtifactKey(key.MediaID, profile.Extension)
	if err != nil {
		return c.finalize(ctx, key, chunks, res, err)
	}
	path, err := c.artifacts.Move(joined, artifactKey)
	if err != nil {
		return c.finalize(ctx, key, chunks, res, fmt.Errorf("store artifact: %w", err))
	}

	final := &artifact{path: path}
	if final.checksum, final.size, err = storage.HashFile(path); err != nil {
		_ = c.artifacts.Remove(path)
		return c.finalize(ctx, key, chunks, res, fmt.Errorf("hash artifact: %w", err))
	}
	return c.finalizeWith(ctx, key, chunks, res, nil, final)
}

type artifact struct {
	path     string
	checksum string
	size     int64
}

func (c *ChunkCoordinator) finalize(
	ctx context.Context,
	key domain.ChunkGroupKey,
	chunks []*domain.Encoding,
	res *transcoder.Result,
	cause error,
) error {
	return c.finalizeWith(ctx, key, chunks, res, cause, nil)
}

// finalizeWith replaces the chunk rows with one final record: a success when
// out is set, a failure otherwise. The caller holds the group claim. A cause
// that stems from ctx being cancelled is not the group's fault, so nothing
// is recorded for it.
func (c *ChunkCoordinator) finalizeWith(
	ctx context.Context,
	key domain.ChunkGroupKey,
	chunks []*domain.Encoding,
	res *transcoder.Result,
	cause error,
	out *artifact,
) error {
	if cause != nil && ctx.Err() != nil {
		return fmt.Errorf("settle chunk group: %w", errors.Join(cause, ctx.Err()))
	}

	final, err := c.finalRecord(key, chunks, res, cause, out)
	if err != nil {
		if out != nil {
			_ = c.artifacts.Remove(out.path)
		}
		return err
	}

	deleted, err := c.store.FinalizeChunkGroup(ctx, key, c.owner, final)
	if err != nil {
		if out != nil {
			_ = c.artifacts.Remove(out.path)
		}
		return fmt.Errorf("finalize chunk group: %w", err)
	}

	c.cleanup(ctx, key, deleted)
	c.metrics.ChunkGroupFinalized(final.Status)

	log := c.logger.With(
		slog.String("group", key.String()),
		slog.String("encoding_id", final.ID),
		slog.Int("chunks", len(deleted)),
	)
	if final.Status == domain.EncodingSuccess {
		log.Info("chunk group reassembled",
			slog.String("output", final.OutputPath),
			slog.Int64("size", final.Size))
	} else {
		log.Error("chunk group failed", slog.String("reason", firstLine(final.Logs)))
	}

	// The group is settled from here on. A lost event is repaired by the
	// startup reconcile of the dispatcher.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(publishCtx, events.NewEncodingCompletedEvent(final)); err != nil {
		log.Error("failed to publish final encoding", slog.Any("error", err))
	}
	return nil
}

func (c *ChunkCoordinator) finalRecord(
	key domain.ChunkGroupKey,
	chunks []*domain.Encoding,
	res *transcoder.Result,
	cause error,
	out *artifact,
) (*domain.Encoding, error) {
	encID, err := id.Generate(id.PrefixEncoding)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(chunks, func(a, b *domain.Encoding) int { return a.ChunkIndex - b.ChunkIndex })

	var (
		workers  []string
		logs     []string
		commands []string
		priority int
	)
	firstCreated, lastUpdated := chunks[0].CreatedAt, chunks[0].UpdatedAt
	if res != nil {
		logs = append(logs, res.Output)
		commands = append(commands, res.Command)
	}
	if cause != nil {
		logs = append(logs, cause.Error())
	}
	for _, ch := range chunks {
		if ch.Worker != "" && !slices.Contains(workers, ch.Worker) {
			workers = append(workers, ch.Worker)
		}
		if ch.Logs != "" {
			logs = append(logs, fmt.Sprintf("chunk %d (%s):\n%s", ch.ChunkIndex, ch.Status, ch.Logs))
		}
		if ch.Commands != "" {
			commands = append(commands, ch.Commands)
		}
		priority = max(priority, ch.Priority)
		if ch.CreatedAt.Before(firstCreated) {
			firstCreated = ch.CreatedAt
		}
		if ch.UpdatedAt.After(lastUpdated) {
			lastUpdated = ch.UpdatedAt
		}
	}
	slices.Sort(workers)

	now := c.now()
	final := &domain.Encoding{
		ID:           encID,
		MediaID:      key.MediaID,
		ProfileID:    key.ProfileID,
		Status:       domain.EncodingFail,
		Priority:     priority,
		Worker:       strings.Join(workers, ","),
		TotalRunTime: lastUpdated.Sub(firstCreated),
		Logs:         strings.Join(nonEmpty(logs), "\n"),
		Commands:     strings.Join(nonEmpty(commands), "\n"),
		NotBefore:    firstCreated,
		CreatedAt:    firstCreated,
		UpdatedAt:    now,
		StartedAt:    &firstCreated,
		CompletedAt:  &now,
	}
	if out != nil {
		final.Status = domain.EncodingSuccess
		final.Progress = 100
		final.OutputPath = out.path
		final.Size = out.size
		final.Checksum = out.checksum
	}
	return final, final.Validate()
}

// cleanup removes the artifacts of finalized chunks and, once no group of the
// same generation is left, the shared segment extracts.
func (c *ChunkCoordinator) cleanup(ctx context.Context, key domain.ChunkGroupKey, deleted []*domain.Encoding) {
	for _, ch := range deleted {
		if err := c.artifacts.Remove(ch.OutputPath); err != nil {
			c.logger.Warn("failed to remove chunk artifact",
				slog.String("encoding_id", ch.ID),
				slog.Any("error", err))
		}
	}
	c.removeExtracts(ctx, key, deleted)
}

// removeExtracts deletes the segment parts shared by key's generation once
// no group of that generation has chunk rows left.
func (c *ChunkCoordinator) removeExtracts(ctx context.Context, key domain.ChunkGroupKey, deleted []*domain.Encoding) {
	if len(deleted) == 0 || deleted[0].ChunkSourcePath == "" {
		return
	}

	remaining, err := c.store.ListChunkGroupKeys(ctx)
	if err != nil {
		c.logger.Warn("failed to list chunk groups", slog.Any("error", err))
		return
	}
	for _, k := range remaining {
		if k.MediaID == key.MediaID && k.Generation == key.Generation {
			return
		}
	}
	dir := filepath.Dir(deleted[0].ChunkSourcePath)
	if err := c.artifacts.RemoveTemp(dir); err != nil {
		c.logger.Warn("failed to remove segment extracts",
			slog.String("group", key.String()),
			slog.Any("error", err))
	}
}

// Discard tears down an unfinished group: its chunk rows are deleted and a
// deletion event is published for each, so running chunks stop and their
// artifacts are removed. A finalizer racing with Discard finds no rows and
// records nothing.
func (c *ChunkCoordinator) Discard(ctx context.Context, key domain.ChunkGroupKey) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	deleted, err := c.store.DeleteChunkGroup(ctx, key)
	if err != nil {
		return fmt.Errorf("delete chunk group: %w", err)
	}
	for _, ch := range deleted {
		if err := c.publisher.Publish(ctx, events.NewEncodingDeletedEvent(ch)); err != nil {
			// Nobody will hear about it; remove the artifact here.
			_ = c.artifacts.Remove(ch.OutputPath)
		}
	}
	c.removeExtracts(ctx, key, deleted)
	c.locks.Forget(key)

	c.logger.Info("chunk group discarded",
		slog.String("group", key.String()),
		slog.Int("chunks", len(deleted)))
	return nil
}

// Reconcile settles groups whose last chunk finished while no coordinator
// was listening, for example across a restart. Claims left by this owner
// before a restart, or expired ones, are taken over.
func (c *ChunkCoordinator) Reconcile(ctx context.Context) error {
	keys, err := c.store.ListChunkGroupKeys(ctx)
	if err != nil {
		return fmt.Errorf("list chunk groups: %w", err)
	}
	for _, key := range keys {
		if err := c.HandleCompleted(ctx, key); err != nil {
			c.logger.Error("failed to reconcile chunk group",
				slog.String("group", key.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

func nonEmpty(ss []string) []string {
	return slices.DeleteFunc(ss, func(s string) bool { return strings.TrimSpace(s) == "" })
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
