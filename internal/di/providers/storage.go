package providers

import (
	"fmt"

	"github.com/samber/do/v2"

	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/logger"
	"github.com/reelhouse/reelhouse-server/internal/media/images"
	"github.com/reelhouse/reelhouse-server/internal/service"
	"github.com/reelhouse/reelhouse-server/internal/storage"
	"github.com/reelhouse/reelhouse-server/internal/transcoder"
)

// Storages groups the artifact stores. All of them share the temp root so
// staged files can be renamed into place.
type Storages struct {
	service.MediaStorages
	Images *images.Storage
}

// ProvideStorages creates the storage directories.
func ProvideStorages(i do.Injector) (*Storages, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	paths := cfg.Storage
	originals, err := storage.NewLocal(paths.OriginalsPath, paths.TempPath)
	if err != nil {
		return nil, fmt.Errorf("originals storage: %w", err)
	}
	encoded, err := storage.NewLocal(paths.EncodedPath, paths.TempPath)
	if err != nil {
		return nil, fmt.Errorf("encoded storage: %w", err)
	}
	hls, err := storage.NewLocal(paths.HLSPath, paths.TempPath)
	if err != nil {
		return nil, fmt.Errorf("hls storage: %w", err)
	}
	imgs, err := images.NewStorage(paths.ImagesPath)
	if err != nil {
		return nil, fmt.Errorf("image storage: %w", err)
	}

	log.Info("Storages initialized",
		"originals", paths.OriginalsPath,
		"encoded", paths.EncodedPath,
		"hls", paths.HLSPath,
		"images", paths.ImagesPath,
	)

	return &Storages{
		MediaStorages: service.MediaStorages{
			Originals: originals,
			Encoded:   encoded,
			HLS:       hls,
		},
		Images: imgs,
	}, nil
}

// ProvideTranscoder locates ffmpeg and ffprobe.
func ProvideTranscoder(i do.Injector) (transcoder.Transcoder, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	ff, err := transcoder.NewFFmpeg(cfg.Encoding.FFmpegPath, cfg.Encoding.FFprobePath, log.Component("ffmpeg"))
	if err != nil {
		return nil, err
	}
	return ff, nil
}

// ProvideImageProcessor provides the thumbnail and sprite processor.
func ProvideImageProcessor(i do.Injector) (*images.Processor, error) {
	storages := do.MustInvoke[*Storages](i)
	tc := do.MustInvoke[transcoder.Transcoder](i)
	log := do.MustInvoke[*logger.Logger](i)

	return images.NewProcessor(storages.Images, tc, log.Component("images")), nil
}
