package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/samber/do/v2"
	"golang.org/x/net/netutil"

	"github.com/reelhouse/reelhouse-server/internal/api"
	"github.com/reelhouse/reelhouse-server/internal/config"
	"github.com/reelhouse/reelhouse-server/internal/logger"
	"github.com/reelhouse/reelhouse-server/internal/metrics"
	"github.com/reelhouse/reelhouse-server/internal/ratelimit"
	"github.com/reelhouse/reelhouse-server/internal/service"
	"github.com/reelhouse/reelhouse-server/internal/sse"
)

// ProvideMetrics provides the Prometheus collectors.
func ProvideMetrics(i do.Injector) (*metrics.Metrics, error) {
	return metrics.New(), nil
}

// SSEManagerHandle wraps the SSE manager with its context for lifecycle management.
type SSEManagerHandle struct {
	*sse.Manager
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *SSEManagerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := h.Manager.Shutdown(ctx)
	h.cancel()
	return err
}

// ProvideSSEManager provides the event stream manager, subscribed to the bus.
func ProvideSSEManager(i do.Injector) (*SSEManagerHandle, error) {
	log := do.MustInvoke[*logger.Logger](i)
	bus := do.MustInvoke[*EventBusHandle](i)

	manager := sse.NewManager(log.Component("sse"))
	manager.Subscribe(bus.Bus)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Start(ctx)

	return &SSEManagerHandle{Manager: manager, cancel: cancel}, nil
}

// HTTPServerHandle wraps http.Server with Shutdownable. Server is nil when
// the operations endpoint is disabled.
type HTTPServerHandle struct {
	*http.Server
	limiter *ratelimit.KeyedRateLimiter
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	if h.Server == nil {
		return nil
	}
	defer h.limiter.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the operations HTTP server.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if !cfg.Metrics.Enabled {
		log.Info("Operations endpoint disabled by configuration")
		return &HTTPServerHandle{}, nil
	}

	storeHandle := do.MustInvoke[*StoreHandle](i)
	encoder := do.MustInvoke[*EncoderHandle](i)
	bus := do.MustInvoke[*EventBusHandle](i)
	runner := do.MustInvoke[*TaskRunnerHandle](i)
	mediaService := do.MustInvoke[*service.MediaService](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)

	limiter := ratelimit.New(mutationRPS, mutationBurst, limiterIdleTTL)

	handler := api.NewServer(api.Deps{
		Store:   storeHandle.Store,
		Media:   mediaService,
		Workers: encoder.Encoder,
		Bus:     bus.Bus,
		Tasks:   runner.Runner,
		Metrics: m.Handler(),
		Events:  sse.NewHandler(sseHandle.Manager, log.Component("sse")),
		Limiter: limiter,
	}, log.Component("api"))

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	// Event streams never finish on their own.
	srv.RegisterOnShutdown(sseHandle.cancel)

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		limiter.Stop()
		return nil, fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	go func() {
		log.Info("Operations server starting", "addr", ln.Addr().String())
		if err := srv.Serve(netutil.LimitListener(ln, maxOpsConnections)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Operations server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv, limiter: limiter}, nil
}
