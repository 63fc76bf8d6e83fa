package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/cmd/offlinesync/handlers"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/config"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/offline"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the offline proxy in front of the API",
		Long: "Proxies every request to api.base_url through the offline layer and\n" +
			"serves status, queue and a dashboard under /offline/.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			initLogging(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs the proxy until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Get()

	opts, err := offline.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	hub := NewWSHub()
	defer hub.Close()

	opts.Logger = log
	opts.OnReplay = hub.BroadcastItemReplayed
	opts.OnDrop = hub.BroadcastItemDropped

	svc, err := offline.Open(opts)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(svc, hub, opts.APIBase),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	svc.Start(gctx)

	g.Go(func() error {
		relayStatus(gctx, svc, hub)
		return nil
	})
	g.Go(func() error {
		log.Info("Offline proxy listening", map[string]interface{}{
			"listen":   cfg.Listen,
			"api":      cfg.API.BaseURL,
			"degraded": svc.Degraded(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return apperrors.Wrap(apperrors.ErrInternal, "http server failed", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Offline proxy stopped")
	return err
}

// newRouter mounts the /offline/ endpoints and proxies everything else to api.
func newRouter(svc *offline.Service, hub *WSHub, api *url.URL) http.Handler {
	h := handlers.NewOfflineHandler(svc)
	h.SetWebSocketHub(hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/offline/health", h.Health)
	mux.HandleFunc("/offline/status", h.GetStatus)
	mux.HandleFunc("/offline/sync", h.TriggerSync)
	mux.HandleFunc("/offline/queue", h.ListQueue)
	mux.HandleFunc("/offline/connectivity", h.SetConnectivity)
	mux.HandleFunc("/offline/app-state", h.SetAppState)
	mux.HandleFunc("/offline/ws", HandleWebSocket(hub))
	mux.HandleFunc("/offline/", h.Dashboard)
	mux.Handle("/", newProxy(api, svc.Transport()))
	return mux
}

// newProxy forwards requests to target through transport.
func newProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if r.Context().Err() != nil {
				return
			}
			logging.WarnWithCode("Proxy request failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		},
	}
}

// relayStatus forwards every status change to WebSocket clients.
func relayStatus(ctx context.Context, svc *offline.Service, hub *WSHub) {
	statuses, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statuses:
			hub.BroadcastStatus(st)
		}
	}
}
