package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"quoterefresh/internal/config"
	"quoterefresh/internal/httpx"
	"quoterefresh/internal/quote"
	"quoterefresh/internal/quoteapi"
	"quoterefresh/internal/refresher"
	"quoterefresh/internal/relay"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var configPath, symbolsCSV, pageURL string
	var perSymbol bool
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.StringVar(&symbolsCSV, "symbols", "", "comma-separated symbols; overrides refresh.symbols")
	flag.StringVar(&pageURL, "page", "", "quote page to bootstrap from; overrides refresh.page_url")
	flag.BoolVar(&perSymbol, "per-symbol", false, "run one independent session per symbol")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if symbolsCSV != "" {
		cfg.Refresh.Symbols = quote.SplitCSV(symbolsCSV)
	}
	if pageURL != "" {
		cfg.Refresh.PageURL = pageURL
	}
	if perSymbol {
		cfg.Refresh.PerSymbol = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	httpClient := httpx.New(cfg.Server.RequestTimeout())
	httpClient.UserAgent = cfg.API.UserAgent
	httpClient.Logger = logger

	api, err := quoteapi.New(cfg.API.BaseURL,
		quoteapi.WithHTTPClient(httpClient),
		quoteapi.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("quote api: %v", err)
	}
	fetcher := buildFetcher(cfg, api)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, interval, err := bootstrap(ctx, cfg, httpClient)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	var hub *relay.Hub
	renderers := []refresher.Renderer{refresher.NewLogRenderer(logger)}
	if cfg.Relay.Enabled {
		hub = relay.NewHub(relay.DefaultConfig(), logger)
		renderers = append(renderers, hub)
	}

	sessions, err := newSessions(sessionConfig(cfg, interval), fetcher, params, cfg.Refresh.PerSymbol,
		refresher.WithLogger(logger),
		refresher.WithRenderer(refresher.Multi(renderers...)),
	)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		if hub != nil {
			hub.Register(s)
		}
		if err := s.Start(gctx); err != nil {
			log.Fatalf("session: %v", err)
		}
	}

	if hub != nil {
		srv := &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           hub.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("relay listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hub.Close()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// SIGUSR1 toggles every session, standing in for the pause/resume control.
	g.Go(func() error {
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(usr1)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-usr1:
				toggleAll(sessions, logger)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sessions {
			if err := s.Stop(stopCtx); err != nil {
				logger.Warn("session stop", "session", s.ID(), "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("refresh: %v", err)
	}
}
