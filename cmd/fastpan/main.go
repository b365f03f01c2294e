package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fastpan/internal/auth"
	"fastpan/internal/config"
	"fastpan/internal/fsutil"
	"fastpan/internal/httpserver"
	"fastpan/internal/logging"
	"fastpan/internal/metrics"
	"fastpan/internal/share"
	"fastpan/internal/upload"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr     = flag.String("addr", "", "listen address (default "+config.DefaultAddr+")")
		root     = flag.String("root", "", "directory to serve (required if the config file has none)")
		stateDir = flag.String("state", "", "state dir for shares/uploads/thumbs (default: <root>/.fastpan)")
		cfgPath  = flag.String("config", "", "path to config file, .json or .yaml (optional)")
		baseURL  = flag.String("base-url", "", "public base URL for share links (default "+config.DefaultBaseURL+")")
	)
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *addr, *root, *stateDir, *baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	if err := run(cfg); err != nil {
		logging.L().Error("fastpan stopped", zap.Error(err))
		_ = logging.Sync()
		os.Exit(1)
	}
}

// loadConfig layers the config file, FASTPAN_* variables and flags, in that
// order, then fills defaults.
func loadConfig(path, addr, root, stateDir, baseURL string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	for dst, v := range map[*string]string{&cfg.Addr: addr, &cfg.Root: root, &cfg.StateDir: stateDir, &cfg.BaseURL: baseURL} {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	if cfg.Root == "" {
		return cfg, errors.New("missing -root (or provide -config / FASTPAN_ROOT)")
	}
	return cfg, cfg.Finalize()
}

func run(cfg config.Config) error {
	log := logging.L()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}
	resolver, err := fsutil.NewResolver(cfg.Root)
	if err != nil {
		return err
	}
	// a no-op when the state dir lives outside the root
	if err := resolver.Hide(cfg.StateDir); err != nil {
		return fmt.Errorf("hide state dir: %w", err)
	}

	secret, err := cfg.ShareSecretBytes()
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(secret)
	if err != nil {
		return err
	}

	store := share.NewStore(cfg.SharesFile())
	if err := store.Load(time.Now()); err != nil {
		// the table in memory is fine; the next mutation retries the write
		log.Warn("share store not persisted after load", zap.Error(err))
	}
	shares := share.NewService(store, resolver, hasher, cfg.BaseURL)
	sessions := auth.NewSessions(auth.Admin{Username: cfg.Admin.Username, Bcrypt: cfg.Admin.Bcrypt}, cfg.SessionTTL.Duration)

	uploads, err := upload.New(resolver, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("uploads: %w", err)
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Resolver: resolver,
		Sessions: sessions,
		Shares:   shares,
		Uploads:  uploads,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go shares.RunReaper(ctx, cfg.ReapInterval.Duration)
	go sessions.RunSweeper(ctx, time.Minute)

	handler := withHeaders(logging.Middleware(metrics.Middleware(srv.Handler())))
	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{hs}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	errc := make(chan error, len(servers))
	for _, s := range servers {
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}()
	}
	log.Info("fastpan listening",
		zap.String("addr", cfg.Addr),
		zap.String("root", resolver.Root()),
		zap.String("base_url", cfg.BaseURL),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)
	log.Info("webdav endpoint", zap.String("url", "http://"+cfg.Addr+"/dav/"))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Error("flush share store", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: fastpan passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if !strings.HasPrefix(r.URL.Path, "/thumb") {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
