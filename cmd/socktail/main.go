package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/socktail/pkg/api"
	"github.com/ZentaChain/socktail/pkg/config"
	"github.com/ZentaChain/socktail/pkg/control"
	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/logging"
	"github.com/ZentaChain/socktail/pkg/overlay"
	"github.com/ZentaChain/socktail/pkg/resolver"
	"github.com/ZentaChain/socktail/pkg/socks5"
	"github.com/ZentaChain/socktail/pkg/storage"
)

const (
	version = "0.1.0"

	// registrations kept in the state db across restarts
	historyKeep = 100
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "socktail: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := config.Default()

	fs := flag.NewFlagSet("socktail", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (JSON)")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if *configPath != "" {
		file, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := file.ApplyToFlags(fs); err != nil {
			return fmt.Errorf("apply config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, syncLogs, err := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer syncLogs()

	printBanner()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		store   *storage.Store
		history api.History
	)
	if cfg.StateDB != "" {
		store, err = storage.Open(cfg.StateDB)
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		history = store

		if n, err := store.PruneRegistrations(historyKeep); err != nil {
			logger.Warn("failed to prune registration history", zap.Error(err))
		} else if n > 0 {
			logger.Debug("pruned registration history", zap.Int64("removed", n))
		}
	}

	backend, err := newBackend(cfg, store, overlay.NewMetrics(reg))
	if err != nil {
		return multierr.Append(err, closeStore(store))
	}

	res := resolver.New(&resolver.Config{
		Server:   cfg.DNSServer,
		CacheTTL: cfg.DNSCacheTTL.Std(),
	})
	proxy := socks5.NewServer(&socks5.Config{
		ListenAddr:       cfg.ListenAddr,
		HandshakeTimeout: cfg.HandshakeTimeout.Std(),
	}, socks5.NewDirectDialer(res), socks5.NewMetrics(reg))

	var apiServer *api.Server
	if cfg.APIAddr != "" {
		apiServer = api.NewServer(&api.Config{
			Addr:         cfg.APIAddr,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}, api.Deps{
			Backend:  backend,
			Proxy:    proxy,
			History:  history,
			Gatherer: reg,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	// Registration runs alongside the listener; the proxy serves whatever
	// the overlay outcome
	g.Go(func() error {
		if err := backend.Connect(gctx); err != nil && !errors.Is(err, overlay.ErrClosed) {
			logger.Warn("overlay unavailable, proxy keeps serving", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		return proxy.ListenAndServe(gctx)
	})

	if apiServer != nil {
		g.Go(func() error {
			return apiServer.Start(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-proxy.Ready():
			printStatus(cfg, backend)
		case <-gctx.Done():
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownErr := shutdown(cfg.ShutdownTimeout.Std(), proxy, backend, logger)
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	err = multierr.Combine(runErr, shutdownErr, closeStore(store))
	if err == nil {
		logger.Info("stopped")
	}
	return err
}

// newBackend picks the overlay variant for cfg
func newBackend(cfg *config.Config, store *storage.Store, metrics *overlay.Metrics) (overlay.Backend, error) {
	if cfg.NoVPN {
		return overlay.New(overlay.KindDisabled, &overlay.NativeConfig{Hostname: cfg.Hostname})
	}

	if !cfg.HasAuthKey() {
		zap.L().Warn("no auth key configured; registration will likely be rejected",
			zap.String("env", config.EnvAuthKey))
	}

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	native := &overlay.NativeConfig{
		Identity: identity,
		Client:   control.NewClient(&control.Config{ControlURL: cfg.ControlURL}),
		Metrics:  metrics,
		Hostname: cfg.Hostname,
		AuthKey:  cfg.AuthKey,
	}
	if store != nil {
		native.History = store
	}
	return overlay.New(overlay.KindNative, native)
}

// drainer is a backend with a two-phase close
type drainer interface {
	RequestClose()
	AwaitDrained(ctx context.Context) error
}

// shutdown stops the listener, waits for proxy sessions, then disconnects
// the overlay. Each wait is bounded by timeout.
func shutdown(timeout time.Duration, proxy *socks5.Server, backend overlay.Backend, logger *zap.Logger) error {
	var errs error

	if err := proxy.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := proxy.Wait(waitCtx); err != nil {
		logger.Warn("proxy sessions did not finish in time", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()

	var err error
	if d, ok := backend.(drainer); ok {
		d.RequestClose()
		err = d.AwaitDrained(drainCtx)
	} else {
		err = backend.Disconnect(drainCtx)
	}
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("overlay disconnect: %w", err))
	}

	return errs
}

func closeStore(store *storage.Store) error {
	if store == nil {
		return nil
	}
	return store.Close()
}

func printBanner() {
	pterm.DefaultHeader.WithFullWidth().Println(fmt.Sprintf("socktail v%s", version))
	pterm.Info.Println("SOCKS5 proxy with overlay registration")
	pterm.Println()
}

func printStatus(cfg *config.Config, backend overlay.Backend) {
	status := backend.Status()

	apiAddr := cfg.APIAddr
	if apiAddr == "" {
		apiAddr = "disabled"
	}
	stateDB := cfg.StateDB
	if stateDB == "" {
		stateDB = "disabled"
	}
	dns := cfg.DNSServer
	if dns == "" {
		dns = "system"
	}

	data := pterm.TableData{
		{"Setting", "Value"},
		{"SOCKS5", cfg.ListenAddr},
		{"Status API", apiAddr},
		{"Overlay", status.Backend},
		{"Hostname", status.Hostname},
		{"State DB", stateDB},
		{"DNS", dns},
	}
	if status.Fingerprint != "" {
		data = append(data, []string{"Node", status.Fingerprint})
	}
	if !cfg.NoVPN {
		data = append(data, []string{"Control", cfg.ControlURL})
	}

	_ = pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render()
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
