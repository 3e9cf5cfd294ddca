package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pinme/tacho-gateway/internal/api"
	"github.com/pinme/tacho-gateway/internal/config"
	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/gateway"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/provisioning"
	"github.com/pinme/tacho-gateway/internal/registry"
	"github.com/pinme/tacho-gateway/internal/relay"
	"github.com/pinme/tacho-gateway/internal/service"
	"github.com/pinme/tacho-gateway/internal/tray"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")
	configFlag := flag.String("config", "", "Path to config file (default: user config dir)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tacho Gateway - tachograph company card access service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tacho-gateway [flags]\n")
		fmt.Fprintf(os.Stderr, "  tacho-gateway <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  TACHO_GATEWAY_PORT    Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  TACHO_GATEWAY_HOST    Host to bind to (default: %s)\n", config.DefaultHost)
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := service.New(serviceOptions(*configFlag)).Install(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := service.New(serviceOptions(*configFlag)).Uninstall(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	logging.Init(1000, logging.LevelDebug)

	var cfg *config.Config
	var err error
	if *configFlag != "" {
		cfg, err = config.LoadFile(*configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Defaults are still usable.
		logging.Warn(logging.CatSystem, "Failed to load config", map[string]any{
			"error": err.Error(),
		})
	}

	if logging.InitSentry(api.Version, cfg.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}

	run(cfg, *noTrayFlag, serviceOptions(*configFlag))
}

func printVersion() {
	fmt.Printf("tacho-gateway %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// serviceOptions makes the installed service start with the same config file.
func serviceOptions(configPath string) service.Options {
	if configPath == "" {
		return service.Options{}
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	return service.Options{ConfigPath: configPath}
}

// relayAddr returns the relay endpoint lookup. A configured host wins over
// the resolver.
func relayAddr(cfg *config.Config, prov *provisioning.Client) func(context.Context) (string, error) {
	if addr := cfg.RelayAddress(); addr != "" {
		return relay.StaticAddr(addr)
	}
	port := strconv.Itoa(cfg.RelayPort)
	return func(ctx context.Context) (string, error) {
		host, err := prov.ResolveRelayHost(ctx)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, port), nil
	}
}

func run(cfg *config.Config, headless bool, svcOpts service.Options) {
	logging.Info(logging.CatSystem, "Tacho Gateway starting", map[string]any{
		"version": api.Version,
	})

	transport := core.PCSC{}
	reg := registry.New()
	leases := lease.NewManager(cfg.LeaseDuration(), nil)

	gw := gateway.New(gateway.Options{
		Transport: transport,
		Registry:  reg,
		Leases:    leases,
		Sessions:  lease.NewSessions(nil),
		Handles:   registry.NewHandleCache(),
	})

	prov := provisioning.NewClient(cfg.ProvisioningURL, cfg.RelayResolverURL)
	supervisor := relay.NewSupervisor(relay.Config{
		Addr:          relayAddr(cfg, prov),
		FirstTimeout:  cfg.FirstContactTimeout(),
		StreamTimeout: cfg.StreamTimeout(),
	}, transport, leases)

	monitor := gateway.NewMonitor(gateway.MonitorConfig{
		Transport: transport,
		Registry:  reg,
		Leases:    leases,
		Companies: prov,
		Relays:    supervisor,
		RelayEnabled: func() bool {
			return config.Get().IsRelayEnabled()
		},
		Interval: cfg.ScanInterval(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := api.NewServer(api.Options{
		Gateway:  gw,
		Monitor:  monitor,
		Relays:   supervisor,
		Service:  service.New(svcOpts),
		Shutdown: cancel,
	})
	monitor.Subscribe(srv.Hub().PublishReaders)

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTray := !headless && tray.IsSupported()
	var trayApp *tray.TrayApp
	if useTray {
		trayApp = tray.New(addr, cancel)
		monitor.Subscribe(func(infos []core.ReaderInfo) {
			trayApp.SetReaderCount(len(infos))
		})
	}

	go srv.Hub().Run(ctx)
	go monitor.Run(ctx)

	startServer := func() {
		log.Printf("tacho-gateway %s listening on http://%s\n", api.Version, addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatSystem, "Server error", map[string]any{
				"error": err.Error(),
			})
			cancel()
		}
	}

	shutdown := func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{
				"error": err.Error(),
			})
		}
		supervisor.Stop()
		logging.Info(logging.CatSystem, "Stopped", nil)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if useTray {
		log.Println("Starting with system tray...")
		stopped := make(chan struct{})
		go func() {
			shutdown()
			close(stopped)
			tray.Quit()
		}()
		// Blocks on the main thread until quit (required for macOS Cocoa).
		trayApp.RunWithServer(startServer)
		cancel()
		<-stopped
		return
	}

	if headless {
		log.Println("Running in headless mode (no system tray)")
	} else {
		log.Println("System tray not supported on this platform, running headless")
	}
	go startServer()
	shutdown()
}
