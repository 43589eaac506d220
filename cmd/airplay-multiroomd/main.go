package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airplay-multiroom/server/internal/control"
	"github.com/airplay-multiroom/server/internal/control/hooks"
	"github.com/airplay-multiroom/server/internal/discovery"
	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/raop"
	"github.com/airplay-multiroom/server/internal/raop/receiverclient"
	"github.com/airplay-multiroom/server/internal/registry"
	"github.com/airplay-multiroom/server/internal/syncengine"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(cli.configPath)
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(cli.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cli.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	listenAddr := fmt.Sprintf(":%d", cfg.Airplay.Port)
	if cli.listenAddr != "" {
		listenAddr = cli.listenAddr
	}

	reg := registry.New(registry.NewTCPProbe())
	for _, d := range cfg.Devices.ManualDevices {
		port := d.Port
		if port == 0 {
			port = 5000
		}
		rec := reg.AddManual(context.Background(), d.Name, d.Host, port)
		log.Info("manual receiver registered", "receiver_id", rec.ID, "host", d.Host, "status", string(rec.Status))
	}

	deviceDelays := make(map[string]time.Duration, len(cfg.Synchronization.DeviceDelays))
	for id, seconds := range cfg.Synchronization.DeviceDelays {
		deviceDelays[id] = time.Duration(seconds * float64(time.Second))
	}
	syncCfg := syncengine.Config{
		GlobalDelay:   time.Duration(cfg.Synchronization.GlobalDelayS * float64(time.Second)),
		SyncTolerance: time.Duration(cfg.Synchronization.SyncToleranceMs) * time.Millisecond,
		RTSPPort:      5000,
		DeviceDelays:  deviceDelays,
	}
	engine := syncengine.New(reg, func(host string, port int) syncengine.ReceiverClient {
		return receiverclient.New(host, port)
	}, syncCfg, cfg.Airplay.SampleRate, cfg.Airplay.BitDepth, cfg.Airplay.Channels)

	server := raop.New(raop.Config{
		ListenAddr: listenAddr,
		SampleRate: cfg.Airplay.SampleRate,
		BitDepth:   cfg.Airplay.BitDepth,
		Channels:   cfg.Airplay.Channels,
	}, engine, cfg.Performance.AudioBuffer.BufferCount)

	if err := server.Start(); err != nil {
		log.Error("failed to start RAOP terminator", "error", err)
		os.Exit(1)
	}
	log.Info("raop terminator started", "addr", server.Addr().String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	discoveryActive := false
	if cfg.Devices.AutoDiscovery {
		svc, err := discovery.Start(ctx, reg, cfg.Airplay.ServiceName, cfg.Airplay.Port)
		if err != nil {
			log.Warn("discovery did not start", "error", err)
		} else {
			discoveryActive = svc.Active()
			if !discoveryActive {
				log.Warn("discovery started in degraded mode, only manually configured receivers are usable")
			}
		}
	}
	go reg.RunLiveness(ctx)

	hookMgr := hooks.NewHookManager(hooks.DefaultHookConfig(), log)
	defer hookMgr.Close()
	broker := control.NewEventBroker(hookMgr, engine)
	api := control.New(reg, engine, hookMgr, discoveryActive)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", broker.ServeWS)
	mux.HandleFunc("/receivers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, api.ListReceivers(true))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, api.GetStats())
	})

	httpSrv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		if err := server.Stop(); err != nil {
			log.Error("raop terminator stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
