package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kernelforge/kernelmgr/internal/config"
	"github.com/kernelforge/kernelmgr/internal/interpreter"
	"github.com/kernelforge/kernelmgr/internal/kerneltypes"
	"github.com/kernelforge/kernelmgr/internal/logging"
	"github.com/kernelforge/kernelmgr/internal/manager"
	"github.com/kernelforge/kernelmgr/internal/metrics"
	"github.com/kernelforge/kernelmgr/internal/pool"
	"github.com/kernelforge/kernelmgr/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "kernelmgr.yaml", "path to the YAML config file")
	wasmPath := flag.String("wasm", "", "path to the compiled Python WASM module (optional; PYTHON kernels fail to build without it)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	createRate := flag.Int("create-rate-per-sec", 0, "sustained kernel creates allowed per namespace per second (0 disables throttling)")
	createBurst := flag.Int("create-burst", 10, "burst allowance above create-rate-per-sec")
	flag.Parse()

	log := logging.New("kernelmgrd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load config", logging.Err(err), logging.String("path", *configPath))
	}

	factory, err := buildFactory(*wasmPath)
	if err != nil {
		log.Fatal("failed to build interpreter factory", logging.Err(err))
	}

	met := metrics.New()

	var limiter *ratelimit.Limiter
	if *createRate > 0 {
		limiter, err = ratelimit.New(*createRate, *createBurst)
		if err != nil {
			log.Fatal("failed to build rate limiter", logging.Err(err))
		}
	}

	mgr, err := manager.New(manager.Config{
		Factory:   factory,
		Admission: cfg.Admission,
		Pool: pool.Config{
			Enabled:    cfg.PoolEnabled,
			PoolSize:   cfg.PoolSize,
			AutoRefill: cfg.PoolAutoRefill,
			Preload:    cfg.PoolPreload,
		},
		RateLimit: limiter,
		Metrics:   met,
	})
	if err != nil {
		log.Fatal("failed to build manager", logging.Err(err))
	}
	defer mgr.Close()

	log.Info("kernel manager starting", logging.String("metrics_addr", *metricsAddr))
	serveMetrics(*metricsAddr, met, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received, destroying all kernels")
}

// buildFactory wires the composite interpreter factory: WasmPython for
// PYTHON when a module is supplied, SandboxedJS for TS/JS always (spec §1,
// §4.8a — the interpreter engines are external collaborators with fixed
// contracts; this repo ships one real and one stand-in engine to exercise
// it).
func buildFactory(wasmPath string) (interpreter.Factory, error) {
	byLanguage := map[kerneltypes.Language]interpreter.Factory{}

	js := interpreter.NewSandboxedJSFactory()
	byLanguage[kerneltypes.TS] = js
	byLanguage[kerneltypes.JS] = js

	if wasmPath != "" {
		data, err := os.ReadFile(wasmPath)
		if err != nil {
			return nil, fmt.Errorf("read wasm module: %w", err)
		}
		wasmFactory, err := interpreter.NewWasmFactory(data)
		if err != nil {
			return nil, fmt.Errorf("compile wasm module: %w", err)
		}
		byLanguage[kerneltypes.Python] = wasmFactory
	}

	return interpreter.NewCompositeFactory(byLanguage), nil
}

func serveMetrics(addr string, met *metrics.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(met.Gatherer(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", logging.Err(err))
		}
	}()
}
