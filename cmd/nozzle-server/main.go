// Command nozzle-server owns the CAN adapter. It accepts control channel
// clients, merges their nozzle states and commands the fans.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/nozzle.control/internal/cangw"
	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/config"
	"github.com/banshee-data/nozzle.control/internal/journal"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the nozzle control configuration (.json or .yaml)")
	serialPort = flag.String("serial-port", "/dev/ttyACM0", "SLCAN adapter serial port")
	baudRate   = flag.Int("baud", 115200, "SLCAN adapter baud rate")
	disableCAN = flag.Bool("disable-can", false, "Run without a CAN adapter; commands are discarded")
	dbPath     = flag.String("db", "nozzle_journal.db", "Command journal database (empty to disable)")
	listen     = flag.String("listen", ":8081", "Listen address for metrics and debug routes")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		log.Printf("nozzle-server %s", version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Printf("nozzle-server %s starting with %s", version.String(), *configPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	var gw cangw.Device
	if *disableCAN {
		log.Print("CAN adapter disabled")
		gw = cangw.NewDisabledGateway()
	} else {
		sg, err := cangw.OpenSerialGateway(*serialPort, cangw.PortOptions{BaudRate: *baudRate}, cfg.GatewayOptions(), nil)
		if err != nil {
			log.Fatalf("failed to open CAN adapter %s: %v", *serialPort, err)
		}
		if err := sg.Open(); err != nil {
			log.Fatalf("failed to open CAN channel: %v", err)
		}
		gw = sg
	}
	defer gw.Close()

	var recorder channel.Recorder
	var jr *journal.Journal
	if *dbPath != "" {
		jr, err = journal.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		defer jr.Close()
		recorder = jr
	}

	srv, err := channel.NewServer(cfg.ServerOptions(), gw, gw, nil, metrics, recorder)
	if err != nil {
		log.Fatalf("failed to create control channel server: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// adapter read loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("CAN monitor stopped: %v", err)
			stop()
		}
		log.Print("monitor routine terminated")
	}()

	// control channel
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("control channel server stopped: %v", err)
			stop()
		}
		log.Print("control channel terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv.AttachAdminRoutes(mux)
		gw.AttachAdminRoutes(mux)
		if jr != nil {
			if err := jr.AttachAdminRoutes(mux); err != nil {
				log.Printf("journal admin routes unavailable: %v", err)
			}
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server failed: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Print("nozzle-server stopped")
}
