// Command nozzle-client runs the per-nozzle pipelines over a replayed
// detection stream and publishes the aggregated record to nozzle-server. As a
// subscriber it only prints the sensor telemetry the server pushes.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/nozzle.control/internal/aggregator"
	"github.com/banshee-data/nozzle.control/internal/channel"
	"github.com/banshee-data/nozzle.control/internal/config"
	"github.com/banshee-data/nozzle.control/internal/monitoring"
	"github.com/banshee-data/nozzle.control/internal/nozzle"
	"github.com/banshee-data/nozzle.control/internal/version"
	"github.com/banshee-data/nozzle.control/internal/wire"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the nozzle control configuration (.json or .yaml)")
	eventsPath = flag.String("events", "-", "Replay file of JSON frame lines, or - for stdin")
	role       = flag.String("role", string(wire.RoleReporter), "Client role: reporter or subscriber")
	name       = flag.String("name", "", "Client name (defaults to client_name from the configuration)")
	interval   = flag.Duration("interval", 33*time.Millisecond, "Delay between replayed frames")
	listen     = flag.String("listen", "", "Listen address for /metrics (empty to disable)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	r := wire.Role(*role)
	if !r.Valid() {
		log.Fatalf("unknown role %q", *role)
	}
	log.Printf("nozzle-client %s starting as %s", version.String(), r)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	opts := cfg.ClientOptions(r)
	if *name != "" {
		opts.ClientName = *name
	}
	opts.OnTelemetry = printTelemetry
	client, err := channel.NewClient(opts, nil, metrics)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("client stopped: %v", err)
		}
	}()

	if r == wire.RoleReporter {
		pipelines := make([]*nozzle.Pipeline, 0, len(cfg.Nozzles))
		for _, id := range cfg.Nozzles {
			p, err := nozzle.NewPipeline(id, cfg.FilterOptions(), cfg.MachineOptions(), nil, metrics)
			if err != nil {
				log.Fatalf("failed to create pipeline: %v", err)
			}
			pipelines = append(pipelines, p)
		}
		agg, err := aggregator.New(cfg.AggregatorOptions(), pipelines, nil, metrics)
		if err != nil {
			log.Fatalf("failed to create aggregator: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agg.Run(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("aggregator stopped: %v", err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := replay(ctx, *eventsPath, pipelines, *interval); err != nil {
				log.Printf("replay failed: %v", err)
			}
		}()
	}

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server failed: %v", err)
			}
		}()
		defer server.Close()
	}

	wg.Wait()
	log.Print("nozzle-client stopped")
}

// replay feeds frames from path to their pipelines, one every interval. At
// the end of the stream it returns and the nozzles go stale on their own.
func replay(ctx context.Context, path string, pipelines []*nozzle.Pipeline, interval time.Duration) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	byID := make(map[string]*nozzle.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID()] = p
	}
	unknown := make(map[string]bool)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fr := newFrameReader(in, time.Now)
	frames := 0
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			log.Printf("replay finished after %d frames", frames)
			return nil
		}
		if err != nil {
			return err
		}
		frames++
		applyFrame(frame, byID, unknown)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// applyFrame counts the frame and runs its detections through the nozzle's
// pipeline. Frames for nozzles not in the configuration are skipped.
func applyFrame(frame replayFrame, byID map[string]*nozzle.Pipeline, unknown map[string]bool) {
	p, ok := byID[frame.NozzleID]
	if !ok {
		if !unknown[frame.NozzleID] {
			unknown[frame.NozzleID] = true
			log.Printf("skipping frames for unconfigured nozzle %q", frame.NozzleID)
		}
		return
	}
	p.ObserveFrame()
	for _, ev := range frame.Events {
		if _, err := p.Handle(ev); err != nil {
			log.Printf("%v", err)
		}
	}
}

func printTelemetry(tel wire.Telemetry) {
	if tel.Override != nil && tel.Override.Active {
		log.Printf("operator override engaged since %s", tel.Override.Timestamp.Format(time.RFC3339))
	}
	for _, r := range tel.Readings {
		log.Printf("sensor %d: PM1 %.1f PM2.5 %.1f PM10 %.1f (%s)", r.SensorID, r.PM1, r.PM25, r.PM10, r.Timestamp.Format(time.RFC3339))
	}
}
