// Command tofseq verifies and runs time-of-flight use cases against a sensor
// reached over a serial bridge, a Linux I2C bus or an in-memory mock.
//
//	tofseq [flags] verify|execute|capture <usecase.json>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tofseq/internal/bridge"
	"github.com/banshee-data/tofseq/internal/config"
	"github.com/banshee-data/tofseq/internal/imager"
	"github.com/banshee-data/tofseq/internal/journal"
	"github.com/banshee-data/tofseq/internal/monitoring"
	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/timeutil"
	"github.com/banshee-data/tofseq/internal/usecase"
	"github.com/banshee-data/tofseq/internal/version"
)

var (
	configPath  = flag.String("config", "", "Sensor configuration JSON (default: built-in reference sensor)")
	bridgeKind  = flag.String("bridge", config.GetEnv("TOFSEQ_BRIDGE", "mock"), "Register bridge: serial, i2c or mock")
	port        = flag.String("port", config.GetEnv("TOFSEQ_PORT", "/dev/ttyACM0"), "Serial port of the bridge")
	baud        = flag.Int("baud", config.GetEnvInt("TOFSEQ_BAUD", bridge.DefaultBaudRate), "Serial baud rate")
	i2cBus      = flag.String("i2c-bus", config.GetEnv("TOFSEQ_I2C_BUS", ""), "I2C bus name (default: first bus)")
	i2cAddr     = flag.String("i2c-addr", fmt.Sprintf("0x%02x", bridge.DefaultI2CAddr), "I2C device address")
	resetPin    = flag.String("reset-pin", config.GetEnv("TOFSEQ_RESET_PIN", ""), "GPIO driving the sensor reset line")
	journalPath = flag.String("journal", config.GetEnv("TOFSEQ_JOURNAL", ""), "SQLite journal of register traffic and executions")
	listen      = flag.String("listen", config.GetEnv("TOFSEQ_LISTEN", ""), "Admin HTTP listen address (disabled when empty)")
	duration    = flag.Duration("duration", 0, "Capture duration (0 runs until interrupted)")
	exposures   = flag.String("exposure", "", "Comma separated exposure times (µs) applied during capture")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] verify|execute|capture <usecase.json>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println("tofseq", version.String())
		return
	}
	if flag.NArg() != 2 {
		usage()
		os.Exit(2)
	}
	command, path := flag.Arg(0), flag.Arg(1)
	switch command {
	case "verify", "execute", "capture":
	default:
		log.Fatalf("unknown command %q", command)
	}

	var cfg *config.SensorConfig
	if *configPath == "" {
		cfg = config.MustLoadDefaultConfig()
	} else {
		var err error
		if cfg, err = config.LoadSensorConfig(*configPath); err != nil {
			log.Fatalf("failed to load sensor config: %v", err)
		}
	}
	ref, err := sensor.NewReference(cfg)
	if err != nil {
		log.Fatalf("failed to create sensor: %v", err)
	}
	uc, err := usecase.Load(path)
	if err != nil {
		log.Fatalf("failed to load use case: %v", err)
	}

	if command == "verify" {
		status, err := imager.Verify(ref, uc)
		if err != nil {
			log.Fatalf("failed to verify use case: %v", err)
		}
		fmt.Printf("%s: %s\n", path, status)
		if status != imager.Success {
			os.Exit(1)
		}
		return
	}

	if err := run(command, ref, uc); err != nil {
		log.Fatal(err)
	}
	log.Printf("graceful shutdown complete")
}

func run(command string, ref *sensor.Reference, uc *usecase.UseCase) error {
	addr, err := strconv.ParseUint(*i2cAddr, 0, 16)
	if err != nil {
		return fmt.Errorf("invalid I2C address %q: %w", *i2cAddr, err)
	}
	times, err := parseExposures(*exposures)
	if err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	tr, err := openTransport(transportOptions{
		Kind:     *bridgeKind,
		Port:     *port,
		Baud:     *baud,
		I2CBus:   *i2cBus,
		I2CAddr:  uint16(addr),
		ResetPin: *resetPin,
	}, clock)
	if err != nil {
		return err
	}
	defer tr.Close()

	opts := imager.Options{Clock: clock, Metrics: monitoring.NewMetrics()}
	var j *journal.Journal
	if *journalPath != "" {
		if j, err = journal.Open(*journalPath); err != nil {
			return err
		}
		defer j.Close()
		tr = bridge.NewLogged(tr, j, nil)
		opts.Journal = j
	}
	im := imager.New(ref, tr, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stop()
		return runSession(ctx, im, uc, sessionOptions{
			Command:   command,
			Duration:  *duration,
			Exposures: times,
			Clock:     clock,
			Out:       os.Stdout,
			Hold:      command == "execute" && *listen != "",
		})
	})

	if *listen != "" {
		mux := http.NewServeMux()
		im.AttachAdminRoutes(mux)
		if j != nil {
			if err := j.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		g.Go(func() error { return serveAdmin(ctx, *listen, mux) })
	}
	return g.Wait()
}

func serveAdmin(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{Addr: addr, Handler: h}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
