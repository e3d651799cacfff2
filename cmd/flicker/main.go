// Command flicker runs one acquisition on a flickermeter and prints a
// summary of the captured samples.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/flicker/internal/config"
	"github.com/banshee-data/flicker/internal/flicker"
	"github.com/banshee-data/flicker/internal/meter"
	"github.com/banshee-data/flicker/internal/monitoring"
	"github.com/banshee-data/flicker/internal/probe"
	"github.com/banshee-data/flicker/internal/seriallink"
	"github.com/banshee-data/flicker/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a flicker.yaml configuration file")
	controlPort = flag.String("control", "", "Control link serial port (overrides config)")
	dataPort    = flag.String("data", "", "Data link serial port (overrides config)")
	discover    = flag.Bool("discover", false, "Probe serial ports to find the control and data links")
	samples     = flag.Uint("samples", 0, "Number of samples to acquire (0 = config or 16000)")
	gain        = flag.String("gain", "", "Sensor gain, e.g. x16")
	timeFlag    = flag.String("time", "", "Integration time per sample, e.g. 4ms")
	drain       = flag.Duration("drain", -1, "Settle window after the run ended (negative = config or 1s)")
	verbose     = flag.Bool("verbose", false, "Log protocol traffic")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout); err != nil {
		log.Fatalf("flicker: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *controlPort != "" {
		cfg.Control.Path = *controlPort
	}
	if *dataPort != "" {
		cfg.Data.Path = *dataPort
	}
	if *drain >= 0 {
		d := drain.String()
		cfg.Acquisition.DrainDelay = &d
	}
	return cfg, nil
}

func settingsFromFlags(cfg *config.Config) (flicker.Settings, error) {
	s, err := cfg.Settings()
	if err != nil {
		return s, err
	}
	if *samples > 0 {
		if *samples > flicker.MaxSamples {
			return s, fmt.Errorf("%w: -samples %d exceeds the maximum of %d", flicker.ErrInvalidSetting, *samples, flicker.MaxSamples)
		}
		s.Samples = uint32(*samples)
	}
	if *gain != "" {
		if s.Gain, err = flicker.ParseGain(*gain); err != nil {
			return s, err
		}
	}
	if *timeFlag != "" {
		if s.Time, err = flicker.ParseTime(*timeFlag); err != nil {
			return s, err
		}
	}
	return s, s.Validate()
}

func run(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := settingsFromFlags(cfg)
	if err != nil {
		return err
	}

	if *discover || cfg.Control.Path == "" || cfg.Data.Path == "" {
		links, err := probe.Discover(ctx, seriallink.Open, nil)
		if err != nil {
			return err
		}
		cfg.Control.Path, cfg.Data.Path = links.Control, links.Data
	}

	m, err := meter.Open(cfg, seriallink.Open)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Initialize(ctx); err != nil {
		return err
	}

	meas, err := m.Measure(ctx, settings)
	if meas != nil {
		printSummary(out, meas)
	}
	if err != nil {
		if errors.Is(err, flicker.ErrBufferOverrun) {
			log.Printf("the device sent more data than requested; partial data shown above")
		}
		return err
	}
	return nil
}

func printSummary(w io.Writer, m *flicker.Measurement) {
	s := flicker.Summarize(m)
	fmt.Fprintf(w, "measurement %s at %s\n", m.ID, m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  settings:  %d samples, gain %s, time %s\n", m.Samples, m.Gain, m.Time)
	fmt.Fprintf(w, "  captured:  %d points in %v (%.1f/s), valid=%t\n", s.Points, m.Duration.Round(time.Millisecond), s.Rate, s.Valid)
	for _, ch := range []struct {
		name string
		c    flicker.ChannelStats
	}{{"X", s.X}, {"Y", s.Y}, {"Z", s.Z}} {
		fmt.Fprintf(w, "  %s: mean %.1f sd %.1f min %.0f max %.0f flicker %.2f%% index %.4f\n",
			ch.name, ch.c.Mean, ch.c.StdDev, ch.c.Min, ch.c.Max, ch.c.Percent, ch.c.Index)
	}
}
