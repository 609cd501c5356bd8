package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/hypstar-go/internal/hypstar"
	"github.com/shaunagostinho/hypstar-go/internal/publish"
	"github.com/shaunagostinho/hypstar-go/internal/recorder"
	"github.com/shaunagostinho/hypstar-go/internal/server"
	"github.com/shaunagostinho/hypstar-go/internal/sim"
	"github.com/shaunagostinho/hypstar-go/internal/transport"
	"github.com/shaunagostinho/hypstar-go/web"
)

func main() {
	configPath := flag.String("config", "/etc/hypstard/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated instrument")
	port := flag.String("port", "", "Override serial port (e.g. /dev/ttyUSB0)")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Instrument.Type = "demo"
	}
	if *port != "" {
		cfg.Instrument.Port.PortPath = *port
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.Info("hypstard starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector())

	ic := cfg.InstrumentSettings()
	var open hypstar.OpenFunc
	if ic.Type == "demo" {
		open = openSimulator
	}
	// sessions log at the instrument log level
	drvLog := logrus.New()
	drvLog.SetFormatter(log.Formatter)
	drvLog.SetOutput(log.Out)
	sessions := hypstar.NewRegistry(open,
		hypstar.WithLogger(drvLog),
		hypstar.WithLogLevel(ic.LogLevel),
		hypstar.WithMetrics(hypstar.NewMetrics(reg)),
		hypstar.WithSetTimeOnOpen(ic.SetTimeOnConnect),
	)

	var pub *publish.Publisher
	if cfg.MQTT.Enabled {
		pub = publish.New(cfg.MQTT, log)
		pub.Start(ctx)
		defer pub.Close()
	}

	srv := server.New(cfg, sessions, web.FS, server.Options{
		Recorder:  recorder.New(cfg.Recorder, log),
		Publisher: pub,
		Registry:  reg,
		Logger:    log,
	})
	defer srv.Close()

	// the HTTP side starts even while the instrument is still connecting
	go connectWithRetry(ctx, log.WithField("component", "hypstar"), srv, 10)

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
	}
}

// openSimulator opens a session on an in-process instrument.
func openSimulator(cfg transport.Config, opts ...hypstar.Option) (*hypstar.Driver, error) {
	d := hypstar.New(sim.New(), append([]hypstar.Option{hypstar.WithName("sim:" + cfg.PortPath)}, opts...)...)
	if err := d.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log *logrus.Entry, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Infof("connected (attempt %d)", attempt+1)
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.WithError(err).Warnf("connect attempt %d/%d failed, retry in %v", attempt, maxAttempts, delay)
		} else {
			log.WithError(err).Debugf("connect attempt %d failed, retry in %v", attempt, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
