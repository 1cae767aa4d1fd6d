// Command vblockd is the driver process: it loads the persisted
// autostart configuration, brings up the Device Manager, starts the
// Prometheus metrics endpoint and the JSON-over-HTTP control gateway,
// and blocks until signalled. Structure mirrors cmd/canopen/main.go's
// flag-based bring-up and os.Exit(1)-on-fatal-error convention.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/imdisk-go/vblockd/backing"
	"github.com/imdisk-go/vblockd/config"
	"github.com/imdisk-go/vblockd/gatewayhttp"
	"github.com/imdisk-go/vblockd/manager"
	"github.com/imdisk-go/vblockd/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a persisted autostart .ini config (optional)")
	gatewayAddr := flag.String("gateway", "127.0.0.1:8778", "address for the JSON-over-HTTP control gateway")
	metricsAddr := flag.String("metrics", "127.0.0.1:9778", "address for the Prometheus /metrics endpoint")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Error("invalid log level, defaulting to info")
		level = log.InfoLevel
	}
	logger := log.StandardLogger()
	logger.SetLevel(level)

	autostart := config.Autostart{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.WithError(err).Error("failed to load autostart config")
			os.Exit(1)
		}
		autostart = loaded
	}

	collector := metrics.NewCollector()
	stopMetrics := collector.Serve(*metricsAddr)
	defer stopMetrics()

	mgr := manager.New(logger, autostart.DisallowedDriveLetters, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, ad := range autostart.Devices {
		params := manager.CreateParams{
			DeviceNumber: manager.DeviceNumberAuto,
			BackingKind:  backing.KindFile,
			ImagePath:    ad.ImageFile,
			ImageOffset:  ad.Offset,
			ReadOnly:     ad.Flags&uint32(manager.FlagReadOnly) != 0,
			Removable:    ad.Flags&uint32(manager.FlagRemovable) != 0,
			DriveLetter:  ad.DriveLetter,
		}
		id, err := mgr.CreateDevice(ctx, params)
		if err != nil {
			logger.WithError(err).WithField("index", i).WithField("image", ad.ImageFile).
				Error("failed to autostart device")
			continue
		}
		logger.WithField("device", id).WithField("image", ad.ImageFile).Info("autostarted device")
	}

	gw := gatewayhttp.NewServer(mgr, logger)
	go func() {
		if err := gw.ListenAndServe(*gatewayAddr); err != nil {
			logger.WithError(err).Fatal("control gateway exited")
		}
	}()
	logger.WithField("address", *gatewayAddr).Info("control gateway listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	mgr.Shutdown()
}
