package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ectf-audio/drm-controller/internal/channel"
	"github.com/ectf-audio/drm-controller/internal/config"
	"github.com/ectf-audio/drm-controller/internal/dispatcher"
	"github.com/ectf-audio/drm-controller/internal/hwsim"
	"github.com/ectf-audio/drm-controller/internal/metrics"
	"github.com/ectf-audio/drm-controller/internal/secrets"
	"github.com/ectf-audio/drm-controller/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller's command dispatch loop",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)

	table, err := secrets.Load(cfg.Secrets.Path)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load secrets table")
	}

	hw := hwsim.NewController(cfg.Playback.FIFOCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// spec.md §7: initialization failures halt the controller before the
	// main loop ever starts.
	if err := hw.Init(ctx); err != nil {
		logrus.WithError(err).Fatal("hardware/crypto bring-up failed")
	}

	sess := session.New(table, time.Duration(cfg.Session.LoginPenaltySeconds)*time.Second)
	d := dispatcher.New(sess, table, hw, dispatcher.Config{
		ChunkSize:   cfg.Playback.ChunkSize,
		PreviewSize: cfg.Playback.PreviewSize,
		MaxRegions:  cfg.Playback.MaxRegions,
		MaxUsers:    cfg.Playback.MaxUsers,
	})
	ch := &channel.Channel{}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(metrics.Config{
			BindAddress: cfg.Metrics.BindAddress,
			MetricsPath: cfg.Metrics.MetricsPath,
		})
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logrus.WithError(err).Error("metrics server stopped with an error")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dispatchDone := make(chan error, 1)
	go func() {
		logrus.Info("controller command loop starting")
		dispatchDone <- d.Run(ctx, ch)
	}()

	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
		<-dispatchDone
	case err := <-dispatchDone:
		if err != nil && err != context.Canceled {
			logrus.WithError(err).Fatal("controller command loop failed")
		}
	}

	logrus.Info("controller stopped")
}
