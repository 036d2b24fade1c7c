package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cronfleet/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Under systemd Type=notify with WatchdogSec set, keep the watchdog fed
	// while the scheduler is healthy; a fatal persistence fault stops the
	// keepalive so systemd restarts us into recovery.
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			tick := time.NewTicker(interval / 2)
			defer tick.Stop()
			for range tick.C {
				if !a.Healthy() {
					return
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}()
	}

	exit := 0
	select {
	case <-ctx.Done():
	case <-a.Done():
		fmt.Println("fatal:", a.Err())
		exit = 1
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
	os.Exit(exit)
}
