// Package systemd speaks the sd_notify protocol for Type=notify units.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1. It returns false when NOTIFY_SOCKET is unset.
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping reports STOPPING=1.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status sets the free-form STATUS= line shown by systemctl status.
func Status(text string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+text)
}

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings WATCHDOG=1 every interval while healthy returns true, until
// ctx ends. A false from healthy skips the ping so systemd restarts the unit.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}
}
