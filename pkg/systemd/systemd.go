// Package systemd reports service state to the service manager via sd_notify.
// Outside systemd (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready tells systemd startup finished (Type=notify units).
func Ready() bool { return send(daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() bool { return send(daemon.SdNotifyStopping) }

// Watchdog pings the watchdog timer.
func Watchdog() bool { return send(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) bool { return send("STATUS=" + s) }

// WatchdogInterval returns the configured WatchdogSec, or 0 when disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

func send(state string) bool {
	ok, err := notify(false, state)
	return ok && err == nil
}
