// Package systemd reports service state to the systemd manager over the
// sd_notify protocol.
//
// Every method is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset) or when notification is disabled.
package systemd

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ticksched/pkg/logx"
)

type Notifier struct {
	enabled  bool
	log      logx.Logger
	watchdog time.Duration // ping period, 0 when the watchdog is off

	lastPing atomic.Int64 // unix nanos
	pings    atomic.Uint64
}

// NewNotifier prepares a notifier. When watchdog is true and the unit sets
// WatchdogSec, Ping feeds the watchdog at half the configured timeout.
func NewNotifier(notify, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{enabled: notify, log: log.With(logx.String("comp", "systemd"))}
	if !notify || !watchdog {
		return n
	}
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid; watchdog disabled", logx.Err(err))
		return n
	}
	if timeout > 0 {
		n.watchdog = timeout / 2
		n.log.Info("watchdog enabled", logx.Duration("timeout", timeout), logx.Duration("ping_every", n.watchdog))
	}
	return n
}

// WatchdogPeriod is how often Ping actually sends, or 0 when disabled.
func (n *Notifier) WatchdogPeriod() time.Duration { return n.watchdog }

// Pings is the number of watchdog notifications sent.
func (n *Notifier) Pings() uint64 { return n.pings.Load() }

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by `systemctl status`.
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Ping sends WATCHDOG=1 if a period has elapsed since the last one.
// It is cheap enough to call on every loop tick.
func (n *Notifier) Ping(now time.Time) {
	if n.watchdog <= 0 {
		return
	}
	last := n.lastPing.Load()
	if last != 0 && now.UnixNano()-last < int64(n.watchdog) {
		return
	}
	if !n.lastPing.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	if n.send(daemon.SdNotifyWatchdog) {
		n.pings.Add(1)
	}
}

func (n *Notifier) send(state string) bool {
	if !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}
