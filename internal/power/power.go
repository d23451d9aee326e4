// Package power keeps the machine awake while schedules are armed and reports
// service readiness to systemd.
package power

import (
	"errors"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "macrosched/pkg/logx"
)

var ErrUnsupported = errors.New("power: sleep inhibition unsupported on this OS")

// Inhibitor takes an OS-level sleep lock. release drops it.
type Inhibitor interface {
	Inhibit(why string) (release func() error, err error)
}

// Keeper holds a sleep lock exactly while PreventSleep is on and at least one
// schedule is armed.
type Keeper struct {
	mu      sync.Mutex
	inh     Inhibitor
	log     logx.Logger
	enabled bool
	armed   int
	release func() error
}

func NewKeeper(inh Inhibitor, enabled bool, log logx.Logger) *Keeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Keeper{inh: inh, enabled: enabled, log: log}
}

func (k *Keeper) SetEnabled(enabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = enabled
	k.syncLocked()
}

// Update records the number of armed schedules; called after every reload.
func (k *Keeper) Update(armed int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.armed = armed
	k.syncLocked()
}

func (k *Keeper) Held() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.release != nil
}

// Close drops the lock if held.
func (k *Keeper) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = false
	return k.dropLocked()
}

func (k *Keeper) syncLocked() {
	want := k.enabled && k.armed > 0 && k.inh != nil
	switch {
	case want && k.release == nil:
		rel, err := k.inh.Inhibit("macro schedules are armed")
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				k.log.Debug("sleep inhibition unavailable", logx.Err(err))
			} else {
				k.log.Warn("sleep inhibit failed", logx.Err(err))
			}
			return
		}
		k.release = rel
		k.log.Info("sleep inhibited", logx.Int("armed", k.armed))
	case !want && k.release != nil:
		if err := k.dropLocked(); err != nil {
			k.log.Warn("sleep inhibit release failed", logx.Err(err))
			return
		}
		k.log.Info("sleep inhibit released")
	}
}

func (k *Keeper) dropLocked() error {
	if k.release == nil {
		return nil
	}
	rel := k.release
	k.release = nil
	return rel()
}

// NotifyReady tells systemd (Type=notify units) that startup finished. It is
// a no-op outside systemd.
func NotifyReady() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

func NotifyStopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}
