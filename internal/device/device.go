// Package device probes the host for the facts the poller's interval
// depends on: whether it is a mobile platform and whether it is running on
// battery.
package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// DefaultPowerSupplyDir is where Linux exposes power sources.
const DefaultPowerSupplyDir = "/sys/class/power_supply"

var mobilePlatforms = map[string]bool{
	"android": true,
	"ios":     true,
}

// Profile is a point-in-time device description.
type Profile struct {
	Platform  string
	Mobile    bool
	OnBattery bool
}

// Probe reads the current profile.
type Probe interface {
	Profile(ctx context.Context) (Profile, error)
}

// HostProbe reads the platform through gopsutil and the power state from
// the power-supply class directory.
type HostProbe struct {
	PowerSupplyDir string
}

func (p HostProbe) Profile(ctx context.Context) (Profile, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("host info: %w", err)
	}
	prof := Profile{Platform: info.Platform}
	prof.Mobile = IsMobile(info.OS, info.Platform, info.PlatformFamily)

	dir := p.PowerSupplyDir
	if dir == "" {
		dir = DefaultPowerSupplyDir
	}
	onBattery, err := OnBattery(dir)
	if err != nil {
		return prof, err
	}
	prof.OnBattery = onBattery
	return prof, nil
}

// IsMobile reports whether any of the host identifiers names a mobile OS.
func IsMobile(ids ...string) bool {
	for _, id := range ids {
		if mobilePlatforms[strings.ToLower(strings.TrimSpace(id))] {
			return true
		}
	}
	return false
}

// OnBattery inspects a power_supply directory. The host is on battery when
// no mains or USB supply is online and at least one battery is
// discharging. A missing directory means no battery.
func OnBattery(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", dir, err)
	}

	discharging := false
	for _, e := range entries {
		supply := filepath.Join(dir, e.Name())
		switch readAttr(supply, "type") {
		case "Mains", "USB", "USB_C", "USB_PD":
			if readAttr(supply, "online") == "1" {
				return false, nil
			}
		case "Battery":
			if readAttr(supply, "status") == "Discharging" {
				discharging = true
			}
		}
	}
	return discharging, nil
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Static always reports the same profile. Used for config overrides.
type Static Profile

func (s Static) Profile(context.Context) (Profile, error) { return Profile(s), nil }

// Sink receives profile changes. The poller implements it.
type Sink interface {
	SetDevice(mobile, onBattery bool)
}

// Watcher re-probes on an interval and pushes changes to the sink.
type Watcher struct {
	probe    Probe
	sink     Sink
	interval time.Duration
	log      *slog.Logger

	last  Profile
	known bool
}

// NewWatcher creates a watcher. A non-positive interval probes once.
func NewWatcher(probe Probe, sink Sink, interval time.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default().With("component", "device")
	}
	return &Watcher{probe: probe, sink: sink, interval: interval, log: log}
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.Poll(ctx)
	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll probes once and reports whether the profile changed. Run must not
// be active concurrently.
func (w *Watcher) Poll(ctx context.Context) bool {
	prof, err := w.probe.Profile(ctx)
	if err != nil {
		w.log.Warn("device probe failed", "error", err)
		return false
	}
	if w.known && prof.Mobile == w.last.Mobile && prof.OnBattery == w.last.OnBattery {
		return false
	}
	w.last, w.known = prof, true
	w.log.Info("device profile", "platform", prof.Platform, "mobile", prof.Mobile, "on_battery", prof.OnBattery)
	w.sink.SetDevice(prof.Mobile, prof.OnBattery)
	return true
}
