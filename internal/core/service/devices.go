package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pokeroster/presence/internal/core/ports"
	"github.com/pokeroster/presence/internal/infrastructure/metrics"
)

// DeviceRegistry owns one Lifecycle per device id for the HTTP layer. Devices
// share nothing but the account store behind the SessionService.
type DeviceRegistry struct {
	sessions ports.SessionService
	watcher  *PresenceWatcher
	log      zerolog.Logger
	opts     []LifecycleOption

	mu      sync.Mutex
	devices map[string]*Lifecycle
}

func NewDeviceRegistry(sessions ports.SessionService, watcher *PresenceWatcher, log zerolog.Logger, opts ...LifecycleOption) *DeviceRegistry {
	return &DeviceRegistry{
		sessions: sessions,
		watcher:  watcher,
		log:      log,
		opts:     opts,
		devices:  make(map[string]*Lifecycle),
	}
}

// Get returns the lifecycle for deviceID, creating it on first use. The label
// only applies when the lifecycle is created.
func (r *DeviceRegistry) Get(deviceID, label string) *Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.devices[deviceID]; ok {
		return l
	}
	if label == "" {
		label = deviceID
	}
	l := NewLifecycle(deviceID, label, r.sessions, r.watcher, r.log, r.opts...)
	r.devices[deviceID] = l
	metrics.TrackedDevices.Inc()
	return l
}

// Lookup returns the lifecycle for deviceID without creating one.
func (r *DeviceRegistry) Lookup(deviceID string) (*Lifecycle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.devices[deviceID]
	return l, ok
}

// Prune drops deviceID once its lifecycle is idle: logged out with no
// evicted session left to acknowledge and no call in flight. Failed logins,
// cancellations and logouts therefore leave nothing behind. A pruned
// lifecycle rejects further calls; the next Get creates a fresh one.
func (r *DeviceRegistry) Prune(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	if !l.closeIfIdle(false) {
		return false
	}
	delete(r.devices, deviceID)
	metrics.TrackedDevices.Dec()
	return true
}

// Sweep drops idle devices and those left awaiting confirmation or evicted
// for longer than ConfirmationTTL. It returns how many were dropped.
func (r *DeviceRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, l := range r.devices {
		if l.closeIfIdle(true) {
			delete(r.devices, id)
			dropped++
		}
	}
	metrics.TrackedDevices.Sub(float64(dropped))
	return dropped
}

// Run sweeps the registry every interval until ctx ends.
func (r *DeviceRegistry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug().Int("devices", n).Msg("abandoned devices dropped")
			}
		}
	}
}

// Len reports how many devices are tracked.
func (r *DeviceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Close tears down every device's subscription.
func (r *DeviceRegistry) Close() {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]*Lifecycle)
	metrics.TrackedDevices.Sub(float64(len(devices)))
	r.mu.Unlock()

	for _, l := range devices {
		l.Close()
	}
}
