package app

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"recoveryjourney/api/internal/cache"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/network"
	"recoveryjourney/api/internal/session"

	"go.uber.org/zap"
)

const (
	defaultIdleTTL    = 30 * time.Minute
	defaultMaxDevices = 10000
)

// Device ids name cache namespaces, so they are limited to characters that
// carry no meaning in a key pattern.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

var ErrInvalidDevice = errors.New("invalid device id")

// DeviceConfig holds what every device session shares.
type DeviceConfig struct {
	Credentials identity.CredentialStore
	Profiles    session.ProfileStore
	// CacheFor returns the device's local cache.
	CacheFor func(deviceID string) cache.Cache
	Identity identity.LocalOptions
	Session  session.Options
	Metrics  *session.Metrics
	// IdleTTL is how long an unused device session is kept.
	IdleTTL    time.Duration
	MaxDevices int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Device is one client installation: its signed-in principal, local cache,
// connectivity and session synchronizer.
type Device struct {
	ID        string
	Identity  *identity.Local
	Network   *network.Monitor
	Notes     *session.NotificationLog
	Redirects *session.RedirectRecorder
	Session   *session.Synchronizer

	lastSeen time.Time
}

func (d *Device) close() {
	d.Session.Close()
	d.Identity.Close()
}

// Devices creates device sessions lazily. Sessions idle for longer than
// IdleTTL are closed by a background sweep; when MaxDevices is reached the
// least recently used session is closed to make room.
type Devices struct {
	cfg  DeviceConfig
	ctx  context.Context
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	devices map[string]*Device
}

func NewDevices(ctx context.Context, cfg DeviceConfig) *Devices {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CacheFor == nil {
		cfg.CacheFor = func(string) cache.Cache { return cache.NewMemory() }
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = defaultMaxDevices
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Devices{
		cfg:     cfg,
		ctx:     ctx,
		done:    make(chan struct{}),
		devices: make(map[string]*Device),
	}
	go d.sweepLoop()
	return d
}

// Get returns the device session for id, starting it on first use.
func (d *Devices) Get(id string) (*Device, error) {
	id = strings.TrimSpace(id)
	if !deviceIDPattern.MatchString(id) {
		return nil, ErrInvalidDevice
	}

	now := d.cfg.Now()
	d.mu.Lock()
	if dev, ok := d.devices[id]; ok {
		dev.lastSeen = now
		d.mu.Unlock()
		return dev, nil
	}
	evicted := d.evictLocked(len(d.devices) - d.cfg.MaxDevices + 1)
	dev, err := d.start(id)
	if err != nil {
		d.mu.Unlock()
		closeAll(evicted)
		return nil, err
	}
	dev.lastSeen = now
	d.devices[id] = dev
	d.mu.Unlock()

	closeAll(evicted)
	return dev, nil
}

func (d *Devices) start(id string) (*Device, error) {
	log := d.cfg.Logger.With(zap.String("device", id))
	idOpts := d.cfg.Identity
	idOpts.Logger = log
	provider := identity.NewLocal(d.cfg.Credentials, idOpts)

	dev := &Device{
		ID:        id,
		Identity:  provider,
		Network:   network.NewMonitor(true),
		Notes:     session.NewNotificationLog(0),
		Redirects: &session.RedirectRecorder{},
	}
	synchronizer, err := session.New(session.Deps{
		Identity:  provider,
		Profiles:  d.cfg.Profiles,
		Cache:     d.cfg.CacheFor(id),
		Network:   dev.Network,
		Notifier:  dev.Notes,
		Navigator: dev.Redirects,
		Logger:    log,
		Metrics:   d.cfg.Metrics,
	}, d.cfg.Session)
	if err != nil {
		provider.Close()
		return nil, err
	}
	dev.Session = synchronizer
	synchronizer.Start(d.ctx)
	log.Debug("device session started")
	return dev, nil
}

// evictLocked removes the n least recently used devices and returns them for
// closing outside the lock.
func (d *Devices) evictLocked(n int) []*Device {
	if n <= 0 {
		return nil
	}
	all := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		all = append(all, dev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastSeen.Before(all[j].lastSeen) })
	if n > len(all) {
		n = len(all)
	}
	for _, dev := range all[:n] {
		delete(d.devices, dev.ID)
	}
	return all[:n]
}

// Sweep closes device sessions idle for longer than IdleTTL and reports how
// many were closed.
func (d *Devices) Sweep() int {
	cutoff := d.cfg.Now().Add(-d.cfg.IdleTTL)
	var idle []*Device
	d.mu.Lock()
	for id, dev := range d.devices {
		if dev.lastSeen.Before(cutoff) {
			idle = append(idle, dev)
			delete(d.devices, id)
		}
	}
	d.mu.Unlock()

	closeAll(idle)
	if len(idle) > 0 {
		d.cfg.Logger.Debug("idle device sessions closed", zap.Int("count", len(idle)))
	}
	return len(idle)
}

func (d *Devices) sweepLoop() {
	interval := d.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

func closeAll(devices []*Device) {
	for _, dev := range devices {
		dev.close()
	}
}

func (d *Devices) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Close stops the sweep and every device session.
func (d *Devices) Close() {
	d.once.Do(func() { close(d.done) })

	d.mu.Lock()
	devices := d.devices
	d.devices = make(map[string]*Device)
	d.mu.Unlock()

	for _, dev := range devices {
		dev.close()
	}
}
