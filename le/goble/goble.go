// Package goble implements le.Platform on top of the go-ble stack for
// Linux hosts.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/internal/groutine"
	"github.com/srg/linkmux/le"
)

// RequestCharUUID is the writable characteristic carrying central to
// peripheral payloads.
const RequestCharUUID = "ad7b334f-4637-4b86-90b6-9d787f03d218"

// ResponseCharUUID is the notify characteristic carrying peripheral to
// central payloads.
const ResponseCharUUID = "e9241982-4580-42c4-8831-95048216b256"

// BLE writes beyond the default ATT MTU are chunked.
const maxChunkSize = 20

// DeviceFactory creates the host BLE device (overridable in tests).
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Options configures Platform.
type Options struct {
	// LocalName is advertised when acting as a peripheral.
	LocalName string

	// LocalAddress is the BD address reported for the local endpoint.
	// The go-ble device interface does not expose it, so it has to be
	// supplied when known.
	LocalAddress string

	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration

	Logger *logrus.Logger
}

// peer is one connected peripheral with its resolved characteristics.
type peer struct {
	client   ble.Client
	request  *ble.Characteristic
	response *ble.Characteristic
	writeMu  sync.Mutex
}

// Platform drives the go-ble stack and reports through le.Events.
type Platform struct {
	opts   Options
	logger *logrus.Logger

	mu          sync.Mutex
	device      ble.Device
	events      le.Events
	peers       map[string]*peer
	scanCancel  context.CancelFunc
	scanDone    chan struct{}
	advCancel   context.CancelFunc
	advDone     chan struct{}
	initialized bool
}

var _ le.Platform = (*Platform)(nil)

// New creates a go-ble backed platform.
func New(opts *Options) *Platform {
	if opts == nil {
		opts = &Options{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.LocalName == "" {
		opts.LocalName = "linkmux"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Platform{
		opts:   *opts,
		logger: logger,
		peers:  make(map[string]*peer),
	}
}

func (p *Platform) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	d, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(d)

	p.device = d
	p.initialized = true
	return nil
}

func (p *Platform) Terminate() {
	_ = p.StopScan()
	_ = p.StopAdvertising()

	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*peer)
	device := p.device
	p.device = nil
	p.initialized = false
	p.mu.Unlock()

	for addr, pr := range peers {
		if err := pr.client.CancelConnection(); err != nil {
			p.logger.WithError(err).WithField("address", addr).Debug("Error closing connection")
		}
	}
	if device != nil {
		_ = device.Stop()
	}
}

func (p *Platform) SetEvents(events le.Events) {
	p.mu.Lock()
	p.events = events
	p.mu.Unlock()
}

// Enabled reports whether the host device came up. go-ble offers no
// radio state query beyond device creation succeeding.
func (p *Platform) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *Platform) LocalAddress() (string, error) {
	if p.opts.LocalAddress == "" {
		return "", ca.Errorf(ca.NotSupported, "local BD address not configured")
	}
	return p.opts.LocalAddress, nil
}

// StartScan runs ble.Scan on a dedicated goroutine until StopScan.
// Only advertisements carrying the service UUID pass the filter.
func (p *Platform) StartScan(serviceID string) error {
	target, err := ble.Parse(serviceID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", serviceID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("platform is not initialized")
	}
	if p.scanCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.scanCancel = cancel
	p.scanDone = done

	filter := func(adv ble.Advertisement) bool {
		for _, u := range adv.Services() {
			if u.Equal(target) {
				return true
			}
		}
		return false
	}

	groutine.Go(nil, "goble-scan", func(gctx context.Context) {
		defer close(done)
		err := ble.Scan(ctx, true, p.handleAdvertisement, filter)
		if err != nil && err != context.Canceled {
			p.logger.WithError(err).Warn("Scan terminated")
		}
	})
	return nil
}

func (p *Platform) StopScan() error {
	p.mu.Lock()
	cancel, done := p.scanCancel, p.scanDone
	p.scanCancel = nil
	p.scanDone = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *Platform) IsScanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanCancel != nil
}

func (p *Platform) handleAdvertisement(adv ble.Advertisement) {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, u.String())
	}

	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events == nil {
		return
	}

	events.OnDeviceDiscovered(le.Advertisement{
		Address:    adv.Addr().String(),
		Name:       adv.LocalName(),
		ServiceIDs: services,
		RSSI:       adv.RSSI(),
	})
}

// Connect dials asynchronously. Success arrives via OnConnected; an
// async dial failure is reported as OnDisconnected so the caller can
// evict the peer.
func (p *Platform) Connect(address string) error {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("platform is not initialized")
	}
	if _, ok := p.peers[address]; ok {
		p.mu.Unlock()
		return fmt.Errorf("already connected to %s", address)
	}
	p.mu.Unlock()

	groutine.Go(nil, "goble-dial-"+address, func(gctx context.Context) {
		connCtx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
		defer cancel()

		client, err := ble.Dial(connCtx, ble.NewAddr(address))
		if err != nil {
			p.logger.WithError(err).WithField("address", address).Warn("Dial failed")
			p.emitDisconnected(address)
			return
		}

		p.mu.Lock()
		p.peers[address] = &peer{client: client}
		events := p.events
		p.mu.Unlock()

		groutine.Go(nil, "goble-disconnect-watch-"+address, func(context.Context) {
			<-client.Disconnected()
			p.mu.Lock()
			delete(p.peers, address)
			p.mu.Unlock()
			p.emitDisconnected(address)
		})

		if events != nil {
			events.OnConnected(address)
		}
	})
	return nil
}

func (p *Platform) Disconnect(address string) error {
	p.mu.Lock()
	pr := p.peers[address]
	delete(p.peers, address)
	p.mu.Unlock()

	if pr == nil {
		return nil
	}
	return pr.client.CancelConnection()
}

// DiscoverServices resolves the request and response characteristics of
// the target service and subscribes to response notifications. Runs
// asynchronously; completion arrives via OnServicesDiscovered.
func (p *Platform) DiscoverServices(address, serviceID string) error {
	target, err := ble.Parse(serviceID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", serviceID, err)
	}

	p.mu.Lock()
	pr := p.peers[address]
	p.mu.Unlock()
	if pr == nil {
		return fmt.Errorf("not connected to %s", address)
	}

	groutine.Go(nil, "goble-discover-"+address, func(gctx context.Context) {
		p.emitServicesDiscovered(address, p.resolveCharacteristics(address, pr, target))
	})
	return nil
}

func (p *Platform) resolveCharacteristics(address string, pr *peer, target ble.UUID) error {
	profile, err := pr.client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	var service *ble.Service
	for _, s := range profile.Services {
		if s.UUID.Equal(target) {
			service = s
			break
		}
	}
	if service == nil {
		return fmt.Errorf("service %s not found", target.String())
	}

	requestUUID := ble.MustParse(RequestCharUUID)
	responseUUID := ble.MustParse(ResponseCharUUID)

	var request, response *ble.Characteristic
	for _, char := range service.Characteristics {
		switch {
		case char.UUID.Equal(requestUUID):
			request = char
		case char.UUID.Equal(responseUUID):
			response = char
		}
	}
	if request == nil || response == nil {
		return fmt.Errorf("request/response characteristics not found on %s", address)
	}

	if err := pr.client.Subscribe(response, false, func(data []byte) {
		p.mu.Lock()
		events := p.events
		p.mu.Unlock()
		if events != nil {
			events.OnDataReceived(address, data)
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to response characteristic: %w", err)
	}

	p.mu.Lock()
	pr.request = request
	pr.response = response
	p.mu.Unlock()
	return nil
}

// Write sends data through the request characteristic, chunked to the
// ATT payload size.
func (p *Platform) Write(address string, data []byte) (int, error) {
	p.mu.Lock()
	pr := p.peers[address]
	var request *ble.Characteristic
	if pr != nil {
		// pr.request is written by resolveCharacteristics under p.mu;
		// snapshot it here rather than racing that store.
		request = pr.request
	}
	p.mu.Unlock()

	if pr == nil || request == nil {
		return 0, fmt.Errorf("no writable connection to %s", address)
	}

	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()

	total := 0
	remaining := data
	for len(remaining) > 0 {
		chunk := remaining
		if len(chunk) > maxChunkSize {
			chunk = chunk[:maxChunkSize]
		}
		if err := pr.client.WriteCharacteristic(request, chunk, false); err != nil {
			return total, fmt.Errorf("characteristic write failed: %w", err)
		}
		total += len(chunk)
		remaining = remaining[len(chunk):]

		if len(remaining) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return total, nil
}

// StartAdvertising makes the device discoverable under the service UUID.
func (p *Platform) StartAdvertising(serviceID string) error {
	target, err := ble.Parse(serviceID)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", serviceID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("platform is not initialized")
	}
	if p.advCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.advCancel = cancel
	p.advDone = done
	name := p.opts.LocalName

	groutine.Go(nil, "goble-advertise", func(gctx context.Context) {
		defer close(done)
		err := ble.AdvertiseNameAndServices(ctx, name, target)
		if err != nil && err != context.Canceled {
			p.logger.WithError(err).Warn("Advertising terminated")
		}
	})
	return nil
}

func (p *Platform) StopAdvertising() error {
	p.mu.Lock()
	cancel, done := p.advCancel, p.advDone
	p.advCancel = nil
	p.advDone = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *Platform) emitDisconnected(address string) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events != nil {
		events.OnDisconnected(address)
	}
}

func (p *Platform) emitServicesDiscovered(address string, err error) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	if events != nil {
		events.OnServicesDiscovered(address, err)
	}
}
