// Package le implements the connectivity adapter for Bluetooth Low
// Energy. The adapter is a GATT central: it scans for peripherals
// advertising the transport service, connects on demand, resolves the
// request/response characteristic pair, and exchanges opaque payloads
// through them. Outbound traffic flows through an async send queue
// drained by a single worker; data for peers that are not connected yet
// is buffered per device and flushed once the characteristics are
// resolved.
package le

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/internal/groutine"
	"github.com/srg/linkmux/internal/msgqueue"
	"github.com/srg/linkmux/internal/registry"
	"github.com/srg/linkmux/internal/ringchan"
)

// DefaultServiceID is the GATT service UUID peripherals advertise.
const DefaultServiceID = "ade3d529-c784-4f63-a987-eb69f70ee816"

const (
	defaultSendQueueCapacity = 128
	defaultPendingCapacity   = 32
	netEventCapacity         = 8
)

type lifecycle int

const (
	lifeUninitialized lifecycle = iota
	lifeInitialized
	lifeStarted
	lifeStopped
	lifeTerminated
)

// Options configures an Adapter.
type Options struct {
	// ServiceID is the GATT service UUID to scan for and advertise.
	// Defaults to DefaultServiceID.
	ServiceID string

	// SendQueueCapacity bounds the outbound queue.
	SendQueueCapacity int

	// PendingCapacity bounds the per-device buffer for data queued
	// before the peer's characteristics are resolved.
	PendingCapacity int

	Logger *logrus.Logger
}

type netEvent struct {
	local  ca.Endpoint
	status ca.NetworkStatus
}

// Adapter is the BLE connectivity adapter. It implements ca.Adapter
// toward the upper layer and Events toward the platform.
type Adapter struct {
	platform   Platform
	logger     *logrus.Logger
	serviceID  string
	pendingCap int
	sendQueue  *msgqueue.Queue

	// adverts caches the latest advertisement per BD address. Scan
	// callbacks arrive at high rate on the platform goroutine while the
	// send worker reads concurrently, hence the lock-free map.
	adverts *hashmap.Map[string, Advertisement]

	mu      sync.Mutex // guards devices, life, handler
	devices *registry.Registry
	life    lifecycle
	handler ca.Handler

	localMu sync.Mutex
	local   *ca.Endpoint

	events     *ringchan.RingChannel[netEvent]
	notifyDone chan struct{}
}

var (
	_ ca.Adapter = (*Adapter)(nil)
	_ Events     = (*Adapter)(nil)
)

// New creates a BLE adapter on top of the given platform.
func New(platform Platform, opts *Options) *Adapter {
	if opts == nil {
		opts = &Options{}
	}
	serviceID := opts.ServiceID
	if serviceID == "" {
		serviceID = DefaultServiceID
	}
	sendCap := opts.SendQueueCapacity
	if sendCap <= 0 {
		sendCap = defaultSendQueueCapacity
	}
	pendingCap := opts.PendingCapacity
	if pendingCap <= 0 {
		pendingCap = defaultPendingCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Adapter{
		platform:   platform,
		logger:     logger,
		serviceID:  serviceID,
		pendingCap: pendingCap,
		sendQueue:  msgqueue.New("le-send-worker", sendCap, logger),
		adverts:    hashmap.New[string, Advertisement](),
		devices:    registry.New(),
	}
}

// Initialize prepares the BLE stack and registers the upper-layer
// handler. When the radio is off it returns ca.ErrAdapterNotEnabled;
// the adapter stays usable and recovers through OnAdapterStateChanged.
func (a *Adapter) Initialize(handler ca.Handler) error {
	if handler == nil {
		return ca.Errorf(ca.InvalidParam, "handler is required")
	}

	a.mu.Lock()
	if a.life != lifeUninitialized && a.life != lifeTerminated {
		a.mu.Unlock()
		return ca.Errorf(ca.Failed, "adapter is already initialized")
	}
	a.handler = handler
	a.life = lifeInitialized
	a.mu.Unlock()

	if err := a.platform.Initialize(); err != nil {
		return ca.Errorf(ca.Failed, "BLE stack initialization failed: %v", err)
	}
	a.platform.SetEvents(a)
	a.startNotifier()

	if !a.platform.Enabled() {
		return ca.ErrAdapterNotEnabled
	}
	a.notifyNetworkStatus(ca.StatusUp)
	return nil
}

// Start begins scanning and launches the send worker.
func (a *Adapter) Start() error {
	a.mu.Lock()
	if a.life != lifeInitialized && a.life != lifeStopped {
		a.mu.Unlock()
		return ca.Errorf(ca.Failed, "adapter is not initialized")
	}
	a.mu.Unlock()

	if !a.platform.Enabled() {
		return ca.ErrAdapterNotEnabled
	}

	if !a.platform.IsScanning() {
		if err := a.platform.StartScan(a.serviceID); err != nil {
			return ca.Errorf(ca.Failed, "failed to start scanning: %v", err)
		}
	}

	if err := a.sendQueue.Start(a.processMessage); err != nil {
		return err
	}

	a.mu.Lock()
	a.life = lifeStarted
	a.mu.Unlock()
	return nil
}

// Stop stops the send worker and scanning. It never fails.
func (a *Adapter) Stop() error {
	a.sendQueue.Stop()

	if a.platform.IsScanning() {
		if err := a.platform.StopScan(); err != nil {
			a.logger.WithError(err).Warn("Failed to stop scanning")
		}
	}

	a.mu.Lock()
	if a.life == lifeStarted {
		a.life = lifeStopped
	}
	a.mu.Unlock()
	return nil
}

// Terminate stops everything, disconnects all peers, and releases the
// platform. Safe to call from any state.
func (a *Adapter) Terminate() {
	_ = a.Stop()
	_ = a.StopServer()

	a.mu.Lock()
	peers := a.devices.Snapshot()
	a.mu.Unlock()
	for _, dev := range peers {
		if dev.State == registry.StateConnected || dev.State == registry.StateConnecting {
			if err := a.platform.Disconnect(dev.Address); err != nil {
				a.logger.WithError(err).WithField("address", dev.Address).Debug("Disconnect failed during terminate")
			}
		}
	}

	a.platform.SetEvents(nil)
	a.platform.Terminate()

	a.mu.Lock()
	a.devices.Clear()
	a.handler = nil
	a.life = lifeTerminated
	a.mu.Unlock()

	a.adverts.Range(func(addr string, _ Advertisement) bool {
		a.adverts.Del(addr)
		return true
	})

	a.localMu.Lock()
	a.local = nil
	a.localMu.Unlock()

	a.stopNotifier()
}

// StartServer begins advertising the transport service so remote
// centrals can find this device.
func (a *Adapter) StartServer() error {
	if !a.platform.Enabled() {
		return ca.ErrAdapterNotEnabled
	}
	if err := a.platform.StartAdvertising(a.serviceID); err != nil {
		return ca.Errorf(ca.Failed, "failed to start advertising: %v", err)
	}
	return nil
}

// StopServer stops advertising.
func (a *Adapter) StopServer() error {
	return a.platform.StopAdvertising()
}

// SendUnicast queues data for one peer. The returned count is bytes
// accepted for async delivery, not bytes on the air.
func (a *Adapter) SendUnicast(address, serviceID string, data []byte) (int, error) {
	if address == "" || serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "remote address and service ID are required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportLE, Address: address, ServiceID: serviceID}, data)
}

// SendMulticast queues data for every known peer.
func (a *Adapter) SendMulticast(serviceID string, data []byte) (int, error) {
	if serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "service ID is required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportLE, ServiceID: serviceID}, data)
}

func (a *Adapter) enqueue(endpoint ca.Endpoint, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ca.Errorf(ca.InvalidParam, "data is required")
	}

	a.mu.Lock()
	life := a.life
	a.mu.Unlock()
	if life == lifeUninitialized || life == lifeTerminated {
		return 0, ca.Errorf(ca.Failed, "adapter is not initialized")
	}

	if err := a.sendQueue.Enqueue(endpoint, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// LocalEndpoint returns the local BD address, cached after first query.
func (a *Adapter) LocalEndpoint() (ca.Endpoint, error) {
	a.localMu.Lock()
	defer a.localMu.Unlock()

	if a.local != nil {
		return a.local.Clone(), nil
	}

	addr, err := a.platform.LocalAddress()
	if err != nil {
		return ca.Endpoint{}, ca.Errorf(ca.Failed, "failed to read local address: %v", err)
	}
	local := ca.Endpoint{Transport: ca.TransportLE, Address: addr}
	a.local = &local
	return local.Clone(), nil
}

// --- send worker ---

func (a *Adapter) processMessage(msg msgqueue.Message) {
	if msg.Endpoint.IsMulticast() {
		a.sendMulticastData(msg.Data)
		return
	}
	a.sendUnicastData(msg.Endpoint.Address, msg.Data)
}

// sendUnicastData runs on the send worker. Peers with resolved
// characteristics get a direct write; everything else is buffered and a
// connection is driven forward when an advertisement for the peer has
// been seen.
func (a *Adapter) sendUnicastData(address string, data []byte) {
	log := a.logger.WithField("address", address)

	a.mu.Lock()

	dev := a.devices.Find(address)
	if dev == nil {
		var err error
		dev, err = a.devices.Insert(address, a.serviceID, a.pendingCap)
		if err != nil {
			a.mu.Unlock()
			log.WithError(err).Error("Failed to register peer")
			return
		}
	}

	if dev.State == registry.StateConnected {
		a.mu.Unlock()
		if _, err := a.platform.Write(address, data); err != nil {
			log.WithError(err).Error("Characteristic write failed")
		}
		return
	}

	if err := dev.Pending.Append(data); err != nil {
		a.devices.Remove(address)
		a.mu.Unlock()
		log.WithError(err).Error("Pending buffer full, dropping peer")
		return
	}

	a.connectIfAdvertisedLocked(dev, log)
	a.mu.Unlock()
}

// sendMulticastData fans the payload out to every known peer: connected
// peers get a write, the rest get the payload buffered for their
// connect-time flush. Per-peer failures are isolated.
func (a *Adapter) sendMulticastData(data []byte) {
	type write struct{ address string }
	var writes []write

	a.mu.Lock()
	for _, dev := range a.devices.Snapshot() {
		if dev.State == registry.StateConnected {
			writes = append(writes, write{address: dev.Address})
			continue
		}
		if err := dev.Pending.Append(data); err != nil {
			a.logger.WithError(err).WithField("address", dev.Address).Warn("Pending buffer full, multicast payload dropped for peer")
			continue
		}
		a.connectIfAdvertisedLocked(dev, a.logger.WithField("address", dev.Address))
	}
	a.mu.Unlock()

	for _, w := range writes {
		if _, err := a.platform.Write(w.address, data); err != nil {
			a.logger.WithError(err).WithField("address", w.address).Error("Multicast write failed")
		}
	}
}

// connectIfAdvertisedLocked initiates a connection to a discovered peer
// once an advertisement carrying the transport service has been seen.
// Peers without a cached advertisement stay in the discovered state and
// are picked up by OnDeviceDiscovered. Caller holds a.mu.
func (a *Adapter) connectIfAdvertisedLocked(dev *registry.Device, log *logrus.Entry) {
	if dev.State != registry.StateDiscovered {
		return
	}
	adv, ok := a.adverts.Get(dev.Address)
	if !ok || !advertisesService(adv, a.serviceID) {
		return
	}
	if err := a.platform.Connect(dev.Address); err != nil {
		log.WithError(err).Warn("Connection initiation failed")
		return
	}
	dev.State = registry.StateConnecting
}

// --- platform events ---

// OnAdapterStateChanged tracks the radio power state. Powering off
// invalidates every connection, so the peer table is cleared.
func (a *Adapter) OnAdapterStateChanged(enabled bool) {
	if enabled {
		a.notifyNetworkStatus(ca.StatusUp)
		return
	}

	a.mu.Lock()
	a.devices.Clear()
	a.mu.Unlock()
	a.notifyNetworkStatus(ca.StatusDown)
}

// OnDeviceDiscovered caches the advertisement and drives forward any
// peer that has buffered data waiting for this device to appear.
func (a *Adapter) OnDeviceDiscovered(adv Advertisement) {
	a.adverts.Set(adv.Address, adv)

	if !advertisesService(adv, a.serviceID) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.devices.Find(adv.Address)
	if dev == nil {
		return
	}
	a.connectIfAdvertisedLocked(dev, a.logger.WithField("address", adv.Address))
}

// OnConnected starts characteristic discovery. The peer is writable
// only after OnServicesDiscovered reports success.
func (a *Adapter) OnConnected(address string) {
	log := a.logger.WithField("address", address)
	log.Info("Peripheral connected")

	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.devices.Find(address)
	if dev == nil {
		var err error
		dev, err = a.devices.Insert(address, a.serviceID, a.pendingCap)
		if err != nil {
			log.WithError(err).Error("Failed to register connected peer")
			return
		}
	}

	dev.State = registry.StateServiceSearching
	if err := a.platform.DiscoverServices(address, a.serviceID); err != nil {
		log.WithError(err).Error("Service discovery initiation failed, dropping peer")
		a.devices.Remove(address)
		if derr := a.platform.Disconnect(address); derr != nil {
			log.WithError(derr).Debug("Disconnect after discovery failure failed")
		}
	}
}

// OnDisconnected evicts the peer. Buffered data is discarded with it.
func (a *Adapter) OnDisconnected(address string) {
	a.logger.WithField("address", address).Info("Peripheral disconnected")

	a.mu.Lock()
	a.devices.Remove(address)
	a.mu.Unlock()
}

// OnServicesDiscovered completes the connect sequence. On success the
// peer becomes writable and its buffered payloads are flushed in order;
// a flush failure discards the remainder. On failure the peer is
// dropped.
func (a *Adapter) OnServicesDiscovered(address string, err error) {
	log := a.logger.WithField("address", address)

	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.devices.Find(address)
	if dev == nil {
		return
	}

	if err != nil {
		log.WithError(err).Error("Service discovery failed, dropping peer")
		a.devices.Remove(address)
		if derr := a.platform.Disconnect(address); derr != nil {
			log.WithError(derr).Debug("Disconnect after discovery failure failed")
		}
		return
	}

	dev.ServiceSearched = true
	dev.State = registry.StateConnected
	log.Info("Characteristics resolved")

	for dev.Pending.Len() > 0 {
		data := dev.Pending.Front()
		if _, werr := a.platform.Write(address, data); werr != nil {
			log.WithError(werr).Error("Pending flush failed, discarding remainder")
			dev.Pending.RemoveAll()
			break
		}
		dev.Pending.RemoveFront()
	}
}

// OnDataReceived forwards a notification payload to the upper layer.
func (a *Adapter) OnDataReceived(address string, data []byte) {
	a.mu.Lock()
	dev := a.devices.Find(address)
	handler := a.handler
	a.mu.Unlock()

	if dev == nil || handler == nil {
		a.logger.WithField("address", address).Debug("Dropping data from unknown peripheral")
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	handler.OnPacketReceived(ca.Endpoint{Transport: ca.TransportLE, Address: address, ServiceID: dev.ServiceID}, cp)
}

// --- network status notification ---

func (a *Adapter) notifyNetworkStatus(status ca.NetworkStatus) {
	local, err := a.LocalEndpoint()
	if err != nil {
		a.logger.WithError(err).Error("Failed to resolve local endpoint for status event")
		return
	}

	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	if events == nil {
		return
	}
	events.ForceSend(netEvent{local: local.Clone(), status: status})
}

func (a *Adapter) startNotifier() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events != nil {
		return
	}

	a.events = ringchan.New[netEvent](netEventCapacity)
	a.notifyDone = make(chan struct{})

	events, done := a.events, a.notifyDone
	groutine.Go(nil, "le-status-notifier", func(ctx context.Context) {
		defer close(done)
		for ev := range events.C() {
			a.mu.Lock()
			handler := a.handler
			a.mu.Unlock()
			if handler != nil {
				handler.OnNetworkStatusChanged(ev.local, ev.status)
			}
		}
	})
}

func (a *Adapter) stopNotifier() {
	a.mu.Lock()
	events, done := a.events, a.notifyDone
	a.events = nil
	a.notifyDone = nil
	a.mu.Unlock()

	if events == nil {
		return
	}
	events.Close()
	<-done
}
