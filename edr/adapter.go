// Package edr implements the connectivity adapter for Bluetooth classic
// RFCOMM: device registry, pending-data buffering while connections come
// up, an async send queue drained by a dedicated worker, and the
// discovery/connection state machine fed by platform events.
package edr

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/internal/groutine"
	"github.com/srg/linkmux/internal/msgqueue"
	"github.com/srg/linkmux/internal/registry"
	"github.com/srg/linkmux/internal/ringchan"
)

// DefaultServiceID is the RFCOMM service record the adapter searches for
// and serves when no other identifier is configured.
const DefaultServiceID = "12341234-1234-1234-1234-123456789b1b"

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
	ServiceID         string         // service identifier, DefaultServiceID if empty
	SendQueueCapacity int            // bound of the async send queue (0 = default)
	PendingCapacity   int            // per-device pending-data bound (0 = default)
	Logger            *logrus.Logger // nil = new default logger
}

type netEvent struct {
	local  ca.Endpoint
	status ca.NetworkStatus
}

// Adapter is the Bluetooth classic connectivity adapter. One Adapter owns
// all of its state; multiple instances per process are fine.
//
// The registry mutex is the single serialization point for device-state
// transitions: platform callbacks, the send worker, and the public send
// entry points all acquire it for any read-modify-write on a device. The
// connect-time pending flush writes while holding it, which serializes a
// racing direct send behind the flush and keeps per-device FIFO order.
type Adapter struct {
	platform  Platform
	logger    *logrus.Logger
	serviceID string

	pendingCap int
	sendQueue  *msgqueue.Queue

	mu       sync.Mutex // guards devices, life, handler, serverID
	devices  *registry.Registry
	life     lifecycle
	handler  ca.Handler
	serverID int

	localMu sync.Mutex
	local   *ca.Endpoint // lazy cache, invalidated at Terminate

	events     *ringchan.RingChannel[netEvent]
	notifyDone chan struct{}
}

var _ ca.Adapter = (*Adapter)(nil)
var _ Events = (*Adapter)(nil)

// New creates an adapter over the given platform.
func New(platform Platform, opts *Options) *Adapter {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	serviceID := opts.ServiceID
	if serviceID == "" {
		serviceID = DefaultServiceID
	}
	sendCap := opts.SendQueueCapacity
	if sendCap == 0 {
		sendCap = defaultSendQueueCapacity
	}
	pendingCap := opts.PendingCapacity
	if pendingCap == 0 {
		pendingCap = defaultPendingCapacity
	}

	return &Adapter{
		platform:   platform,
		logger:     logger,
		serviceID:  serviceID,
		pendingCap: pendingCap,
		sendQueue:  msgqueue.New("edr-send-worker", sendCap, logger),
		devices:    registry.New(),
		serverID:   -1,
	}
}

// Initialize wires platform callbacks and queries the radio power state.
// With the radio off it still succeeds structurally but returns
// ErrAdapterNotEnabled and does not announce the interface.
func (a *Adapter) Initialize(handler ca.Handler) error {
	if handler == nil {
		return ca.Errorf(ca.InvalidParam, "handler is required")
	}

	if err := a.platform.Initialize(); err != nil {
		return ca.Errorf(ca.Failed, "bluetooth initialization failed: %v", err)
	}
	a.platform.SetEvents(a)

	a.mu.Lock()
	a.handler = handler
	a.life = lifeInitialized
	a.mu.Unlock()

	a.startNotifier()

	if !a.platform.Enabled() {
		a.logger.Warn("Bluetooth adapter is disabled")
		return ca.ErrAdapterNotEnabled
	}

	a.notifyNetworkStatus(ca.StatusUp)
	return nil
}

// Start begins discovery (skipped if one is already running) and launches
// the send worker.
func (a *Adapter) Start() error {
	a.mu.Lock()
	if a.life == lifeUninitialized || a.life == lifeTerminated {
		a.mu.Unlock()
		return ca.Errorf(ca.Failed, "adapter is not initialized")
	}
	a.mu.Unlock()

	if !a.platform.Enabled() {
		return ca.ErrAdapterNotEnabled
	}

	discovering, err := a.platform.IsDiscovering()
	if err != nil {
		return ca.Errorf(ca.Failed, "failed to get discovery state: %v", err)
	}
	if !discovering {
		if err := a.platform.StartDiscovery(); err != nil {
			return ca.Errorf(ca.Failed, "device discovery failed: %v", err)
		}
	}

	if err := a.sendQueue.Start(a.processMessage); err != nil {
		return err
	}

	a.mu.Lock()
	a.life = lifeStarted
	a.mu.Unlock()

	a.logger.Debug("EDR adapter started")
	return nil
}

// Stop signals the send worker to exit and cancels discovery. It does not
// fail if already stopped; the worker has exited by the time Stop returns.
func (a *Adapter) Stop() error {
	a.sendQueue.Stop()

	discovering, err := a.platform.IsDiscovering()
	if err != nil {
		a.logger.WithError(err).Error("Failed to get discovery state")
		return nil
	}
	if discovering {
		a.logger.Debug("Stopping device discovery")
		if err := a.platform.StopDiscovery(); err != nil {
			a.logger.WithError(err).Error("Failed to stop device discovery")
		}
	}

	a.mu.Lock()
	if a.life == lifeStarted {
		a.life = lifeStopped
	}
	a.mu.Unlock()
	return nil
}

// Terminate tears down callbacks, stops the worker, and frees the registry
// and the local-endpoint cache. Safe to call from any state.
func (a *Adapter) Terminate() {
	_ = a.Stop()

	a.platform.SetEvents(nil)
	a.platform.Terminate()

	a.mu.Lock()
	a.handler = nil
	a.devices.Clear()
	a.life = lifeTerminated
	a.mu.Unlock()

	a.localMu.Lock()
	a.local = nil
	a.localMu.Unlock()

	a.stopNotifier()
}

// StartServer begins accepting inbound RFCOMM connections for the service.
func (a *Adapter) StartServer() error {
	id, err := a.platform.StartServer(a.serviceID)
	if err != nil {
		return ca.Errorf(ca.Failed, "failed to start RFCOMM server: %v", err)
	}
	a.mu.Lock()
	a.serverID = id
	a.mu.Unlock()
	return nil
}

// StopServer stops the inbound listener.
func (a *Adapter) StopServer() error {
	a.mu.Lock()
	id := a.serverID
	a.serverID = -1
	a.mu.Unlock()

	if id < 0 {
		return nil
	}
	if err := a.platform.StopServer(id); err != nil {
		return ca.Errorf(ca.Failed, "failed to stop RFCOMM server: %v", err)
	}
	return nil
}

// SendUnicast queues data for one peer. The returned count is bytes
// accepted for async send, not bytes delivered.
func (a *Adapter) SendUnicast(address, serviceID string, data []byte) (int, error) {
	if address == "" || serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "remote address and service ID are required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportEDR, Address: address, ServiceID: serviceID}, data)
}

// SendMulticast queues data for fan-out to every known peer.
func (a *Adapter) SendMulticast(serviceID string, data []byte) (int, error) {
	if serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "service ID is required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportEDR, ServiceID: serviceID}, data)
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

// LocalEndpoint returns the adapter's own BD address, cached lazily.
func (a *Adapter) LocalEndpoint() (ca.Endpoint, error) {
	a.localMu.Lock()
	defer a.localMu.Unlock()

	if a.local != nil {
		return a.local.Clone(), nil
	}

	addr, err := a.platform.LocalAddress()
	if err != nil {
		return ca.Endpoint{}, ca.Errorf(ca.Failed, "failed to get local adapter address: %v", err)
	}
	local := ca.Endpoint{Transport: ca.TransportEDR, Address: addr}
	a.local = &local
	return local.Clone(), nil
}

// ReadData exists for contract parity with polled transports; RFCOMM data
// arrives through OnDataReceived instead.
func (a *Adapter) ReadData() error {
	return ca.ErrNotSupported
}

// processMessage runs on the send worker. Failures here are logged and
// resolved by state transition; nothing propagates past the worker.
func (a *Adapter) processMessage(msg msgqueue.Message) {
	if msg.Endpoint.IsMulticast() {
		a.sendMulticastData(msg.Endpoint.ServiceID, msg.Data)
		return
	}
	if err := a.sendUnicastData(msg.Endpoint.Address, msg.Endpoint.ServiceID, msg.Data); err != nil {
		a.logger.WithError(err).WithField("address", msg.Endpoint.Address).Error("Failed to send unicast data")
	}
}

// sendUnicastData resolves or creates the device, then either writes
// immediately on the open socket or buffers and drives the connect flow.
func (a *Adapter) sendUnicastData(address, serviceID string, data []byte) error {
	a.mu.Lock()

	dev := a.devices.Find(address)
	if dev == nil {
		var err error
		dev, err = a.devices.Insert(address, a.serviceID, a.pendingCap)
		if err != nil {
			a.mu.Unlock()
			return err
		}

		// Unseen address: verify the peer actually runs the service
		// before connecting. The device stays Discovered until the SDP
		// result arrives.
		if err := a.platform.SearchServices(address); err != nil {
			a.devices.Remove(address)
			a.mu.Unlock()
			return ca.Errorf(ca.Failed, "failed to initiate service search: %v", err)
		}
	}

	if !dev.Connected() {
		if err := dev.Pending.Append(data); err != nil {
			// Roll back the speculative insert: a device with no data
			// and no connect attempt in flight must not linger.
			a.devices.Remove(address)
			a.mu.Unlock()
			return err
		}

		if dev.ServiceSearched {
			dev.State = registry.StateConnecting
			if err := a.platform.Connect(address, serviceID); err != nil {
				a.devices.Remove(address)
				a.mu.Unlock()
				return ca.Errorf(ca.Failed, "failed to initiate RFCOMM connection: %v", err)
			}
		}
		a.mu.Unlock()
		return nil
	}

	socket := dev.Socket
	a.mu.Unlock()

	// Blocking platform write happens outside the registry lock.
	if _, err := a.platform.Write(socket, data); err != nil {
		return ca.Errorf(ca.Failed, "failed to send data: %v", err)
	}
	return nil
}

// sendMulticastData fans the payload out to the full registry snapshot.
// One device's failure never aborts the rest.
func (a *Adapter) sendMulticastData(serviceID string, data []byte) {
	type write struct {
		address string
		socket  int
	}
	var writes []write

	a.mu.Lock()
	for _, dev := range a.devices.Snapshot() {
		if dev.Connected() {
			writes = append(writes, write{address: dev.Address, socket: dev.Socket})
			continue
		}

		// Service search still running: skip now; the next send for this
		// device re-triggers the attempt.
		if !dev.ServiceSearched {
			a.logger.WithField("address", dev.Address).Debug("Device services still unknown, skipping")
			continue
		}

		if err := dev.Pending.Append(data); err != nil {
			a.logger.WithError(err).WithField("address", dev.Address).Error("Failed to buffer multicast data")
			continue
		}

		dev.State = registry.StateConnecting
		if err := a.platform.Connect(dev.Address, dev.ServiceID); err != nil {
			a.logger.WithError(err).WithField("address", dev.Address).Error("Failed to initiate RFCOMM connection")
			dev.Pending.RemoveFront()
			continue
		}
	}
	a.mu.Unlock()

	for _, w := range writes {
		if _, err := a.platform.Write(w.socket, data); err != nil {
			a.logger.WithError(err).WithField("address", w.address).Error("Failed to send multicast data")
		}
	}
}

// --- Events (platform callback goroutine) ---

// OnAdapterStateChanged announces the interface to the upper layer.
func (a *Adapter) OnAdapterStateChanged(enabled bool) {
	if enabled {
		a.notifyNetworkStatus(ca.StatusUp)
	} else {
		a.notifyNetworkStatus(ca.StatusDown)
	}
}

// OnDeviceDiscovered reacts to a scan hit. A peer advertising the target
// service is verified without an explicit SDP search; a peer without it
// never enters the registry, and is evicted if it somehow already did.
func (a *Adapter) OnDeviceDiscovered(address string, services []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !serviceSupported(services, a.serviceID) {
		a.logger.WithField("address", address).Debug("Device does not advertise target service")
		a.devices.Remove(address)
		return
	}

	if dev := a.devices.Find(address); dev != nil {
		// Re-confirmation of an already verified peer is a no-op.
		dev.ServiceSearched = true
		if dev.State == registry.StateDiscovered || dev.State == registry.StateServiceSearching {
			dev.State = registry.StateServiceVerified
		}
		return
	}

	dev, err := a.devices.Insert(address, a.serviceID, a.pendingCap)
	if err != nil {
		a.logger.WithError(err).WithField("address", address).Error("Failed to add discovered device")
		return
	}
	dev.ServiceSearched = true
	dev.State = registry.StateServiceVerified

	a.logger.WithField("address", address).Info("Discovered device advertising target service")
}

// OnServiceSearched resolves the SDP query: verified peers get an immediate
// connect attempt, unsupported peers are evicted.
func (a *Adapter) OnServiceSearched(address string, services []string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.devices.Find(address)
	if dev == nil {
		return
	}

	if dev.ServiceSearched {
		a.logger.WithField("address", address).Debug("Service already searched for device")
		return
	}

	if err != nil || !serviceSupported(services, a.serviceID) {
		a.logger.WithField("address", address).Debug("Device does not support target service")
		a.devices.Remove(address)
		return
	}

	dev.ServiceSearched = true
	dev.State = registry.StateServiceVerified
	if cerr := a.platform.Connect(address, dev.ServiceID); cerr != nil {
		a.logger.WithError(cerr).WithField("address", address).Error("Failed to initiate RFCOMM connection")
		a.devices.Remove(address)
		return
	}
	dev.State = registry.StateConnecting
}

// OnSocketConnected marks the device connected and flushes its pending data
// in FIFO order. A flush failure aborts the remainder and drops it; the
// upper layer retries at its own protocol level. The flush runs under the
// registry mutex so no concurrent sender can interleave with it.
func (a *Adapter) OnSocketConnected(address string, socket int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev := a.devices.Find(address)
	if dev == nil {
		// Inbound connection from a peer we never saw: register it so
		// received data can be attributed.
		var err error
		dev, err = a.devices.Insert(address, a.serviceID, a.pendingCap)
		if err != nil {
			a.logger.WithError(err).WithField("address", address).Error("Failed to register connected device")
			return
		}
		dev.ServiceSearched = true
	}

	dev.Socket = socket
	dev.State = registry.StateConnected

	for dev.Pending.Len() > 0 {
		if _, err := a.platform.Write(socket, dev.Pending.Front()); err != nil {
			a.logger.WithError(err).WithField("address", address).Error("Failed to send pending data")
			dev.Pending.RemoveAll()
			break
		}
		dev.Pending.RemoveFront()
	}
}

// OnSocketDisconnected evicts the device, whatever state it was in.
func (a *Adapter) OnSocketDisconnected(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices.Remove(address)
}

// OnDataReceived copies the payload and forwards it to the upper layer.
func (a *Adapter) OnDataReceived(socket int, data []byte) {
	if len(data) == 0 {
		return
	}

	a.mu.Lock()
	dev := a.devices.FindBySocket(socket)
	handler := a.handler
	var remote ca.Endpoint
	if dev != nil {
		remote = ca.Endpoint{Transport: ca.TransportEDR, Address: dev.Address, ServiceID: dev.ServiceID}
	}
	a.mu.Unlock()

	if dev == nil {
		a.logger.WithField("socket", socket).Error("Received data from unknown socket")
		return
	}
	if handler == nil {
		a.logger.Error("Packet received before handler registration")
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	handler.OnPacketReceived(remote, buf)
}

// --- network status notification ---

// notifyNetworkStatus queues a status event for the notifier goroutine.
// Delivery stays off the platform-callback goroutine so the handler can
// re-enter platform APIs safely.
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
	groutine.Go(nil, "edr-status-notifier", func(ctx context.Context) {
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
