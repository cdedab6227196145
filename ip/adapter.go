// Package ip implements the connectivity adapter for WiFi UDP: a unicast
// socket, a multicast group membership, async send and receive queues each
// drained by a dedicated worker, and listener goroutines feeding inbound
// datagrams into the receive path.
package ip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/config"
	"github.com/srg/linkmux/internal/groutine"
	"github.com/srg/linkmux/internal/msgqueue"
	"github.com/srg/linkmux/internal/ringchan"
	"golang.org/x/net/ipv4"
)

const netEventCapacity = 8

// Options configures an Adapter. Ports and bounds default from
// config.Default when Config is nil.
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
}

type netEvent struct {
	local  ca.Endpoint
	status ca.NetworkStatus
}

// listenTask tracks one listener goroutine (unicast or multicast).
// Stop is cooperative: the flag is checked at loop-top and a read deadline
// unblocks the pending read, so a listener mid-delivery finishes that one
// datagram before observing stop.
type listenTask struct {
	name    string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Adapter is the WiFi UDP connectivity adapter. UDP is connectionless, so
// there is no device registry or pending buffering here; the shared queue
// machinery carries both directions instead.
type Adapter struct {
	cfg    *config.Config
	logger *logrus.Logger

	sendQueue *msgqueue.Queue
	recvQueue *msgqueue.Queue

	mu          sync.Mutex // guards lifecycle fields below
	handler     ca.Handler
	unicast     *net.UDPConn
	multicast   *net.UDPConn
	group       *net.UDPAddr
	uniTask     listenTask
	mcastTask   listenTask
	initialized bool

	localMu sync.Mutex
	local   *ca.Endpoint

	events     *ringchan.RingChannel[netEvent]
	notifyDone chan struct{}
}

var _ ca.Adapter = (*Adapter)(nil)

// New creates a UDP adapter.
func New(opts *Options) *Adapter {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Adapter{
		cfg:       cfg,
		logger:    logger,
		sendQueue: msgqueue.New("ip-send-worker", cfg.SendQueueCapacity, logger),
		recvQueue: msgqueue.New("ip-recv-worker", cfg.ReceiveQueueCapacity, logger),
		uniTask:   listenTask{name: "ip-unicast-listener"},
		mcastTask: listenTask{name: "ip-multicast-listener"},
	}
}

// Initialize binds the unicast socket, joins the multicast group, and
// registers the upper-layer handler.
func (a *Adapter) Initialize(handler ca.Handler) error {
	if handler == nil {
		return ca.Errorf(ca.InvalidParam, "handler is required")
	}

	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return ca.Errorf(ca.Failed, "adapter is already initialized")
	}
	a.mu.Unlock()

	group := &net.UDPAddr{
		IP:   net.ParseIP(a.cfg.MulticastAddr),
		Port: a.cfg.MulticastPort,
	}
	if group.IP == nil {
		return ca.Errorf(ca.InvalidParam, "invalid multicast address %q", a.cfg.MulticastAddr)
	}

	unicast, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.cfg.UnicastPort})
	if err != nil {
		return ca.Errorf(ca.Failed, "failed to bind unicast socket: %v", err)
	}

	multicast, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.cfg.MulticastPort})
	if err != nil {
		_ = unicast.Close()
		return ca.Errorf(ca.Failed, "failed to bind multicast socket: %v", err)
	}

	pc := ipv4.NewPacketConn(multicast)
	joined := false
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err == nil {
			joined = true
		}
	}
	if !joined {
		// Fall back to the default interface.
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			a.logger.WithError(err).Warn("Failed to join multicast group")
		}
	}

	a.mu.Lock()
	a.handler = handler
	a.unicast = unicast
	a.multicast = multicast
	a.group = group
	a.initialized = true
	a.mu.Unlock()

	a.startNotifier()
	a.notifyNetworkStatus(ca.StatusUp)

	a.logger.WithFields(logrus.Fields{
		"unicast":   unicast.LocalAddr().String(),
		"multicast": fmt.Sprintf("%s:%d", a.cfg.MulticastAddr, a.cfg.MulticastPort),
	}).Info("UDP adapter initialized")
	return nil
}

// Start launches the send and receive workers.
func (a *Adapter) Start() error {
	a.mu.Lock()
	ok := a.initialized
	a.mu.Unlock()
	if !ok {
		return ca.Errorf(ca.Failed, "adapter is not initialized")
	}

	if err := a.sendQueue.Start(a.processOutbound); err != nil {
		return err
	}
	if err := a.recvQueue.Start(a.processInbound); err != nil {
		a.sendQueue.Stop()
		return err
	}
	return nil
}

// Stop stops both workers. It does not fail if already stopped.
func (a *Adapter) Stop() error {
	a.sendQueue.Stop()
	a.recvQueue.Stop()
	return nil
}

// Terminate stops servers and workers, closes the sockets, and frees the
// local-endpoint cache. Safe to call from any state.
func (a *Adapter) Terminate() {
	_ = a.StopServer()
	_ = a.Stop()

	a.mu.Lock()
	if a.unicast != nil {
		_ = a.unicast.Close()
		a.unicast = nil
	}
	if a.multicast != nil {
		_ = a.multicast.Close()
		a.multicast = nil
	}
	a.handler = nil
	a.initialized = false
	a.mu.Unlock()

	a.localMu.Lock()
	a.local = nil
	a.localMu.Unlock()

	a.stopNotifier()
}

// StartServer launches the unicast and multicast listener goroutines.
// Idempotent: listeners already running are left alone.
func (a *Adapter) StartServer() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return ca.Errorf(ca.Failed, "adapter is not initialized")
	}

	a.startListenerLocked(&a.uniTask, a.unicast, false)
	a.startListenerLocked(&a.mcastTask, a.multicast, true)
	return nil
}

// StopServer signals both listeners and waits for them to exit.
func (a *Adapter) StopServer() error {
	a.mu.Lock()
	uniDone := a.stopListenerLocked(&a.uniTask, a.unicast)
	mcastDone := a.stopListenerLocked(&a.mcastTask, a.multicast)
	a.mu.Unlock()

	if uniDone != nil {
		<-uniDone
	}
	if mcastDone != nil {
		<-mcastDone
	}
	return nil
}

// SendUnicast queues a datagram for one peer. The address may carry an
// explicit port ("host:port"); otherwise the configured unicast port is
// used. The returned count is bytes accepted for async send.
func (a *Adapter) SendUnicast(address, serviceID string, data []byte) (int, error) {
	if address == "" || serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "remote address and service ID are required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportIP, Address: address, ServiceID: serviceID}, data)
}

// SendMulticast queues a datagram for the multicast group.
func (a *Adapter) SendMulticast(serviceID string, data []byte) (int, error) {
	if serviceID == "" {
		return 0, ca.Errorf(ca.InvalidParam, "service ID is required")
	}
	return a.enqueue(ca.Endpoint{Transport: ca.TransportIP, ServiceID: serviceID}, data)
}

func (a *Adapter) enqueue(endpoint ca.Endpoint, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, ca.Errorf(ca.InvalidParam, "data is required")
	}

	a.mu.Lock()
	ok := a.initialized
	a.mu.Unlock()
	if !ok {
		return 0, ca.Errorf(ca.Failed, "adapter is not initialized")
	}

	if err := a.sendQueue.Enqueue(endpoint, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// LocalEndpoint returns the first non-loopback IPv4 address, cached lazily.
func (a *Adapter) LocalEndpoint() (ca.Endpoint, error) {
	a.localMu.Lock()
	defer a.localMu.Unlock()

	if a.local != nil {
		return a.local.Clone(), nil
	}

	addr, err := localIPv4()
	if err != nil {
		return ca.Endpoint{}, err
	}
	local := ca.Endpoint{Transport: ca.TransportIP, Address: addr}
	a.local = &local
	return local.Clone(), nil
}

// QueuedSends reports how many datagrams are waiting in the send queue.
func (a *Adapter) QueuedSends() int {
	return a.sendQueue.Len()
}

// UnicastAddr reports the bound unicast socket address, nil before
// Initialize. Useful when the configured port is 0 (ephemeral).
func (a *Adapter) UnicastAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unicast == nil {
		return nil
	}
	return a.unicast.LocalAddr()
}

// --- outbound path (send worker) ---

func (a *Adapter) processOutbound(msg msgqueue.Message) {
	a.mu.Lock()
	conn := a.unicast
	group := a.group
	a.mu.Unlock()
	if conn == nil {
		return
	}

	var dst *net.UDPAddr
	if msg.Endpoint.IsMulticast() {
		dst = group
	} else {
		addr, err := a.resolveDestination(msg.Endpoint.Address)
		if err != nil {
			a.logger.WithError(err).WithField("address", msg.Endpoint.Address).Error("Failed to resolve destination")
			return
		}
		dst = addr
	}

	if _, err := conn.WriteToUDP(msg.Data, dst); err != nil {
		a.logger.WithError(err).WithField("destination", dst.String()).Error("Failed to send datagram")
	}
}

// resolveDestination accepts "host" (configured unicast port) or
// "host:port".
func (a *Adapter) resolveDestination(address string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(address)
	port := a.cfg.UnicastPort
	if err != nil {
		host = address
	} else {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, ca.Errorf(ca.InvalidParam, "invalid port in address %q", address)
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, ca.Errorf(ca.InvalidParam, "invalid IP address %q", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// --- inbound path (listeners + receive worker) ---

func (a *Adapter) startListenerLocked(task *listenTask, conn *net.UDPConn, skipLocal bool) {
	if task.running {
		a.logger.WithField("listener", task.name).Debug("Listener already running")
		return
	}

	task.stop = make(chan struct{})
	task.done = make(chan struct{})
	task.running = true

	stop, done := task.stop, task.done
	name := task.name
	groutine.Go(nil, name, func(ctx context.Context) {
		defer close(done)
		a.listenLoop(conn, stop, skipLocal)

		// A listener that exits on its own (closed socket) must not
		// leave the task marked running, or a later StartServer would
		// silently no-op. Guard on the stop channel so a stop/start
		// cycle that already replaced the task is left alone.
		a.mu.Lock()
		if task.running && task.stop == stop {
			task.running = false
			a.logger.WithField("listener", name).Warn("Listener exited")
		}
		a.mu.Unlock()
	})
}

func (a *Adapter) stopListenerLocked(task *listenTask, conn *net.UDPConn) chan struct{} {
	if !task.running {
		return nil
	}
	close(task.stop)
	if conn != nil {
		// Unblock the pending read so the stop flag is observed.
		_ = conn.SetReadDeadline(time.Now())
	}
	task.running = false
	return task.done
}

func (a *Adapter) listenLoop(conn *net.UDPConn, stop <-chan struct{}, skipLocal bool) {
	buf := make([]byte, a.cfg.RecvBufferSize)

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Stale deadline from a previous stop; clear and retry.
				_ = conn.SetReadDeadline(time.Time{})
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				a.logger.WithError(err).Debug("Listener socket closed")
				return
			}
			// Transient receive errors (ICMP port unreachable and the
			// like) must not kill the receive path.
			a.logger.WithError(err).Debug("Listener read failed")
			continue
		}
		if n == 0 {
			continue
		}

		sender := src.IP.String()
		if skipLocal && a.isLocalAddress(sender) {
			a.logger.Debug("Skipping local request via multicast")
			continue
		}

		remote := ca.Endpoint{Transport: ca.TransportIP, Address: sender}
		if err := a.recvQueue.Enqueue(remote, buf[:n]); err != nil {
			a.logger.WithError(err).Warn("Receive queue full, datagram dropped")
		}
	}
}

func (a *Adapter) processInbound(msg msgqueue.Message) {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	handler.OnPacketReceived(msg.Endpoint, msg.Data)
}

func (a *Adapter) isLocalAddress(address string) bool {
	local, err := a.LocalEndpoint()
	if err != nil {
		return false
	}
	return local.Address == address
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
	groutine.Go(nil, "ip-status-notifier", func(ctx context.Context) {
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

// localIPv4 returns the first non-loopback IPv4 interface address.
func localIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ca.Errorf(ca.Failed, "failed to enumerate interfaces: %v", err)
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}
	return "", ca.Errorf(ca.Failed, "no non-loopback IPv4 interface found")
}
