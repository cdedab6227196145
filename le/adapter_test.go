package le

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testService = "ade3d529-c784-4f63-a987-eb69f70ee816"
	testAddr    = "AA:BB:CC:DD:EE:01"
	otherSvc    = "11111111-2222-3333-4444-555555555555"
)

// fakePlatform is an in-memory GATT stack. Methods record invocations;
// events are driven by the tests themselves.
type fakePlatform struct {
	mu          sync.Mutex
	events      Events
	enabled     bool
	scanning    bool
	advertising bool
	connects    []string
	discoveries []string
	disconnects []string
	writes      map[string][][]byte

	failConnect  map[string]bool
	failDiscover map[string]bool
	failWrite    map[string]bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		enabled:      true,
		writes:       make(map[string][][]byte),
		failConnect:  make(map[string]bool),
		failDiscover: make(map[string]bool),
		failWrite:    make(map[string]bool),
	}
}

func (p *fakePlatform) Initialize() error { return nil }
func (p *fakePlatform) Terminate()        {}

func (p *fakePlatform) SetEvents(events Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
}

func (p *fakePlatform) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *fakePlatform) LocalAddress() (string, error) { return "00:11:22:33:44:55", nil }

func (p *fakePlatform) StartScan(serviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanning = true
	return nil
}

func (p *fakePlatform) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanning = false
	return nil
}

func (p *fakePlatform) IsScanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanning
}

func (p *fakePlatform) Connect(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failConnect[address] {
		return errors.New("connect refused")
	}
	p.connects = append(p.connects, address)
	return nil
}

func (p *fakePlatform) Disconnect(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, address)
	return nil
}

func (p *fakePlatform) DiscoverServices(address, serviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDiscover[address] {
		return errors.New("discovery refused")
	}
	p.discoveries = append(p.discoveries, address)
	return nil
}

func (p *fakePlatform) Write(address string, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWrite[address] {
		return 0, errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes[address] = append(p.writes[address], cp)
	return len(data), nil
}

func (p *fakePlatform) StartAdvertising(serviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = true
	return nil
}

func (p *fakePlatform) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *fakePlatform) connectCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.connects {
		if a == address {
			n++
		}
	}
	return n
}

func (p *fakePlatform) discoveryCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.discoveries {
		if a == address {
			n++
		}
	}
	return n
}

func (p *fakePlatform) writesFor(address string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes[address]))
	copy(out, p.writes[address])
	return out
}

func (p *fakePlatform) disconnectCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.disconnects {
		if a == address {
			n++
		}
	}
	return n
}

type recordingHandler struct {
	mu       sync.Mutex
	packets  []receivedPacket
	statuses []ca.NetworkStatus
}

type receivedPacket struct {
	remote ca.Endpoint
	data   []byte
}

func (h *recordingHandler) OnPacketReceived(remote ca.Endpoint, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, receivedPacket{remote: remote, data: data})
}

func (h *recordingHandler) OnNetworkStatusChanged(local ca.Endpoint, status ca.NetworkStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHandler) statusCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.statuses)
}

func (h *recordingHandler) lastStatus() ca.NetworkStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statuses[len(h.statuses)-1]
}

func (h *recordingHandler) packetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func (h *recordingHandler) packet(i int) receivedPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets[i]
}

type LEAdapterTestSuite struct {
	suite.Suite
	platform *fakePlatform
	handler  *recordingHandler
	adapter  *Adapter
}

func (s *LEAdapterTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.platform = newFakePlatform()
	s.handler = &recordingHandler{}
	s.adapter = New(s.platform, &Options{ServiceID: testService, Logger: logger})
}

func (s *LEAdapterTestSuite) TearDownTest() {
	s.adapter.Terminate()
}

func (s *LEAdapterTestSuite) initAndStart() {
	s.Require().NoError(s.adapter.Initialize(s.handler))
	s.Require().NoError(s.adapter.Start())
}

func (s *LEAdapterTestSuite) eventually(cond func() bool) {
	s.Require().Eventually(cond, 2*time.Second, 5*time.Millisecond)
}

func (s *LEAdapterTestSuite) device(address string) *registry.Device {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	return s.adapter.devices.Find(address)
}

func (s *LEAdapterTestSuite) advertise(address string, services ...string) {
	s.adapter.OnDeviceDiscovered(Advertisement{Address: address, ServiceIDs: services, RSSI: -40})
}

// connectPeer walks a peer through the full connect sequence so tests
// can start from an established GATT link.
func (s *LEAdapterTestSuite) connectPeer(address string) {
	s.advertise(address, testService)
	_, err := s.adapter.SendUnicast(address, testService, []byte("open"))
	s.Require().NoError(err)
	s.eventually(func() bool { return s.platform.connectCount(address) == 1 })
	s.adapter.OnConnected(address)
	s.adapter.OnServicesDiscovered(address, nil)
	s.eventually(func() bool { return len(s.platform.writesFor(address)) == 1 })
}

// GOAL: verify the adapter lifecycle: sends are rejected before
// Initialize and after Terminate, Initialize reports the network up,
// Start begins scanning and launches the worker, Stop halts both.
func (s *LEAdapterTestSuite) TestLifecycle() {
	_, err := s.adapter.SendUnicast(testAddr, testService, []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrFailed)
	_, err = s.adapter.SendMulticast(testService, []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrFailed)
	assert.Zero(s.T(), s.adapter.sendQueue.Len())

	s.Require().NoError(s.adapter.Initialize(s.handler))
	s.eventually(func() bool { return s.handler.statusCount() == 1 })
	assert.Equal(s.T(), ca.StatusUp, s.handler.lastStatus())

	s.Require().NoError(s.adapter.Start())
	assert.True(s.T(), s.platform.IsScanning())
	assert.Error(s.T(), s.adapter.Start())

	s.Require().NoError(s.adapter.Stop())
	assert.False(s.T(), s.platform.IsScanning())
	assert.False(s.T(), s.adapter.sendQueue.Running())

	s.Require().NoError(s.adapter.Start())
	assert.True(s.T(), s.adapter.sendQueue.Running())

	s.adapter.Terminate()
	_, err = s.adapter.SendUnicast(testAddr, testService, []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrFailed)
	assert.Zero(s.T(), s.adapter.sendQueue.Len())
}

// GOAL: verify Initialize reports a powered-off radio without breaking
// the adapter.
func (s *LEAdapterTestSuite) TestAdapterNotEnabled() {
	s.platform.mu.Lock()
	s.platform.enabled = false
	s.platform.mu.Unlock()

	err := s.adapter.Initialize(s.handler)
	assert.ErrorIs(s.T(), err, ca.ErrAdapterNotEnabled)
	assert.ErrorIs(s.T(), s.adapter.Start(), ca.ErrAdapterNotEnabled)
}

// GOAL: verify parameter validation on the send operations.
func (s *LEAdapterTestSuite) TestSendValidation() {
	s.initAndStart()

	_, err := s.adapter.SendUnicast("", testService, []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendUnicast(testAddr, "", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendUnicast(testAddr, testService, nil)
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendMulticast("", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendMulticast(testService, nil)
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
}

// GOAL: verify the connect-on-demand sequence for a peer whose
// advertisement has not been seen yet.
//
// TEST SCENARIO:
//  1. SendUnicast registers the peer and buffers the payload, no
//     connection is attempted without an advertisement
//  2. the advertisement arrives and triggers Connect
//  3. OnConnected triggers characteristic discovery
//  4. OnServicesDiscovered marks the peer writable and flushes the
//     buffered payload
func (s *LEAdapterTestSuite) TestConnectOnDemand() {
	s.initAndStart()

	payload := []byte("buffered payload")
	n, err := s.adapter.SendUnicast(testAddr, testService, payload)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), len(payload), n)

	s.eventually(func() bool { return s.device(testAddr) != nil })
	dev := s.device(testAddr)
	assert.Equal(s.T(), registry.StateDiscovered, dev.State)
	assert.Equal(s.T(), 1, dev.Pending.Len())
	assert.Zero(s.T(), s.platform.connectCount(testAddr))

	s.advertise(testAddr, testService)
	assert.Equal(s.T(), 1, s.platform.connectCount(testAddr))
	assert.Equal(s.T(), registry.StateConnecting, s.device(testAddr).State)

	s.adapter.OnConnected(testAddr)
	assert.Equal(s.T(), 1, s.platform.discoveryCount(testAddr))
	assert.Equal(s.T(), registry.StateServiceSearching, s.device(testAddr).State)

	s.adapter.OnServicesDiscovered(testAddr, nil)
	dev = s.device(testAddr)
	assert.Equal(s.T(), registry.StateConnected, dev.State)
	assert.True(s.T(), dev.ServiceSearched)
	assert.Zero(s.T(), dev.Pending.Len())

	writes := s.platform.writesFor(testAddr)
	require.Len(s.T(), writes, 1)
	assert.Equal(s.T(), payload, writes[0])
}

// GOAL: verify a cached advertisement lets the first send connect
// immediately.
func (s *LEAdapterTestSuite) TestCachedAdvertisementConnectsImmediately() {
	s.initAndStart()

	s.advertise(testAddr, testService)
	assert.Zero(s.T(), s.platform.connectCount(testAddr)) // no one wants this peer yet

	_, err := s.adapter.SendUnicast(testAddr, testService, []byte("x"))
	require.NoError(s.T(), err)

	s.eventually(func() bool { return s.platform.connectCount(testAddr) == 1 })
	assert.Equal(s.T(), registry.StateConnecting, s.device(testAddr).State)
}

// GOAL: verify advertisements without the transport service are cached
// but never trigger a connection.
func (s *LEAdapterTestSuite) TestForeignServiceIgnored() {
	s.initAndStart()

	_, err := s.adapter.SendUnicast(testAddr, testService, []byte("x"))
	require.NoError(s.T(), err)
	s.eventually(func() bool { return s.device(testAddr) != nil })

	s.advertise(testAddr, otherSvc)
	assert.Zero(s.T(), s.platform.connectCount(testAddr))
	assert.Equal(s.T(), registry.StateDiscovered, s.device(testAddr).State)
}

// GOAL: verify sends to an established peer bypass the pending buffer.
func (s *LEAdapterTestSuite) TestDirectWriteWhenConnected() {
	s.initAndStart()
	s.connectPeer(testAddr)

	payload := []byte("direct")
	_, err := s.adapter.SendUnicast(testAddr, testService, payload)
	require.NoError(s.T(), err)

	s.eventually(func() bool { return len(s.platform.writesFor(testAddr)) == 2 })
	assert.Zero(s.T(), s.device(testAddr).Pending.Len())
}

// GOAL: verify buffered payloads flush in FIFO order.
func (s *LEAdapterTestSuite) TestPendingFlushOrder() {
	s.initAndStart()

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		_, err := s.adapter.SendUnicast(testAddr, testService, p)
		require.NoError(s.T(), err)
	}
	s.eventually(func() bool {
		dev := s.device(testAddr)
		return dev != nil && dev.Pending.Len() == 3
	})

	s.advertise(testAddr, testService)
	s.adapter.OnConnected(testAddr)
	s.adapter.OnServicesDiscovered(testAddr, nil)

	assert.Equal(s.T(), payloads, s.platform.writesFor(testAddr))
}

// GOAL: verify a flush failure discards the remaining buffered payloads
// instead of retrying them forever.
func (s *LEAdapterTestSuite) TestFlushFailureDropsRemainder() {
	s.initAndStart()

	for _, p := range [][]byte{[]byte("a"), []byte("b")} {
		_, err := s.adapter.SendUnicast(testAddr, testService, p)
		require.NoError(s.T(), err)
	}
	s.eventually(func() bool {
		dev := s.device(testAddr)
		return dev != nil && dev.Pending.Len() == 2
	})

	s.platform.mu.Lock()
	s.platform.failWrite[testAddr] = true
	s.platform.mu.Unlock()

	s.advertise(testAddr, testService)
	s.adapter.OnConnected(testAddr)
	s.adapter.OnServicesDiscovered(testAddr, nil)

	dev := s.device(testAddr)
	assert.Equal(s.T(), registry.StateConnected, dev.State)
	assert.Zero(s.T(), dev.Pending.Len())
	assert.Empty(s.T(), s.platform.writesFor(testAddr))
}

// GOAL: verify peers are evicted on discovery failure and on
// disconnect, and that eviction disconnects the GATT link.
func (s *LEAdapterTestSuite) TestEviction() {
	s.initAndStart()

	// Discovery failure drops the peer and tears the link down.
	s.connectPeerUntilConnecting(testAddr)
	s.adapter.OnConnected(testAddr)
	s.adapter.OnServicesDiscovered(testAddr, errors.New("gatt error"))
	assert.Nil(s.T(), s.device(testAddr))
	assert.Equal(s.T(), 1, s.platform.disconnectCount(testAddr))

	// Discovery initiation failure drops the peer as well.
	addr2 := "AA:BB:CC:DD:EE:02"
	s.platform.mu.Lock()
	s.platform.failDiscover[addr2] = true
	s.platform.mu.Unlock()
	s.connectPeerUntilConnecting(addr2)
	s.adapter.OnConnected(addr2)
	assert.Nil(s.T(), s.device(addr2))
	assert.Equal(s.T(), 1, s.platform.disconnectCount(addr2))

	// Unrequested disconnect evicts.
	addr3 := "AA:BB:CC:DD:EE:03"
	s.connectPeer(addr3)
	s.adapter.OnDisconnected(addr3)
	assert.Nil(s.T(), s.device(addr3))
}

func (s *LEAdapterTestSuite) connectPeerUntilConnecting(address string) {
	s.advertise(address, testService)
	_, err := s.adapter.SendUnicast(address, testService, []byte("x"))
	s.Require().NoError(err)
	s.eventually(func() bool { return s.platform.connectCount(address) == 1 })
}

// GOAL: verify multicast writes to every established peer and buffers
// for peers still connecting, with per-peer failures isolated.
//
// TEST SCENARIO:
//  1. two peers fully connected, one still discovered
//  2. one connected peer fails its write
//  3. the healthy peer still receives the payload and the discovered
//     peer gets it buffered
func (s *LEAdapterTestSuite) TestMulticastFanOut() {
	s.initAndStart()

	good := "AA:BB:CC:DD:EE:11"
	bad := "AA:BB:CC:DD:EE:22"
	cold := "AA:BB:CC:DD:EE:33"

	s.connectPeer(good)
	s.connectPeer(bad)
	_, err := s.adapter.SendUnicast(cold, testService, []byte("warmup"))
	require.NoError(s.T(), err)
	s.eventually(func() bool { return s.device(cold) != nil })

	s.platform.mu.Lock()
	s.platform.failWrite[bad] = true
	s.platform.mu.Unlock()

	payload := []byte("to everyone")
	n, err := s.adapter.SendMulticast(testService, payload)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), len(payload), n)

	s.eventually(func() bool { return len(s.platform.writesFor(good)) == 2 })
	assert.Equal(s.T(), payload, s.platform.writesFor(good)[1])
	assert.Len(s.T(), s.platform.writesFor(bad), 1) // only the warmup write
	assert.Equal(s.T(), 2, s.device(cold).Pending.Len())
	assert.NotNil(s.T(), s.device(bad)) // write failure does not evict
}

// GOAL: verify received notifications reach the handler with copied
// data and that unknown peers are dropped.
func (s *LEAdapterTestSuite) TestDataReceived() {
	s.initAndStart()
	s.connectPeer(testAddr)

	raw := []byte("notification")
	s.adapter.OnDataReceived(testAddr, raw)
	raw[0] = 'X'

	require.Equal(s.T(), 1, s.handler.packetCount())
	pkt := s.handler.packet(0)
	assert.Equal(s.T(), []byte("notification"), pkt.data)
	assert.Equal(s.T(), ca.TransportLE, pkt.remote.Transport)
	assert.Equal(s.T(), testAddr, pkt.remote.Address)

	s.adapter.OnDataReceived("FF:FF:FF:FF:FF:FF", []byte("stray"))
	assert.Equal(s.T(), 1, s.handler.packetCount())
}

// GOAL: verify a radio power-off clears the peer table and reports the
// network down, and power-on reports it up again.
func (s *LEAdapterTestSuite) TestAdapterStateChange() {
	s.initAndStart()
	s.connectPeer(testAddr)

	s.adapter.OnAdapterStateChanged(false)
	assert.Nil(s.T(), s.device(testAddr))
	s.eventually(func() bool {
		return s.handler.statusCount() >= 2 && s.handler.lastStatus() == ca.StatusDown
	})

	s.adapter.OnAdapterStateChanged(true)
	s.eventually(func() bool { return s.handler.lastStatus() == ca.StatusUp })
}

// GOAL: verify server mode toggles advertising.
func (s *LEAdapterTestSuite) TestServerAdvertising() {
	s.Require().NoError(s.adapter.Initialize(s.handler))

	s.Require().NoError(s.adapter.StartServer())
	assert.True(s.T(), s.platform.advertising)

	s.Require().NoError(s.adapter.StopServer())
	assert.False(s.T(), s.platform.advertising)
}

// GOAL: verify the local endpoint is queried once and cached.
func (s *LEAdapterTestSuite) TestLocalEndpoint() {
	s.Require().NoError(s.adapter.Initialize(s.handler))

	ep, err := s.adapter.LocalEndpoint()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ca.TransportLE, ep.Transport)
	assert.Equal(s.T(), "00:11:22:33:44:55", ep.Address)
}

func TestLEAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(LEAdapterTestSuite))
}

func TestAdvertisesService(t *testing.T) {
	adv := Advertisement{Address: testAddr, ServiceIDs: []string{otherSvc, testService}}
	assert.True(t, advertisesService(adv, testService))
	assert.False(t, advertisesService(adv, "deadbeef-0000-0000-0000-000000000000"))
	assert.False(t, advertisesService(Advertisement{}, testService))
}
