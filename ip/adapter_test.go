package ip

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

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
	cp := make([]byte, len(data))
	copy(cp, data)
	h.packets = append(h.packets, receivedPacket{remote: remote, data: cp})
}

func (h *recordingHandler) OnNetworkStatusChanged(local ca.Endpoint, status ca.NetworkStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
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

type UDPAdapterTestSuite struct {
	suite.Suite
	adapter *Adapter
	handler *recordingHandler
}

func (s *UDPAdapterTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := config.Default()
	cfg.UnicastPort = 0   // ephemeral, read back via UnicastAddr
	cfg.MulticastPort = 0 // avoid clashing with other suites on the host

	s.adapter = New(&Options{Config: cfg, Logger: logger})
	s.handler = &recordingHandler{}
}

func (s *UDPAdapterTestSuite) TearDownTest() {
	s.adapter.Terminate()
}

func (s *UDPAdapterTestSuite) initAndStart() {
	s.Require().NoError(s.adapter.Initialize(s.handler))
	s.Require().NoError(s.adapter.Start())
}

func (s *UDPAdapterTestSuite) eventually(cond func() bool) {
	s.Require().Eventually(cond, 2*time.Second, 10*time.Millisecond)
}

// GOAL: verify the adapter lifecycle and that send is rejected before
// Initialize.
//
// TEST SCENARIO:
//  1. SendUnicast before Initialize fails
//  2. Initialize binds the unicast socket and Start launches the workers
//  3. a second Start is rejected while the first is running
//  4. Stop and Terminate succeed from any state
func (s *UDPAdapterTestSuite) TestLifecycle() {
	_, err := s.adapter.SendUnicast("127.0.0.1", "svc", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrFailed)

	s.initAndStart()
	require.NotNil(s.T(), s.adapter.UnicastAddr())

	assert.Error(s.T(), s.adapter.Start())

	assert.NoError(s.T(), s.adapter.Stop())
	assert.NoError(s.T(), s.adapter.Start())
	s.adapter.Terminate()
	assert.Nil(s.T(), s.adapter.UnicastAddr())
}

// GOAL: verify parameter validation on the send operations.
func (s *UDPAdapterTestSuite) TestSendValidation() {
	s.initAndStart()

	_, err := s.adapter.SendUnicast("", "svc", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendUnicast("127.0.0.1", "", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendUnicast("127.0.0.1", "svc", nil)
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendMulticast("", []byte("x"))
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
	_, err = s.adapter.SendMulticast("svc", nil)
	assert.ErrorIs(s.T(), err, ca.ErrInvalidParam)
}

// GOAL: verify the outbound path end to end: SendUnicast queues the
// datagram and the worker delivers it to the destination socket.
//
// TEST SCENARIO:
//  1. bind a plain receiver socket on loopback
//  2. SendUnicast with an explicit "host:port" address
//  3. the receiver observes the payload
func (s *UDPAdapterTestSuite) TestUnicastSend() {
	s.initAndStart()

	receiver, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(s.T(), err)
	defer receiver.Close()

	payload := []byte("hello over udp")
	n, err := s.adapter.SendUnicast(receiver.LocalAddr().String(), "svc", payload)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), len(payload), n)

	require.NoError(s.T(), receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	rn, _, err := receiver.ReadFromUDP(buf)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), payload, buf[:rn])
}

// GOAL: verify the inbound path: a datagram arriving on the unicast
// socket reaches the handler through the receive queue with the sender
// address attached.
func (s *UDPAdapterTestSuite) TestUnicastReceive() {
	s.initAndStart()
	s.Require().NoError(s.adapter.StartServer())

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(s.T(), err)
	defer sender.Close()

	dst := s.adapter.UnicastAddr().(*net.UDPAddr)
	payload := []byte("inbound datagram")
	_, err = sender.WriteToUDP(payload, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst.Port})
	require.NoError(s.T(), err)

	s.eventually(func() bool { return s.handler.packetCount() == 1 })
	pkt := s.handler.packet(0)
	assert.Equal(s.T(), payload, pkt.data)
	assert.Equal(s.T(), ca.TransportIP, pkt.remote.Transport)
	assert.NotEmpty(s.T(), pkt.remote.Address)
}

// GOAL: verify StartServer is idempotent and StopServer joins the
// listeners, after which inbound traffic no longer reaches the handler.
func (s *UDPAdapterTestSuite) TestServerStartStop() {
	s.initAndStart()
	s.Require().NoError(s.adapter.StartServer())
	s.Require().NoError(s.adapter.StartServer()) // no duplicate listeners

	s.Require().NoError(s.adapter.StopServer())
	s.Require().NoError(s.adapter.StopServer()) // already stopped

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(s.T(), err)
	defer sender.Close()

	dst := s.adapter.UnicastAddr().(*net.UDPAddr)
	_, err = sender.WriteToUDP([]byte("late"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst.Port})
	require.NoError(s.T(), err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(s.T(), s.handler.packetCount())
}

// GOAL: verify a listener whose socket dies underneath it marks its
// task stopped so server restart is not silently skipped.
//
// TEST SCENARIO:
//  1. close the unicast socket without going through StopServer
//  2. the listener exits and the task is no longer marked running
//  3. a subsequent StartServer launches a fresh listener instead of
//     no-opping on the stale running flag
func (s *UDPAdapterTestSuite) TestListenerRecoversRunningFlagOnSocketDeath() {
	s.initAndStart()
	s.Require().NoError(s.adapter.StartServer())

	s.adapter.mu.Lock()
	conn := s.adapter.unicast
	oldStop := s.adapter.uniTask.stop
	s.adapter.mu.Unlock()
	require.NotNil(s.T(), conn)
	require.NoError(s.T(), conn.Close())

	s.eventually(func() bool {
		s.adapter.mu.Lock()
		defer s.adapter.mu.Unlock()
		return !s.adapter.uniTask.running
	})

	s.Require().NoError(s.adapter.StartServer())
	s.adapter.mu.Lock()
	newStop := s.adapter.uniTask.stop
	s.adapter.mu.Unlock()
	assert.NotEqual(s.T(), oldStop, newStop)
}

// GOAL: verify listeners can be restarted after StopServer.
func (s *UDPAdapterTestSuite) TestServerRestart() {
	s.initAndStart()
	s.Require().NoError(s.adapter.StartServer())
	s.Require().NoError(s.adapter.StopServer())
	s.Require().NoError(s.adapter.StartServer())

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(s.T(), err)
	defer sender.Close()

	dst := s.adapter.UnicastAddr().(*net.UDPAddr)
	_, err = sender.WriteToUDP([]byte("after restart"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dst.Port})
	require.NoError(s.T(), err)

	s.eventually(func() bool { return s.handler.packetCount() == 1 })
}

// GOAL: verify SendMulticast is accepted and drained by the worker
// without error even when no group member is listening.
func (s *UDPAdapterTestSuite) TestMulticastSendAccepted() {
	s.initAndStart()

	payload := []byte("multicast probe")
	n, err := s.adapter.SendMulticast("svc", payload)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), len(payload), n)

	s.eventually(func() bool { return s.adapter.sendQueue.Len() == 0 })
}

func TestUDPAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(UDPAdapterTestSuite))
}

func TestResolveDestination(t *testing.T) {
	cfg := config.Default()
	a := New(&Options{Config: cfg})

	addr, err := a.resolveDestination("192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, cfg.UnicastPort, addr.Port)

	addr, err = a.resolveDestination("192.168.1.10:7777")
	require.NoError(t, err)
	assert.Equal(t, 7777, addr.Port)

	_, err = a.resolveDestination("not-an-ip")
	assert.ErrorIs(t, err, ca.ErrInvalidParam)

	_, err = a.resolveDestination("192.168.1.10:bad")
	assert.ErrorIs(t, err, ca.ErrInvalidParam)
}
