package ca

import "fmt"

// Transport identifies the radio/transport technology an endpoint lives on.
type Transport int

const (
	TransportEDR Transport = iota // Bluetooth classic RFCOMM
	TransportLE                   // Bluetooth LE GATT
	TransportIP                   // WiFi UDP
)

func (t Transport) String() string {
	switch t {
	case TransportEDR:
		return "edr"
	case TransportLE:
		return "le"
	case TransportIP:
		return "ip"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// Endpoint is an addressable destination on a given transport.
// An empty Address marks the multicast sentinel: the payload fans out to
// every known peer instead of one specific device.
type Endpoint struct {
	Transport Transport
	Address   string // MAC / BD address, or "" for multicast
	ServiceID string // logical service identifier the peer exposes
}

// IsMulticast reports whether the endpoint is the fan-out sentinel.
func (e Endpoint) IsMulticast() bool {
	return e.Address == ""
}

// Clone returns an independent copy. Network events carry a duplicated
// snapshot of the local endpoint so the async delivery task owns its data.
func (e Endpoint) Clone() Endpoint {
	return Endpoint{Transport: e.Transport, Address: e.Address, ServiceID: e.ServiceID}
}

func (e Endpoint) String() string {
	if e.IsMulticast() {
		return fmt.Sprintf("%s/multicast/%s", e.Transport, e.ServiceID)
	}
	return fmt.Sprintf("%s/%s/%s", e.Transport, e.Address, e.ServiceID)
}

// NetworkStatus reports a transport interface going up or down.
type NetworkStatus int

const (
	StatusDown NetworkStatus = iota
	StatusUp
)

func (s NetworkStatus) String() string {
	if s == StatusUp {
		return "up"
	}
	return "down"
}
