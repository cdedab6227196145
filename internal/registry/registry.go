// Package registry holds the per-transport bookkeeping of known remote
// peers: one Device entry per distinct address, each carrying connection
// state and a pending-data buffer awaiting connect.
//
// The registry performs no locking of its own. The owning adapter serializes
// every access — including check-then-insert sequences — under its single
// mutex, holding it for the full read-modify-write. Device counts on a
// transport are small, so the coarse lock and linear socket scan are fine.
package registry

import (
	"github.com/srg/linkmux/ca"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NoSocket marks a device with no live transport connection.
const NoSocket = -1

// State tracks where a device is in the connection/discovery lifecycle.
// Disconnected is terminal: the entry is removed, never kept around.
type State int

const (
	StateDiscovered State = iota
	StateServiceSearching
	StateServiceVerified
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateServiceSearching:
		return "service_searching"
	case StateServiceVerified:
		return "service_verified"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Device is one known remote peer on a transport.
//
// Invariant: a Device with Socket != NoSocket has an empty pending queue or
// is in the process of flushing it; the flush happens under the registry
// owner's mutex, so other lock holders never observe a connected device with
// stale pending data.
type Device struct {
	Address         string // transport-level identifier, registry key
	ServiceID       string // logical service the peer exposes
	Socket          int    // platform handle, NoSocket while unconnected
	State           State
	ServiceSearched bool // service discovery/verification completed
	Pending         *PendingQueue
}

// Connected reports whether the device has a live transport connection.
func (d *Device) Connected() bool {
	return d.Socket != NoSocket
}

// Registry maps address → Device in insertion order. Ordered iteration keeps
// multicast fan-out snapshots deterministic.
type Registry struct {
	devices *orderedmap.OrderedMap[string, *Device]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: orderedmap.New[string, *Device]()}
}

// Find returns the device for the address, or nil if unknown.
func (r *Registry) Find(address string) *Device {
	dev, ok := r.devices.Get(address)
	if !ok {
		return nil
	}
	return dev
}

// Insert creates a device for an unseen address. The caller must have
// checked Find first; inserting a duplicate address is an error so the
// uniqueness invariant can never be silently violated.
func (r *Registry) Insert(address, serviceID string, pendingCapacity int) (*Device, error) {
	if _, ok := r.devices.Get(address); ok {
		return nil, ca.Errorf(ca.Failed, "device %q already registered", address)
	}
	dev := &Device{
		Address:   address,
		ServiceID: serviceID,
		Socket:    NoSocket,
		State:     StateDiscovered,
		Pending:   NewPendingQueue(pendingCapacity),
	}
	r.devices.Set(address, dev)
	return dev, nil
}

// Remove evicts the device and drops its pending data.
func (r *Registry) Remove(address string) {
	if dev, ok := r.devices.Get(address); ok {
		dev.Pending.RemoveAll()
		r.devices.Delete(address)
	}
}

// FindBySocket resolves the device owning a platform handle. Linear scan;
// see the package comment on why that is acceptable.
func (r *Registry) FindBySocket(socket int) *Device {
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Socket == socket {
			return pair.Value
		}
	}
	return nil
}

// Snapshot returns the devices in insertion order. The slice is the
// caller's; the *Device values still belong to the registry and must only
// be touched under the owner's mutex.
func (r *Registry) Snapshot() []*Device {
	devs := make([]*Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		devs = append(devs, pair.Value)
	}
	return devs
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return r.devices.Len()
}

// Clear evicts every device, dropping all pending data.
func (r *Registry) Clear() {
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.Pending.RemoveAll()
	}
	r.devices = orderedmap.New[string, *Device]()
}
