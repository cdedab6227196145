package edr

// Platform is the native Bluetooth classic stack the adapter drives. It is
// a thin wrapper over the OS Bluetooth APIs: calls initiate work, results
// arrive through the Events interface on a goroutine the platform owns.
//
// Connect and SearchServices only initiate; their outcomes surface later as
// OnSocketConnected/OnSocketDisconnected and OnServiceSearched. Write is
// the one blocking call.
type Platform interface {
	// Initialize brings up the Bluetooth stack and arms the adapter-state
	// callback.
	Initialize() error

	// Terminate unsets callbacks and shuts the stack down.
	Terminate()

	// SetEvents registers the event sink. Passing nil unregisters it.
	SetEvents(ev Events)

	// Enabled reports whether the radio is powered.
	Enabled() bool

	// LocalAddress returns the adapter's own BD address.
	LocalAddress() (string, error)

	// StartDiscovery begins scanning for nearby devices.
	StartDiscovery() error

	// StopDiscovery cancels an in-progress scan.
	StopDiscovery() error

	// IsDiscovering reports whether a scan is running. Best effort: the
	// radio may change state between this call and the next.
	IsDiscovering() (bool, error)

	// SearchServices initiates an SDP query against a peer. The result
	// arrives via OnServiceSearched.
	SearchServices(address string) error

	// Connect initiates an RFCOMM connection to the peer's service. The
	// result arrives via OnSocketConnected or not at all.
	Connect(address, serviceID string) error

	// Write sends data on an open RFCOMM socket. Blocking.
	Write(socket int, data []byte) (int, error)

	// StartServer begins listening for inbound RFCOMM connections on the
	// service and returns a server handle.
	StartServer(serviceID string) (int, error)

	// StopServer stops the listener with the given handle.
	StopServer(serverID int) error
}

// Events is the platform-notification sink the adapter implements. The
// platform invokes these on its own callback goroutine, concurrent with the
// send worker and with public send entry points; implementations serialize
// through the adapter's registry mutex and must not block waiting for the
// worker.
type Events interface {
	// OnAdapterStateChanged fires when the radio powers on or off.
	OnAdapterStateChanged(enabled bool)

	// OnDeviceDiscovered fires once per device found during a scan,
	// carrying the peer's advertised service identifiers.
	OnDeviceDiscovered(address string, services []string)

	// OnServiceSearched delivers the outcome of SearchServices. A non-nil
	// err means the SDP query itself failed.
	OnServiceSearched(address string, services []string, err error)

	// OnSocketConnected fires when an RFCOMM socket opens, whether we
	// initiated it or the peer did.
	OnSocketConnected(address string, socket int)

	// OnSocketDisconnected fires when an RFCOMM socket closes, any state.
	OnSocketDisconnected(address string)

	// OnDataReceived delivers raw bytes from an open socket. The slice is
	// only valid for the duration of the call.
	OnDataReceived(socket int, data []byte)
}

// serviceSupported reports whether the target service identifier appears in
// an advertised/SDP service list.
func serviceSupported(services []string, serviceID string) bool {
	for _, s := range services {
		if s == serviceID {
			return true
		}
	}
	return false
}
