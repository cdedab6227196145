package le

// Platform abstracts the BLE central stack: scanning, GATT connections,
// characteristic discovery, and the write/notify data path. Connections
// are keyed by the peer BD address.
//
// All methods may be called from multiple goroutines; implementations
// serialize internally. Event callbacks must not be invoked while a
// Platform method call from the adapter is still on the stack.
type Platform interface {
	// Initialize prepares the BLE stack.
	Initialize() error

	// Terminate releases the stack. Further calls are undefined.
	Terminate()

	// SetEvents registers the event sink. Pass nil to detach.
	SetEvents(events Events)

	// Enabled reports whether the local BLE radio is powered.
	Enabled() bool

	// LocalAddress returns the local adapter BD address.
	LocalAddress() (string, error)

	// StartScan begins scanning for peripherals advertising the given
	// service UUID. Results arrive via Events.OnDeviceDiscovered.
	StartScan(serviceID string) error

	// StopScan stops an active scan. No-op when not scanning.
	StopScan() error

	// IsScanning reports whether a scan is active.
	IsScanning() bool

	// Connect initiates a GATT connection to the peripheral. Completion
	// arrives via Events.OnConnected or is reported as an error here
	// when initiation itself fails.
	Connect(address string) error

	// Disconnect tears down the GATT connection to the peripheral.
	Disconnect(address string) error

	// DiscoverServices resolves the target service and its request and
	// response characteristics on a connected peripheral, and subscribes
	// to response notifications. Completion arrives via
	// Events.OnServicesDiscovered.
	DiscoverServices(address, serviceID string) error

	// Write sends data through the peripheral's request characteristic.
	// Characteristics must have been discovered first.
	Write(address string, data []byte) (int, error)

	// StartAdvertising makes the local device discoverable as a
	// peripheral offering the given service.
	StartAdvertising(serviceID string) error

	// StopAdvertising stops advertising. No-op when not advertising.
	StopAdvertising() error
}

// Advertisement is one scan result for a peripheral.
type Advertisement struct {
	Address    string
	Name       string
	ServiceIDs []string
	RSSI       int
}

// Events is the callback sink the adapter registers with the platform.
type Events interface {
	// OnAdapterStateChanged fires when the local radio powers on or off.
	OnAdapterStateChanged(enabled bool)

	// OnDeviceDiscovered fires for every received advertisement.
	OnDeviceDiscovered(adv Advertisement)

	// OnConnected fires when a GATT connection is established.
	OnConnected(address string)

	// OnDisconnected fires when a GATT connection drops, whether
	// requested or not.
	OnDisconnected(address string)

	// OnServicesDiscovered completes DiscoverServices. A nil err means
	// the request and response characteristics are resolved and the
	// notification subscription is active.
	OnServicesDiscovered(address string, err error)

	// OnDataReceived delivers a notification from the peripheral's
	// response characteristic.
	OnDataReceived(address string, data []byte)
}

// advertisesService reports whether the advertisement carries the service.
func advertisesService(adv Advertisement, serviceID string) bool {
	for _, id := range adv.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}
