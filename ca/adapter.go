package ca

// Handler is the upper-layer notification surface. Both callbacks run on a
// goroutine the adapter owns, never on a platform callback, so handlers may
// call back into the adapter without reentering platform APIs.
type Handler interface {
	// OnPacketReceived delivers one inbound payload. The data slice is a
	// copy owned by the handler.
	OnPacketReceived(remote Endpoint, data []byte)

	// OnNetworkStatusChanged reports the transport interface going up or
	// down. The local endpoint is a snapshot owned by the handler.
	OnNetworkStatusChanged(local Endpoint, status NetworkStatus)
}

// Adapter is the contract every transport implements. Lifecycle runs
// Initialize → Start → Stop → Terminate; Stop/Terminate are safe to call
// from any state.
type Adapter interface {
	// Initialize wires platform callbacks and allocates the adapter's
	// queues. Returns ErrAdapterNotEnabled when the radio is off: the
	// adapter is still structurally initialized but will not arm
	// discovery until the radio comes up.
	Initialize(handler Handler) error

	// Start begins discovery (idempotent if already discovering) and
	// launches the send worker. Rejected with ErrAdapterNotEnabled while
	// the radio is off.
	Start() error

	// Stop signals the worker to exit and cancels discovery. It does not
	// fail if already stopped.
	Stop() error

	// Terminate tears down callbacks, stops the worker, and frees the
	// registry and local-endpoint cache. Safe from any state.
	Terminate()

	// StartServer begins accepting inbound connections/datagrams for the
	// transport's service.
	StartServer() error

	// StopServer stops the inbound listener.
	StopServer() error

	// SendUnicast queues data for one peer and returns the byte count
	// accepted for async send (equal to len(data)). Acceptance is not
	// delivery.
	SendUnicast(address, serviceID string, data []byte) (int, error)

	// SendMulticast queues data for fan-out to all known peers. Per-device
	// failures are isolated and do not fail the call.
	SendMulticast(serviceID string, data []byte) (int, error)

	// LocalEndpoint returns the transport's own address. The result is
	// cached lazily and invalidated at Terminate.
	LocalEndpoint() (Endpoint, error)
}
