package constants

// DeliveryKind classifies the outcome of a single send attempt.
type DeliveryKind string

const (
	// KindSuccess indicates the server acknowledged the position
	KindSuccess DeliveryKind = "success"
	// KindTransient indicates a retry-worthy failure (timeout, reset, 5xx, 429)
	KindTransient DeliveryKind = "transient"
	// KindPermanent indicates the server rejected the request and retrying cannot help
	KindPermanent DeliveryKind = "permanent"
	// KindCanceled indicates the send was cancelled before an acknowledgement arrived
	KindCanceled DeliveryKind = "canceled"
	// KindConnectFailed indicates no session could be established
	KindConnectFailed DeliveryKind = "connect_failed"
)

// Retryable reports whether a failed attempt of this kind should be requeued.
// KindConnectFailed is not an attempt: no request reached the server.
func (k DeliveryKind) Retryable() bool {
	return k == KindTransient || k == KindCanceled
}

// ConnectionState is the delivery client session state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateSending      ConnectionState = "sending"
)

// Drop reasons, one per cause in the error taxonomy.
const (
	ReasonQueueFull          = "queue_full"
	ReasonEncodingError      = "encoding_error"
	ReasonDeliveryAbandoned  = "delivery_abandoned"
	ReasonPermanentRejection = "permanent_rejection"
	ReasonShutdown           = "shutdown"
)
