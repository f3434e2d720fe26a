package model

// LifecycleState is the durable per-agent session state.
type LifecycleState string

const (
	StateUninitialized LifecycleState = "uninitialized"
	StateQRPending     LifecycleState = "qr_pending"
	StateConnecting    LifecycleState = "connecting"
	StateOpen          LifecycleState = "open"
	StateConflict      LifecycleState = "conflict"
	StateDisconnected  LifecycleState = "disconnected"
)

// Terminal reports whether no automatic transition leaves the state.
func (s LifecycleState) Terminal() bool {
	return s == StateConflict || s == StateDisconnected
}

type ConnectStatus string

const (
	ConnectStatusQRIssued    ConnectStatus = "qr_issued"
	ConnectStatusAlreadyOpen ConnectStatus = "already_open"
	ConnectStatusConnecting  ConnectStatus = "connecting"
	ConnectStatusRejected    ConnectStatus = "rejected"
)
