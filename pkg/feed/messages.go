package feed

// Message is one WebSocket frame: a type tag and a JSON-serializable payload.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Message type constants
const (
	// TypeDiscrepancy carries one detected divergence, emitted as the
	// reconciler finds it.
	TypeDiscrepancy = "discrepancy"

	// TypeCycleStatus carries the outcome of one reconciliation cycle.
	TypeCycleStatus = "cycle_status"

	// TypeSnapshot carries recent journal entries, sent once to each
	// client right after it subscribes.
	TypeSnapshot = "snapshot"
)

// NewMessage builds a Message from a type tag and payload.
func NewMessage(msgType string, data interface{}) Message {
	return Message{Type: msgType, Data: data}
}

func NewDiscrepancyMessage(data interface{}) Message {
	return NewMessage(TypeDiscrepancy, data)
}

func NewCycleStatusMessage(data interface{}) Message {
	return NewMessage(TypeCycleStatus, data)
}

func NewSnapshotMessage(data interface{}) Message {
	return NewMessage(TypeSnapshot, data)
}
