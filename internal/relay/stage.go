package relay

// Stage is the furthest point a message reached in the relay.
type Stage int

const (
	Received Stage = iota
	Deserialized
	Transformed
	Republished
	Acknowledged

	DeserializeFailed
	RepublishFailed
	AckFailed
)

var stageNames = map[Stage]string{
	Received:          "received",
	Deserialized:      "deserialized",
	Transformed:       "transformed",
	Republished:       "republished",
	Acknowledged:      "acknowledged",
	DeserializeFailed: "deserialize_failed",
	RepublishFailed:   "republish_failed",
	AckFailed:         "ack_failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Failed reports whether the stage is a failure exit.
func (s Stage) Failed() bool {
	return s >= DeserializeFailed
}

// Result describes how one message left the relay.
type Result struct {
	MessageID   string
	PublishedID string
	Stage       Stage
	// Duplicate is set when the message had already been relayed and was
	// acknowledged without republishing.
	Duplicate bool
	Err       error
}
