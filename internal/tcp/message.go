package tcp

import (
	"encoding/json"
	"strings"
	"time"
)

// Acknowledgements written back to devices, one per line
const (
	AckOK            = "OK"
	AckAlarmOK       = "ALARM_OK"
	AckAlarmError    = "ALARM_ERROR"
	AckHeartbeatOK   = "HEARTBEAT_OK"
	AckInvalidFormat = "ERROR: Invalid message format"
	AckTooLarge      = "ERROR: Message too large"
	AckServerFull    = "ERROR: Server full"
)

// MessageKind is the classification of one inbound line
type MessageKind int

const (
	KindEmpty MessageKind = iota
	KindAlarm
	KindHeartbeat
	KindInvalid
	// KindOversized is assigned by framing before classification runs
	KindOversized
)

func (k MessageKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindAlarm:
		return "alarm"
	case KindHeartbeat:
		return "heartbeat"
	case KindInvalid:
		return "invalid"
	case KindOversized:
		return "oversized"
	default:
		return "unknown"
	}
}

// Message is one classified inbound line
type Message struct {
	SessionID  string
	Raw        string
	ReceivedAt time.Time
	Kind       MessageKind
}

// Classify inspects a line: blank is Empty, a JSON object whose "type" is
// heartbeat or ping (any case) is Heartbeat, any other JSON object is Alarm,
// everything else is Invalid.
func Classify(raw string) MessageKind {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return KindEmpty
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		return KindInvalid
	}

	if rawType, ok := fields["type"]; ok {
		var t string
		if json.Unmarshal(rawType, &t) == nil {
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "heartbeat", "ping":
				return KindHeartbeat
			}
		}
	}

	return KindAlarm
}
