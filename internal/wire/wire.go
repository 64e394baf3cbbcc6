// Package wire defines the message schema and newline-delimited JSON
// framing shared by the risk event client and the sink server.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// MessageType discriminates the wire message variants.
type MessageType string

const (
	TypeEvent      MessageType = "event"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeConnection MessageType = "connection"
)

// Connection status values.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// HeartbeatAlive is the status carried by every heartbeat.
const HeartbeatAlive = "alive"

// EventRiskChanged is the event name emitted when the computed risk
// level transitions.
const EventRiskChanged = "BR_CHANGED"

// Event reports a risk assessment to the monitoring server.
// Field names are the compatibility contract with the receiver.
type Event struct {
	Type          MessageType `json:"type"`
	Name          string      `json:"event"`
	Result        RiskLevel   `json:"result"`
	Timestamp     float64     `json:"timestamp"`
	Distance      float64     `json:"distance"`
	RelativeSpeed float64     `json:"relative_speed"`
	// TTC is omitted when there is no projected collision (JSON cannot
	// represent +Inf). Readers treat an absent ttc as infinite.
	TTC       *float64 `json:"ttc,omitempty"`
	RiskScore float64  `json:"risk_score"`
}

// Heartbeat is the periodic liveness message.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Status    string      `json:"status"`
}

// Connection reports a link state change.
type Connection struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	Timestamp float64     `json:"timestamp"`
}

// NewEvent builds an event message stamped with the current wall clock.
// A non-finite ttc is encoded by omitting the field.
func NewEvent(name string, level RiskLevel, distance, relativeSpeed, ttc, riskScore float64) *Event {
	ev := &Event{
		Type:          TypeEvent,
		Name:          name,
		Result:        level,
		Timestamp:     Now(),
		Distance:      distance,
		RelativeSpeed: relativeSpeed,
		RiskScore:     riskScore,
	}
	if !math.IsInf(ttc, 0) && !math.IsNaN(ttc) {
		ev.TTC = &ttc
	}
	return ev
}

// NewHeartbeat builds an alive heartbeat stamped with the current wall clock.
func NewHeartbeat() *Heartbeat {
	return &Heartbeat{Type: TypeHeartbeat, Timestamp: Now(), Status: HeartbeatAlive}
}

// NewConnection builds a connection status message.
func NewConnection(status string) *Connection {
	return &Connection{Type: TypeConnection, Status: status, Timestamp: Now()}
}

// Validate rejects events whose numeric payload cannot be serialized.
func (e *Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name is empty")
	}
	fields := map[string]float64{
		"distance":       e.Distance,
		"relative_speed": e.RelativeSpeed,
		"risk_score":     e.RiskScore,
		"timestamp":      e.Timestamp,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("field %s is not finite: %v", name, v)
		}
	}
	if e.TTC != nil && (math.IsNaN(*e.TTC) || math.IsInf(*e.TTC, 0)) {
		return fmt.Errorf("field ttc is not finite: %v", *e.TTC)
	}
	return nil
}

// Encode writes v as one JSON object followed by a single newline.
func Encode(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Envelope is the flattened union of all message fields, used by readers
// that dispatch on the type discriminator.
type Envelope struct {
	Type          MessageType `json:"type"`
	Timestamp     float64     `json:"timestamp"`
	Name          string      `json:"event,omitempty"`
	Result        string      `json:"result,omitempty"`
	Status        string      `json:"status,omitempty"`
	Distance      float64     `json:"distance,omitempty"`
	RelativeSpeed float64     `json:"relative_speed,omitempty"`
	TTC           *float64    `json:"ttc,omitempty"`
	RiskScore     float64     `json:"risk_score,omitempty"`
}

// ParseLine decodes a single newline-framed message.
func ParseLine(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}
	return &env, nil
}

// TTCOrInf returns the decoded ttc, treating an absent field as +Inf.
func (e *Envelope) TTCOrInf() float64 {
	if e.TTC == nil {
		return math.Inf(1)
	}
	return *e.TTC
}

// Time converts the float epoch timestamp to a time.Time.
func (e *Envelope) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Now returns the current wall clock as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewScanner returns a bufio.Scanner configured for newline-delimited
// JSON streams with a generous per-message limit.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	return sc
}
