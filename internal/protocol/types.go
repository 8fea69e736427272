package protocol

import (
	"fmt"
	"time"
)

const (
	MinVersion     = 1
	CurrentVersion = 5
)

// MessageType is the one-byte type tag carried in the frame header.
type MessageType uint8

const (
	TypeBulkMeasurements           MessageType = 0x00
	TypeCommandGpSwitchRelay       MessageType = 0x01
	TypeCommandGpSwitchControl     MessageType = 0x02
	TypeConfigGaRulesets           MessageType = 0x03
	TypeConfigGaSoftware           MessageType = 0x04
	TypeConfigGpSoftware           MessageType = 0x05
	TypeNotificationGaAddMode      MessageType = 0x0B
	TypeNotificationGaTime         MessageType = 0x0C
	TypeNotificationGaConnectedSet MessageType = 0x0D
	TypeNotificationGpState        MessageType = 0x0E
	TypeAcknowledgementGaSoftware  MessageType = 0x10
	TypeAcknowledgementGpSoftware  MessageType = 0x11
	TypeErrorGaSoftware            MessageType = 0x12
	TypeErrorGpSoftware            MessageType = 0x13
	TypeInfoAgentVersions          MessageType = 0x14
	TypeInfoEventLog               MessageType = 0x15
)

func (t MessageType) String() string {
	if d, ok := descriptors[t]; ok {
		return d.Name
	}
	return fmt.Sprintf("MessageType(%#02x)", uint8(t))
}

type Direction uint8

const (
	AgentToServer Direction = iota + 1
	ServerToAgent
)

func (d Direction) String() string {
	switch d {
	case AgentToServer:
		return "agent_to_server"
	case ServerToAgent:
		return "server_to_agent"
	default:
		return "unknown"
	}
}

// Descriptor is the static, per-kind metadata read by the codec and the
// connection scheduler.
type Descriptor struct {
	Type      MessageType
	Name      string
	Direction Direction

	// MinVersion is the first protocol version that carries the kind.
	MinVersion int
	// MinEncodeVersion is the first version this side can emit.
	MinEncodeVersion int

	// PauseAfterSend suspends the outgoing writer once the frame is written.
	PauseAfterSend bool
	// ResumeAfterReceive releases a suspended writer when the frame is parsed.
	ResumeAfterReceive bool

	decode func(r *bodyReader, flags uint8, version int) Message
}

// Message is the closed set of wire kinds. Only types in this package
// implement it.
type Message interface {
	Type() MessageType
	encode(w *bodyWriter, version int) (flags uint8)
}

var descriptors = map[MessageType]*Descriptor{
	TypeBulkMeasurements: {
		Name: "BulkMeasurements", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 2,
		decode: decodeBulkMeasurements,
	},
	TypeCommandGpSwitchRelay: {
		Name: "CommandGpSwitchRelay", Direction: ServerToAgent,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeCommandGpSwitchRelay,
	},
	TypeCommandGpSwitchControl: {
		Name: "CommandGpSwitchControl", Direction: ServerToAgent,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeCommandGpSwitchControl,
	},
	TypeConfigGaRulesets: {
		Name: "ConfigGaRulesets", Direction: ServerToAgent,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeConfigGaRulesets,
	},
	TypeConfigGaSoftware: {
		Name: "ConfigGaSoftware", Direction: ServerToAgent,
		MinVersion: 1, MinEncodeVersion: 1,
		PauseAfterSend: true,
		decode:         decodeConfigGaSoftware,
	},
	TypeConfigGpSoftware: {
		Name: "ConfigGpSoftware", Direction: ServerToAgent,
		MinVersion: 1, MinEncodeVersion: 1,
		PauseAfterSend: true,
		decode:         decodeConfigGpSoftware,
	},
	TypeNotificationGaAddMode: {
		Name: "NotificationGaAddMode", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeNotificationGaAddMode,
	},
	TypeNotificationGaTime: {
		Name: "NotificationGaTime", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeNotificationGaTime,
	},
	TypeNotificationGaConnectedSet: {
		Name: "NotificationGaConnectedSet", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeNotificationGaConnectedSet,
	},
	TypeNotificationGpState: {
		Name: "NotificationGpState", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		decode: decodeNotificationGpState,
	},
	TypeAcknowledgementGaSoftware: {
		Name: "AcknowledgementGaSoftware", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		ResumeAfterReceive: true,
		decode:             func(*bodyReader, uint8, int) Message { return &AcknowledgementGaSoftware{} },
	},
	TypeAcknowledgementGpSoftware: {
		Name: "AcknowledgementGpSoftware", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		ResumeAfterReceive: true,
		decode:             func(*bodyReader, uint8, int) Message { return &AcknowledgementGpSoftware{} },
	},
	TypeErrorGaSoftware: {
		Name: "ErrorGaSoftware", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		ResumeAfterReceive: true,
		decode:             func(*bodyReader, uint8, int) Message { return &ErrorGaSoftware{} },
	},
	TypeErrorGpSoftware: {
		Name: "ErrorGpSoftware", Direction: AgentToServer,
		MinVersion: 1, MinEncodeVersion: 1,
		ResumeAfterReceive: true,
		decode:             func(*bodyReader, uint8, int) Message { return &ErrorGpSoftware{} },
	},
	TypeInfoAgentVersions: {
		Name: "InfoAgentVersions", Direction: AgentToServer,
		MinVersion: 3, MinEncodeVersion: 3,
		decode: decodeInfoAgentVersions,
	},
	TypeInfoEventLog: {
		Name: "InfoEventLog", Direction: AgentToServer,
		MinVersion: 5, MinEncodeVersion: 5,
		decode: decodeInfoEventLog,
	},
}

func init() {
	for t, d := range descriptors {
		d.Type = t
	}
}

// Lookup returns the descriptor for t when the kind exists at version.
func Lookup(t MessageType, version int) (*Descriptor, bool) {
	d, ok := descriptors[t]
	if !ok || version < d.MinVersion {
		return nil, false
	}
	return d, true
}

// DescriptorOf returns the static descriptor of m's kind.
func DescriptorOf(m Message) *Descriptor {
	return descriptors[m.Type()]
}

// Descriptors lists every known kind in tag order.
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(descriptors))
	for t := 0; t < 256; t++ {
		if d, ok := descriptors[MessageType(t)]; ok {
			out = append(out, *d)
		}
	}
	return out
}

// Meter addresses one physical meter attached to an agent.
type Meter struct {
	ConnectionType int8  `json:"connection_type"`
	ID             int64 `json:"id"`
}

func (m Meter) String() string {
	return fmt.Sprintf("%d:%016x", m.ConnectionType, uint64(m.ID))
}

type Measurement struct {
	Type        int8  `json:"type"`
	Unit        int8  `json:"unit"`
	InputNumber int8  `json:"input_number"`
	Value       int64 `json:"value"`
}

type MeasurementSet struct {
	Timestamp    time.Time     `json:"timestamp"`
	Measurements []Measurement `json:"measurements"`
}

type MeterData struct {
	Meter Meter            `json:"meter"`
	Sets  []MeasurementSet `json:"sets"`
}

// Version is the wire version triple with a free-form suffix.
type Version struct {
	Major    uint8  `json:"major"`
	Minor    uint8  `json:"minor"`
	Revision uint8  `json:"revision"`
	Extra    string `json:"extra,omitempty"`
}

func (v Version) String() string {
	return fmt.Sprintf("%02d_%02d_%02d%s", v.Major, v.Minor, v.Revision, v.Extra)
}

// ConnectedMeter is one entry of NotificationGaConnectedSet. Device and
// version fields are populated from protocol version 4.
type ConnectedMeter struct {
	Meter        Meter   `json:"meter"`
	DeviceType   uint8   `json:"device_type"`
	DeviceOption uint8   `json:"device_option"`
	Hardware     Version `json:"hardware"`
	Software     Version `json:"software"`
}

type BulkMeasurements struct {
	Meters []MeterData `json:"meters"`
}

type NotificationGaAddMode struct {
	Timestamp time.Time `json:"timestamp"`
	InAddMode bool      `json:"in_add_mode"`
}

type NotificationGaTime struct {
	Timestamp time.Time `json:"timestamp"`
}

type NotificationGaConnectedSet struct {
	Meters []ConnectedMeter `json:"meters"`
}

type NotificationGpState struct {
	Timestamp     time.Time `json:"timestamp"`
	Meter         Meter     `json:"meter"`
	Online        bool      `json:"online"`
	ControlManual bool      `json:"control_manual"`
	RelayOn       bool      `json:"relay_on"`
}

type AcknowledgementGaSoftware struct{}
type AcknowledgementGpSoftware struct{}
type ErrorGaSoftware struct{}
type ErrorGpSoftware struct{}

type InfoAgentVersions struct {
	Software   Version `json:"software"`
	DeviceType uint8   `json:"device_type"`
	Hardware   Version `json:"hardware"`
	Serial     int32   `json:"serial"`
}

type InfoEventLog struct {
	Timestamp time.Time `json:"timestamp"`
	Code      int16     `json:"code"`
	Text      string    `json:"text"`
}

type CommandGpSwitchRelay struct {
	Meter Meter `json:"meter"`
	On    bool  `json:"on"`
}

type CommandGpSwitchControl struct {
	Meter  Meter `json:"meter"`
	Manual bool  `json:"manual"`
}

type Operator uint8

const (
	OpLess Operator = iota
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpEqual
)

type Action uint8

const (
	ActionRelayOff Action = iota
	ActionRelayOn
	ActionControlAuto
	ActionControlManual
)

type Rule struct {
	MeasurementType int8     `json:"measurement_type"`
	Unit            int8     `json:"unit"`
	InputNumber     int8     `json:"input_number"`
	Operator        Operator `json:"operator"`
	Threshold       int64    `json:"threshold"`
	Action          Action   `json:"action"`
}

type RuleSet struct {
	Rules  []Rule  `json:"rules"`
	Meters []Meter `json:"meters"`
}

type ConfigGaRulesets struct {
	RuleSets []RuleSet `json:"rule_sets"`
}

type ConfigGaSoftware struct {
	Software      Version `json:"software"`
	HardwareModel uint8   `json:"hardware_model"`
	Hardware      Version `json:"hardware"`
	Image         []byte  `json:"image,omitempty"`
}

type ConfigGpSoftware struct {
	Software      Version `json:"software"`
	HardwareModel uint8   `json:"hardware_model"`
	Hardware      Version `json:"hardware"`
	Meters        []Meter `json:"meters"`
	Image         []byte  `json:"image,omitempty"`
}

func (*BulkMeasurements) Type() MessageType           { return TypeBulkMeasurements }
func (*NotificationGaAddMode) Type() MessageType      { return TypeNotificationGaAddMode }
func (*NotificationGaTime) Type() MessageType         { return TypeNotificationGaTime }
func (*NotificationGaConnectedSet) Type() MessageType { return TypeNotificationGaConnectedSet }
func (*NotificationGpState) Type() MessageType        { return TypeNotificationGpState }
func (*AcknowledgementGaSoftware) Type() MessageType  { return TypeAcknowledgementGaSoftware }
func (*AcknowledgementGpSoftware) Type() MessageType  { return TypeAcknowledgementGpSoftware }
func (*ErrorGaSoftware) Type() MessageType            { return TypeErrorGaSoftware }
func (*ErrorGpSoftware) Type() MessageType            { return TypeErrorGpSoftware }
func (*InfoAgentVersions) Type() MessageType          { return TypeInfoAgentVersions }
func (*InfoEventLog) Type() MessageType               { return TypeInfoEventLog }
func (*CommandGpSwitchRelay) Type() MessageType       { return TypeCommandGpSwitchRelay }
func (*CommandGpSwitchControl) Type() MessageType     { return TypeCommandGpSwitchControl }
func (*ConfigGaRulesets) Type() MessageType           { return TypeConfigGaRulesets }
func (*ConfigGaSoftware) Type() MessageType           { return TypeConfigGaSoftware }
func (*ConfigGpSoftware) Type() MessageType           { return TypeConfigGpSoftware }
