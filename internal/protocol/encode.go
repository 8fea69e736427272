package protocol

import (
	"fmt"

	"github.com/danmuck/fieldgate/internal/protocol/frame"
)

// Serialise encodes m as one complete frame at version.
func Serialise(m Message, version int, limits frame.Limits) ([]byte, error) {
	if err := CheckEncodable(m, version); err != nil {
		return nil, err
	}
	d := DescriptorOf(m)
	w := &bodyWriter{}
	flags := m.encode(w, version)
	if w.err != nil {
		return nil, fmt.Errorf("encode %s v%d: %w", d.Name, version, w.err)
	}
	raw, err := frame.Encode(uint8(d.Type), flags, w.buf, limits)
	if err != nil {
		return nil, fmt.Errorf("encode %s v%d: %w", d.Name, version, err)
	}
	return raw, nil
}

// CheckEncodable reports whether m's kind can be emitted at version without
// encoding the body.
func CheckEncodable(m Message, version int) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := checkVersion(m.Type().String(), version); err != nil {
		return err
	}
	d := DescriptorOf(m)
	if version < d.MinVersion || version < d.MinEncodeVersion {
		return VersionError{Kind: d.Name, Version: version}
	}
	return nil
}

func boolFlag(v bool, bit uint8) uint8 {
	if v {
		return bit
	}
	return 0
}

// encode is reached only for version >= 2; v1 is rejected by MinEncodeVersion.
func (m *BulkMeasurements) encode(w *bodyWriter, version int) uint8 {
	w.count16(len(m.Meters))
	for _, md := range m.Meters {
		w.meter(md.Meter, version)
		w.count16(len(md.Sets))
		for _, set := range md.Sets {
			w.timestamp(set.Timestamp)
			w.count16(len(set.Measurements))
			for _, ms := range set.Measurements {
				w.i8(ms.Type)
				w.i8(ms.Unit)
				w.i8(ms.InputNumber)
				w.i64(ms.Value)
			}
		}
	}
	return 0
}

func (m *NotificationGaAddMode) encode(w *bodyWriter, _ int) uint8 {
	w.timestamp(m.Timestamp)
	return boolFlag(m.InAddMode, flagBit0)
}

func (m *NotificationGaTime) encode(w *bodyWriter, _ int) uint8 {
	w.timestamp(m.Timestamp)
	return 0
}

func (m *NotificationGaConnectedSet) encode(w *bodyWriter, version int) uint8 {
	w.count32(len(m.Meters))
	for _, cm := range m.Meters {
		if version < 4 {
			w.meter(cm.Meter, version)
			continue
		}
		w.u8(uint8(cm.Meter.ConnectionType))
		w.i64(cm.Meter.ID)
		w.u8(cm.DeviceType)
		w.u8(cm.DeviceOption)
		w.version(cm.Hardware)
		w.version(cm.Software)
	}
	return 0
}

func (m *NotificationGpState) encode(w *bodyWriter, version int) uint8 {
	w.timestamp(m.Timestamp)
	w.meter(m.Meter, version)
	return boolFlag(m.Online, flagBit0) | boolFlag(m.ControlManual, flagBit1) | boolFlag(m.RelayOn, flagBit2)
}

func (*AcknowledgementGaSoftware) encode(*bodyWriter, int) uint8 { return 0 }
func (*AcknowledgementGpSoftware) encode(*bodyWriter, int) uint8 { return 0 }
func (*ErrorGaSoftware) encode(*bodyWriter, int) uint8           { return 0 }
func (*ErrorGpSoftware) encode(*bodyWriter, int) uint8           { return 0 }

func (m *InfoAgentVersions) encode(w *bodyWriter, _ int) uint8 {
	w.version(m.Software)
	w.u8(m.DeviceType)
	w.version(m.Hardware)
	w.i32(m.Serial)
	return 0
}

func (m *InfoEventLog) encode(w *bodyWriter, _ int) uint8 {
	w.timestamp(m.Timestamp)
	w.i16(m.Code)
	w.cString(m.Text, eventTextLen)
	return 0
}

func (m *CommandGpSwitchRelay) encode(w *bodyWriter, version int) uint8 {
	w.meter(m.Meter, version)
	return boolFlag(m.On, flagBit0)
}

func (m *CommandGpSwitchControl) encode(w *bodyWriter, version int) uint8 {
	w.meter(m.Meter, version)
	return boolFlag(m.Manual, flagBit0)
}

func encodeMeters(w *bodyWriter, meters []Meter, version int) {
	w.count16(len(meters))
	for _, mt := range meters {
		w.meter(mt, version)
	}
}

func (m *ConfigGaRulesets) encode(w *bodyWriter, version int) uint8 {
	w.count16(len(m.RuleSets))
	for _, rs := range m.RuleSets {
		w.count16(len(rs.Rules))
		for _, rule := range rs.Rules {
			w.i8(rule.MeasurementType)
			w.i8(rule.Unit)
			w.i8(rule.InputNumber)
			w.u8(uint8(rule.Operator))
			w.i64(rule.Threshold)
			w.u8(uint8(rule.Action))
		}
		encodeMeters(w, rs.Meters, version)
	}
	return 0
}

func (m *ConfigGaSoftware) encode(w *bodyWriter, _ int) uint8 {
	w.version(m.Software)
	w.u8(m.HardwareModel)
	w.version(m.Hardware)
	w.count32(len(m.Image))
	w.raw(m.Image)
	return 0
}

func (m *ConfigGpSoftware) encode(w *bodyWriter, version int) uint8 {
	w.version(m.Software)
	w.u8(m.HardwareModel)
	w.version(m.Hardware)
	encodeMeters(w, m.Meters, version)
	w.count32(len(m.Image))
	w.raw(m.Image)
	return 0
}
