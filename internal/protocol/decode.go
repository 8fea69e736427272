package protocol

import (
	"fmt"
	"slices"
	"time"

	"github.com/danmuck/fieldgate/internal/protocol/frame"
)

const (
	flagBit0 = 1 << 0
	flagBit1 = 1 << 1
	flagBit2 = 1 << 2
)

// Minimum on-wire record sizes, used to bound counts before allocating.
const (
	bulkV1RecordLen  = 8 + 4 + 8
	meterV1Len       = 8
	meterLen         = 1 + 8
	measurementLen   = 1 + 1 + 1 + 8
	setHeaderLen     = 4 + 2
	meterDataMinLen  = meterLen + 2
	connectedV4Len   = 1 + 8 + 1 + 1 + 2*versionWireLen
	ruleLen          = 1 + 1 + 1 + 1 + 8 + 1
	ruleSetHeaderLen = 2 + 2
)

// Parse decodes one complete frame at the negotiated version. Unknown tags,
// and known tags not carried at version, return UnknownTypeError; the frame
// is self-delimiting so the caller may skip it. Any other error is fatal to
// the stream.
func Parse(raw []byte, version int) (Message, error) {
	if err := checkVersion("parse", version); err != nil {
		return nil, err
	}
	fr, err := frame.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ParseFrame(fr, version)
}

// ParseFrame decodes an already split frame.
func ParseFrame(fr frame.Frame, version int) (Message, error) {
	t := MessageType(fr.Header.Type)
	d, ok := Lookup(t, version)
	if !ok {
		return nil, UnknownTypeError{Type: t, Version: version}
	}
	r := newBodyReader(fr.Body)
	m := d.decode(r, fr.Header.Flags, version)
	if r.err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", d.Name, version, r.err)
	}
	return m, nil
}

func checkVersion(kind string, version int) error {
	if version < MinVersion || version > CurrentVersion {
		return VersionError{Kind: kind, Version: version}
	}
	return nil
}

func meterWidth(version int) int {
	if version < 2 {
		return meterV1Len
	}
	return meterLen
}

type bulkV1Record struct {
	id    int64
	ts    time.Time
	value int64
}

func decodeBulkMeasurements(r *bodyReader, _ uint8, version int) Message {
	if version < 2 {
		return decodeBulkMeasurementsV1(r)
	}
	n := r.count(uint32(r.u16()), meterDataMinLen)
	out := &BulkMeasurements{Meters: make([]MeterData, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		md := MeterData{Meter: r.meter(version)}
		sets := r.count(uint32(r.u16()), setHeaderLen)
		md.Sets = make([]MeasurementSet, 0, sets)
		for j := 0; j < sets && r.err == nil; j++ {
			set := MeasurementSet{Timestamp: r.timestamp()}
			cnt := r.count(uint32(r.u16()), measurementLen)
			set.Measurements = make([]Measurement, 0, cnt)
			for k := 0; k < cnt && r.err == nil; k++ {
				set.Measurements = append(set.Measurements, Measurement{
					Type:        r.i8(),
					Unit:        r.i8(),
					InputNumber: r.i8(),
					Value:       r.i64(),
				})
			}
			md.Sets = append(md.Sets, set)
		}
		out.Meters = append(out.Meters, md)
	}
	return out
}

// decodeBulkMeasurementsV1 groups flat (id, ts, value) records into one
// MeterData per id. Records are stable-sorted by id first so the order of
// sets within a meter follows wire order.
func decodeBulkMeasurementsV1(r *bodyReader) Message {
	n := r.count(r.u32(), bulkV1RecordLen)
	recs := make([]bulkV1Record, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		recs = append(recs, bulkV1Record{id: r.i64(), ts: r.timestamp(), value: r.i64()})
	}
	slices.SortStableFunc(recs, func(a, b bulkV1Record) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})

	out := &BulkMeasurements{}
	for _, rec := range recs {
		if len(out.Meters) == 0 || out.Meters[len(out.Meters)-1].Meter.ID != rec.id {
			out.Meters = append(out.Meters, MeterData{Meter: Meter{ID: rec.id}})
		}
		md := &out.Meters[len(out.Meters)-1]
		md.Sets = append(md.Sets, MeasurementSet{
			Timestamp:    rec.ts,
			Measurements: []Measurement{{Value: rec.value}},
		})
	}
	if out.Meters == nil {
		out.Meters = []MeterData{}
	}
	return out
}

func decodeNotificationGaAddMode(r *bodyReader, flags uint8, _ int) Message {
	return &NotificationGaAddMode{Timestamp: r.timestamp(), InAddMode: flags&flagBit0 != 0}
}

func decodeNotificationGaTime(r *bodyReader, _ uint8, _ int) Message {
	return &NotificationGaTime{Timestamp: r.timestamp()}
}

func decodeNotificationGaConnectedSet(r *bodyReader, _ uint8, version int) Message {
	width := meterWidth(version)
	if version >= 4 {
		width = connectedV4Len
	}
	n := r.count(r.u32(), width)
	out := &NotificationGaConnectedSet{Meters: make([]ConnectedMeter, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		if version < 4 {
			out.Meters = append(out.Meters, ConnectedMeter{Meter: r.meter(version)})
			continue
		}
		cm := ConnectedMeter{}
		cm.Meter.ConnectionType = int8(r.u8())
		cm.Meter.ID = r.i64()
		cm.DeviceType = r.u8()
		cm.DeviceOption = r.u8()
		cm.Hardware = r.version()
		cm.Software = r.version()
		out.Meters = append(out.Meters, cm)
	}
	return out
}

func decodeNotificationGpState(r *bodyReader, flags uint8, version int) Message {
	return &NotificationGpState{
		Timestamp:     r.timestamp(),
		Meter:         r.meter(version),
		Online:        flags&flagBit0 != 0,
		ControlManual: flags&flagBit1 != 0,
		RelayOn:       flags&flagBit2 != 0,
	}
}

func decodeInfoAgentVersions(r *bodyReader, _ uint8, _ int) Message {
	return &InfoAgentVersions{
		Software:   r.version(),
		DeviceType: r.u8(),
		Hardware:   r.version(),
		Serial:     r.i32(),
	}
}

func decodeInfoEventLog(r *bodyReader, _ uint8, _ int) Message {
	return &InfoEventLog{
		Timestamp: r.timestamp(),
		Code:      r.i16(),
		Text:      r.cString(eventTextLen),
	}
}

func decodeCommandGpSwitchRelay(r *bodyReader, flags uint8, version int) Message {
	return &CommandGpSwitchRelay{Meter: r.meter(version), On: flags&flagBit0 != 0}
}

func decodeCommandGpSwitchControl(r *bodyReader, flags uint8, version int) Message {
	return &CommandGpSwitchControl{Meter: r.meter(version), Manual: flags&flagBit0 != 0}
}

func decodeMeters(r *bodyReader, version int) []Meter {
	n := r.count(uint32(r.u16()), meterWidth(version))
	out := make([]Meter, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.meter(version))
	}
	return out
}

func decodeConfigGaRulesets(r *bodyReader, _ uint8, version int) Message {
	n := r.count(uint32(r.u16()), ruleSetHeaderLen)
	out := &ConfigGaRulesets{RuleSets: make([]RuleSet, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		rules := r.count(uint32(r.u16()), ruleLen)
		rs := RuleSet{Rules: make([]Rule, 0, rules)}
		for j := 0; j < rules && r.err == nil; j++ {
			rs.Rules = append(rs.Rules, Rule{
				MeasurementType: r.i8(),
				Unit:            r.i8(),
				InputNumber:     r.i8(),
				Operator:        Operator(r.u8()),
				Threshold:       r.i64(),
				Action:          Action(r.u8()),
			})
		}
		rs.Meters = decodeMeters(r, version)
		out.RuleSets = append(out.RuleSets, rs)
	}
	return out
}

func decodeImage(r *bodyReader) []byte {
	n := r.count(r.u32(), 1)
	return r.bytesN(n)
}

func decodeConfigGaSoftware(r *bodyReader, _ uint8, _ int) Message {
	return &ConfigGaSoftware{
		Software:      r.version(),
		HardwareModel: r.u8(),
		Hardware:      r.version(),
		Image:         decodeImage(r),
	}
}

func decodeConfigGpSoftware(r *bodyReader, _ uint8, version int) Message {
	m := &ConfigGpSoftware{
		Software:      r.version(),
		HardwareModel: r.u8(),
		Hardware:      r.version(),
	}
	m.Meters = decodeMeters(r, version)
	m.Image = decodeImage(r)
	return m
}
