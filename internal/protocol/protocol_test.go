package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/fieldgate/internal/protocol/frame"
	"github.com/danmuck/fieldgate/internal/testutil/testlog"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	return b
}

func signExtend(v uint64) int64 { return int64(v) }

func TestParseBulkMeasurementsV1GroupsByMeter(t *testing.T) {
	testlog.Start(t)

	raw := mustHex(t, "00000048 0000 00 01 00000003"+
		"AAAAAAAABBBBBBBB ABCDABCD 0000000011111111"+
		"AAAAAAAABBBBBBBB ABCDABEF 0000000022222222"+
		"CCCCCCCCDDDDDDDD 12341234 0000000033333333")

	msg, err := Parse(raw, 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bulk, ok := msg.(*BulkMeasurements)
	if !ok {
		t.Fatalf("unexpected kind %T", msg)
	}
	if len(bulk.Meters) != 2 {
		t.Fatalf("expected 2 meters, got %d", len(bulk.Meters))
	}

	first := bulk.Meters[0]
	if first.Meter.ID != signExtend(0xAAAAAAAABBBBBBBB) || first.Meter.ConnectionType != 0 {
		t.Fatalf("first meter mismatch: %+v", first.Meter)
	}
	if len(first.Sets) != 2 {
		t.Fatalf("expected 2 sets for first meter, got %d", len(first.Sets))
	}
	if d := first.Sets[1].Timestamp.Sub(first.Sets[0].Timestamp); d != 34*time.Second {
		t.Fatalf("set timestamps differ by %s", d)
	}
	for i, want := range []int64{0x11111111, 0x22222222} {
		ms := first.Sets[i].Measurements
		if len(ms) != 1 || ms[0] != (Measurement{Value: want}) {
			t.Fatalf("set %d measurements mismatch: %+v", i, ms)
		}
	}

	second := bulk.Meters[1]
	if second.Meter.ID != signExtend(0xCCCCCCCCDDDDDDDD) {
		t.Fatalf("second meter mismatch: %+v", second.Meter)
	}
	if len(second.Sets) != 1 || len(second.Sets[0].Measurements) != 1 ||
		second.Sets[0].Measurements[0].Value != 0x33333333 {
		t.Fatalf("second meter sets mismatch: %+v", second.Sets)
	}
}

func TestParseBulkMeasurementsV1InterleavedIDsStaySorted(t *testing.T) {
	testlog.Start(t)

	raw := mustHex(t, "00000048 0000 00 00 00000003"+
		"0000000000000002 00000001 0000000000000001"+
		"0000000000000001 00000002 0000000000000002"+
		"0000000000000002 00000003 0000000000000003")
	msg, err := Parse(raw, 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	bulk := msg.(*BulkMeasurements)
	if len(bulk.Meters) != 2 || bulk.Meters[0].Meter.ID != 1 || bulk.Meters[1].Meter.ID != 2 {
		t.Fatalf("unexpected grouping: %+v", bulk.Meters)
	}
	sets := bulk.Meters[1].Sets
	if len(sets) != 2 || sets[0].Measurements[0].Value != 1 || sets[1].Measurements[0].Value != 3 {
		t.Fatalf("stable order lost: %+v", sets)
	}
}

func TestParseNotificationGaAddModeV1(t *testing.T) {
	testlog.Start(t)

	msg, err := Parse(mustHex(t, "0000000C 0000 0B 00 0000A4B2"), 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	add, ok := msg.(*NotificationGaAddMode)
	if !ok {
		t.Fatalf("unexpected kind %T", msg)
	}
	want := time.Date(2000, 1, 1, 11, 42, 42, 0, time.UTC)
	if !add.Timestamp.Equal(want) || add.InAddMode {
		t.Fatalf("unexpected message: %+v", add)
	}
}

func TestParseNotificationGpStateV1Flags(t *testing.T) {
	testlog.Start(t)

	msg, err := Parse(mustHex(t, "00000014 0000 0E 03 0000A4B2 FFEEFFFF00001100"), 1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st, ok := msg.(*NotificationGpState)
	if !ok {
		t.Fatalf("unexpected kind %T", msg)
	}
	if !st.Online || !st.ControlManual || st.RelayOn {
		t.Fatalf("flags mismatch: %+v", st)
	}
	if !st.Timestamp.Equal(time.Date(2000, 1, 1, 11, 42, 42, 0, time.UTC)) {
		t.Fatalf("timestamp mismatch: %s", st.Timestamp)
	}
	if st.Meter != (Meter{ConnectionType: 0, ID: signExtend(0xFFEEFFFF00001100)}) {
		t.Fatalf("meter mismatch: %+v", st.Meter)
	}
}

func sampleMessages() []Message {
	ts := time.Date(2024, 3, 9, 17, 5, 12, 0, time.UTC)
	hw := Version{Major: 2, Minor: 1, Revision: 0, Extra: "-rev"}
	sw := Version{Major: 4, Minor: 10, Revision: 7, Extra: "betaé"}
	return []Message{
		&BulkMeasurements{Meters: []MeterData{{
			Meter: Meter{ConnectionType: 1, ID: 0xAABBCC},
			Sets: []MeasurementSet{
				{Timestamp: ts, Measurements: []Measurement{{Type: 1, Unit: 2, InputNumber: 3, Value: -42}}},
				{Timestamp: ts.Add(time.Minute), Measurements: []Measurement{{Type: 4, Value: 1 << 40}}},
			},
		}}},
		&NotificationGaAddMode{Timestamp: ts, InAddMode: true},
		&NotificationGaTime{Timestamp: ts},
		&NotificationGaConnectedSet{Meters: []ConnectedMeter{
			{Meter: Meter{ConnectionType: 2, ID: 7}, DeviceType: 3, DeviceOption: 1, Hardware: hw, Software: sw},
			{Meter: Meter{ID: -1}},
		}},
		&NotificationGpState{Timestamp: ts, Meter: Meter{ConnectionType: 1, ID: 0xAABBCC}, Online: true, RelayOn: true},
		&AcknowledgementGaSoftware{},
		&AcknowledgementGpSoftware{},
		&ErrorGaSoftware{},
		&ErrorGpSoftware{},
		&InfoAgentVersions{Software: sw, DeviceType: 9, Hardware: hw, Serial: -12345},
		&InfoEventLog{Timestamp: ts, Code: -3, Text: "relay stuck on meter 7"},
		&CommandGpSwitchRelay{Meter: Meter{ConnectionType: 1, ID: 99}, On: true},
		&CommandGpSwitchControl{Meter: Meter{ConnectionType: 1, ID: 99}},
		&ConfigGaRulesets{RuleSets: []RuleSet{{
			Rules: []Rule{
				{MeasurementType: 1, Unit: 2, InputNumber: 0, Operator: OpGreaterEqual, Threshold: 2500, Action: ActionRelayOff},
				{MeasurementType: 1, Unit: 2, Operator: OpLess, Threshold: 1000, Action: ActionRelayOn},
			},
			Meters: []Meter{{ConnectionType: 1, ID: 5}, {ConnectionType: 1, ID: 6}},
		}}},
		&ConfigGaSoftware{Software: sw, HardwareModel: 3, Hardware: hw, Image: []byte(":10000000DEADBEEF\n")},
		&ConfigGpSoftware{Software: sw, HardwareModel: 4, Hardware: hw, Meters: []Meter{{ID: 5}}, Image: []byte{1, 2, 3}},
	}
}

func TestSerialiseParseRoundTripAllVersions(t *testing.T) {
	testlog.Start(t)

	for _, msg := range sampleMessages() {
		d := DescriptorOf(msg)
		for v := d.MinEncodeVersion; v <= CurrentVersion; v++ {
			t.Run(d.Name, func(t *testing.T) {
				raw, err := Serialise(msg, v, frame.DefaultLimits())
				if err != nil {
					t.Fatalf("v%d serialise: %v", v, err)
				}
				parsed, err := Parse(raw, v)
				if err != nil {
					t.Fatalf("v%d parse: %v", v, err)
				}
				if parsed.Type() != msg.Type() {
					t.Fatalf("v%d kind changed: %s", v, parsed.Type())
				}
				again, err := Serialise(parsed, v, frame.DefaultLimits())
				if err != nil {
					t.Fatalf("v%d re-serialise: %v", v, err)
				}
				if !bytes.Equal(raw, again) {
					t.Fatalf("v%d round trip mismatch:\n got=% x\nwant=% x", v, again, raw)
				}
			})
		}
	}
}

func TestSerialiseHeaderCarriesTagLengthFlags(t *testing.T) {
	testlog.Start(t)

	raw, err := Serialise(&NotificationGpState{
		Timestamp: TimeFromWire(0xA4B2),
		Meter:     Meter{ID: signExtend(0xFFEEFFFF00001100)},
		Online:    true, ControlManual: true,
	}, 1, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("serialise: %v", err)
	}
	if want := mustHex(t, "00000014 0000 0E 03 0000A4B2 FFEEFFFF00001100"); !bytes.Equal(raw, want) {
		t.Fatalf("wire mismatch:\n got=% x\nwant=% x", raw, want)
	}
}

func TestSerialiseBulkMeasurementsV1IsVersionError(t *testing.T) {
	testlog.Start(t)

	_, err := Serialise(&BulkMeasurements{}, 1, frame.DefaultLimits())
	var verr VersionError
	if !errors.As(err, &verr) || !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected VersionError, got %v", err)
	}
	if verr.Kind != "BulkMeasurements" || verr.Version != 1 {
		t.Fatalf("unexpected version error: %+v", verr)
	}
}

func TestSerialiseRejectsKindBeforeItsVersion(t *testing.T) {
	testlog.Start(t)

	if _, err := Serialise(&InfoEventLog{Timestamp: Epoch}, 4, frame.DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := Serialise(&NotificationGaTime{Timestamp: Epoch}, CurrentVersion+1, frame.DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion for future version, got %v", err)
	}
}

func TestParseUnknownTypeIsRecoverable(t *testing.T) {
	testlog.Start(t)

	_, err := Parse(mustHex(t, "0000000D 0000 7F 00 DEADBEEF00"), 3)
	var uerr UnknownTypeError
	if !errors.As(err, &uerr) || !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if uerr.Type != 0x7F {
		t.Fatalf("unexpected type id: %#x", uerr.Type)
	}

	raw, err := Serialise(&InfoEventLog{Timestamp: Epoch, Text: "x"}, 5, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("serialise: %v", err)
	}
	if _, err := Parse(raw, 4); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("InfoEventLog at v4 should be unknown, got %v", err)
	}
}

func TestParseOverrunIsMalformed(t *testing.T) {
	testlog.Start(t)

	// NotificationGpState v2 needs 13 body bytes; only 12 are present.
	_, err := Parse(mustHex(t, "00000014 0000 0E 00 0000A4B2 01FFEEFF00001100"), 2)
	if !errors.Is(err, ErrBodyOverrun) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrBodyOverrun, got %v", err)
	}
}

func TestParseHostileCountFailsWithoutAllocating(t *testing.T) {
	testlog.Start(t)

	_, err := Parse(mustHex(t, "0000000C 0000 0D 00 FFFFFFFF"), 4)
	if !errors.Is(err, ErrBodyOverrun) {
		t.Fatalf("expected ErrBodyOverrun, got %v", err)
	}
}

func TestParseRejectsVersionOutOfRange(t *testing.T) {
	testlog.Start(t)

	for _, v := range []int{0, -1, CurrentVersion + 1} {
		if _, err := Parse(mustHex(t, "0000000C 0000 0C 00 00000000"), v); !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("v%d: expected ErrUnsupportedVersion, got %v", v, err)
		}
	}
}

func TestFixedStringTruncatesAtNULAndDecodesLatin1(t *testing.T) {
	testlog.Start(t)

	if got := decodeCString([]byte{'c', 'a', 'f', 0xe9, 0x00, 'z', 'z'}); got != "café" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := decodeCString([]byte("no-terminator")); got != "no-terminator" {
		t.Fatalf("unexpected string %q", got)
	}

	field, err := encodeCString("café", versionExtraLen)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(field, []byte{'c', 'a', 'f', 0xe9, 0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("unexpected field % x", field)
	}
	if _, err := encodeCString("thirteen-char", versionExtraLen); !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
	if _, err := encodeCString("世", versionExtraLen); !errors.Is(err, ErrStringEncoding) {
		t.Fatalf("expected ErrStringEncoding, got %v", err)
	}
}

func TestTimeToWireRange(t *testing.T) {
	testlog.Start(t)

	if _, err := TimeToWire(Epoch.Add(-time.Second)); !errors.Is(err, ErrTimestampRange) {
		t.Fatalf("expected ErrTimestampRange, got %v", err)
	}
	sec, err := TimeToWire(Epoch.Add(42162*time.Second + 900*time.Millisecond))
	if err != nil || sec != 0xA4B2 {
		t.Fatalf("unexpected wire time %#x err=%v", sec, err)
	}
}

func TestDescriptorFlowControlFlags(t *testing.T) {
	testlog.Start(t)

	pause := map[MessageType]bool{TypeConfigGaSoftware: true, TypeConfigGpSoftware: true}
	resume := map[MessageType]bool{
		TypeAcknowledgementGaSoftware: true, TypeAcknowledgementGpSoftware: true,
		TypeErrorGaSoftware: true, TypeErrorGpSoftware: true,
	}
	all := Descriptors()
	if len(all) != 16 {
		t.Fatalf("expected 16 kinds, got %d", len(all))
	}
	for _, d := range all {
		if d.PauseAfterSend != pause[d.Type] {
			t.Fatalf("%s pause-after-send=%v", d.Name, d.PauseAfterSend)
		}
		if d.ResumeAfterReceive != resume[d.Type] {
			t.Fatalf("%s resume-after-receive=%v", d.Name, d.ResumeAfterReceive)
		}
		if d.Type.String() != d.Name {
			t.Fatalf("name mismatch for %#x", uint8(d.Type))
		}
	}
}
