package snapshot

import (
	"fmt"
	"time"

	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/unit"
	"google.golang.org/protobuf/encoding/protowire"
)

// Version is written into every encoded state. Decode rejects newer versions.
const Version = 1

// Field numbers of the encoded messages. Numbers are never reused.
const (
	fieldStateVersion    protowire.Number = 1
	fieldStateRecord     protowire.Number = 2
	fieldStateEndOfInput protowire.Number = 3

	fieldRecordCheckpointID protowire.Number = 1
	fieldRecordUnit         protowire.Number = 2

	fieldUnitPartition         protowire.Number = 1
	fieldUnitHandle            protowire.Number = 2
	fieldUnitCreatedCheckpoint protowire.Number = 3
	fieldUnitRecords           protowire.Number = 4
	fieldUnitBytes             protowire.Number = 5
	fieldUnitOpenedAt          protowire.Number = 6
	fieldUnitLastWriteAt       protowire.Number = 7
	fieldUnitFirstEventTime    protowire.Number = 8
)

// Encode serialises s in protobuf wire format.
func Encode(s State) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStateVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)

	for _, rec := range s.Records {
		b = protowire.AppendTag(b, fieldStateRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRecord(rec))
	}

	if len(s.EndOfInput) > 0 {
		var packed []byte
		for _, f := range s.EndOfInput {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(f))
		}
		b = protowire.AppendTag(b, fieldStateEndOfInput, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func encodeRecord(rec commitlog.Record) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRecordCheckpointID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.CheckpointID))
	for _, u := range rec.Units {
		b = protowire.AppendTag(b, fieldRecordUnit, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeUnit(u))
	}
	return b
}

func encodeUnit(u unit.Unit) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldUnitPartition, protowire.BytesType)
	b = protowire.AppendString(b, u.Partition)
	b = protowire.AppendTag(b, fieldUnitHandle, protowire.BytesType)
	b = protowire.AppendString(b, string(u.Handle))
	b = appendInt(b, fieldUnitCreatedCheckpoint, u.CreatedCheckpoint)
	b = appendInt(b, fieldUnitRecords, u.Records)
	b = appendInt(b, fieldUnitBytes, u.Bytes)
	b = appendTime(b, fieldUnitOpenedAt, u.OpenedAt)
	b = appendTime(b, fieldUnitLastWriteAt, u.LastWriteAt)
	if u.FirstEventTime != nil {
		b = appendTime(b, fieldUnitFirstEventTime, *u.FirstEventTime)
	}
	return b
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

// Decode parses state written by Encode. Unknown fields are skipped, a known
// field with the wrong wire type is not. Any malformed input yields a
// commitlog.CorruptStateError.
func Decode(data []byte) (State, error) {
	var (
		s          State
		sawVersion bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return State{}, corrupt("state tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldStateVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return State{}, corrupt("state version", protowire.ParseError(n))
			}
			if v == 0 || v > Version {
				return State{}, commitlog.NewCorruptStateError(fmt.Sprintf("unsupported state version %d", v), nil)
			}
			sawVersion = true
			data = data[n:]

		case num == fieldStateRecord && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return State{}, corrupt("record", protowire.ParseError(n))
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return State{}, err
			}
			s.Records = append(s.Records, rec)
			data = data[n:]

		case num == fieldStateEndOfInput && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return State{}, corrupt("end of input flags", protowire.ParseError(n))
			}
			for len(raw) > 0 {
				v, m := protowire.ConsumeVarint(raw)
				if m < 0 {
					return State{}, corrupt("end of input flag", protowire.ParseError(m))
				}
				s.EndOfInput = append(s.EndOfInput, protowire.DecodeBool(v))
				raw = raw[m:]
			}
			data = data[n:]

		case num == fieldStateEndOfInput && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return State{}, corrupt("end of input flag", protowire.ParseError(n))
			}
			s.EndOfInput = append(s.EndOfInput, protowire.DecodeBool(v))
			data = data[n:]

		case num >= fieldStateVersion && num <= fieldStateEndOfInput:
			return State{}, wrongType("state", num, typ)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return State{}, corrupt(fmt.Sprintf("state field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !sawVersion {
		return State{}, commitlog.NewCorruptStateError("missing state version", nil)
	}
	return s, nil
}

func decodeRecord(data []byte) (commitlog.Record, error) {
	var (
		rec   commitlog.Record
		sawID bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return rec, corrupt("record tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldRecordCheckpointID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return rec, corrupt("checkpoint id", protowire.ParseError(n))
			}
			rec.CheckpointID = int64(v)
			sawID = true
			data = data[n:]

		case num == fieldRecordUnit && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return rec, corrupt("unit", protowire.ParseError(n))
			}
			u, err := decodeUnit(raw)
			if err != nil {
				return rec, err
			}
			rec.Units = append(rec.Units, u)
			data = data[n:]

		case num >= fieldRecordCheckpointID && num <= fieldRecordUnit:
			return rec, wrongType("record", num, typ)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return rec, corrupt(fmt.Sprintf("record field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !sawID || rec.CheckpointID <= unit.Unassigned {
		return rec, commitlog.NewCorruptStateError(fmt.Sprintf("record has invalid checkpoint id %d", rec.CheckpointID), nil)
	}
	for i := range rec.Units {
		rec.Units[i].State = unit.StatePending
		rec.Units[i].CheckpointID = rec.CheckpointID
	}
	return rec, nil
}

func decodeUnit(data []byte) (unit.Unit, error) {
	var u unit.Unit

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return u, corrupt("unit tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case (num == fieldUnitPartition || num == fieldUnitHandle) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return u, corrupt("unit string field", protowire.ParseError(n))
			}
			if num == fieldUnitPartition {
				u.Partition = v
			} else {
				u.Handle = unit.Handle(v)
			}
			data = data[n:]

		case num >= fieldUnitCreatedCheckpoint && num <= fieldUnitFirstEventTime && typ == protowire.VarintType:
			raw, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return u, corrupt(fmt.Sprintf("unit field %d", num), protowire.ParseError(n))
			}
			setUnitInt(&u, num, protowire.DecodeZigZag(raw))
			data = data[n:]

		case num >= fieldUnitPartition && num <= fieldUnitFirstEventTime:
			return u, wrongType("unit", num, typ)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return u, corrupt(fmt.Sprintf("unit field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if u.Partition == "" || u.Handle == "" {
		return u, commitlog.NewCorruptStateError("unit without partition or handle", nil)
	}
	return u, nil
}

func setUnitInt(u *unit.Unit, num protowire.Number, v int64) {
	switch num {
	case fieldUnitCreatedCheckpoint:
		u.CreatedCheckpoint = v
	case fieldUnitRecords:
		u.Records = v
	case fieldUnitBytes:
		u.Bytes = v
	case fieldUnitOpenedAt:
		u.OpenedAt = time.Unix(0, v).UTC()
	case fieldUnitLastWriteAt:
		u.LastWriteAt = time.Unix(0, v).UTC()
	case fieldUnitFirstEventTime:
		t := time.Unix(0, v).UTC()
		u.FirstEventTime = &t
	}
}

// wrongType rejects a known field carrying an unexpected wire type.
func wrongType(msg string, num protowire.Number, typ protowire.Type) error {
	return commitlog.NewCorruptStateError(fmt.Sprintf("malformed %s field %d: unexpected wire type %d", msg, num, typ), nil)
}

func corrupt(what string, err error) error {
	return commitlog.NewCorruptStateError("malformed "+what, err)
}
