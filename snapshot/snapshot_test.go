//go:build unit

package snapshot_test

import (
	"testing"
	"time"

	"github.com/hugolhafner/go-filesink/commitlog"
	"github.com/hugolhafner/go-filesink/snapshot"
	"github.com/hugolhafner/go-filesink/unit"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func pending(partition, handle string, checkpointID int64) unit.Unit {
	return unit.Unit{
		Partition:    partition,
		Handle:       unit.Handle(handle),
		State:        unit.StatePending,
		CheckpointID: checkpointID,
	}
}

func TestEncodeDecode(t *testing.T) {
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := opened.Add(-time.Hour)

	u := pending("dt=2024-03-01", "dt=2024-03-01/part-1", 4)
	u.CreatedCheckpoint = 3
	u.Records = 10
	u.Bytes = 1024
	u.OpenedAt = opened
	u.LastWriteAt = opened.Add(time.Minute)
	u.FirstEventTime = &first

	in := snapshot.State{
		Records: []commitlog.Record{
			{CheckpointID: 4, Units: []unit.Unit{u}},
			{CheckpointID: unit.TerminalCheckpointID, Units: []unit.Unit{pending("b", "b/part-2", unit.TerminalCheckpointID)}},
		},
		EndOfInput: []bool{true, false},
	}

	out, err := snapshot.Decode(snapshot.Encode(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecode_EmptyState(t *testing.T) {
	out, err := snapshot.Decode(snapshot.Encode(snapshot.State{}))
	require.NoError(t, err)
	require.True(t, out.Empty())
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	b := snapshot.Encode(snapshot.State{EndOfInput: []bool{true}})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "added by a newer writer")
	b = protowire.AppendTag(b, 100, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)

	out, err := snapshot.Decode(b)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, out.EndOfInput)
}

func TestDecode_Corrupt(t *testing.T) {
	valid := snapshot.Encode(snapshot.State{
		Records: []commitlog.Record{{CheckpointID: 1, Units: []unit.Unit{pending("a", "a/1", 1)}}},
	})

	var futureVersion []byte
	futureVersion = protowire.AppendTag(futureVersion, 1, protowire.VarintType)
	futureVersion = protowire.AppendVarint(futureVersion, snapshot.Version+1)

	var zeroCheckpoint []byte
	zeroCheckpoint = protowire.AppendTag(zeroCheckpoint, 1, protowire.VarintType)
	zeroCheckpoint = protowire.AppendVarint(zeroCheckpoint, snapshot.Version)
	zeroCheckpoint = protowire.AppendTag(zeroCheckpoint, 2, protowire.BytesType)
	zeroCheckpoint = protowire.AppendBytes(zeroCheckpoint, nil)

	var recordAsVarint []byte
	recordAsVarint = protowire.AppendTag(recordAsVarint, 1, protowire.VarintType)
	recordAsVarint = protowire.AppendVarint(recordAsVarint, snapshot.Version)
	recordAsVarint = protowire.AppendTag(recordAsVarint, 2, protowire.VarintType)
	recordAsVarint = protowire.AppendVarint(recordAsVarint, 7)

	withRecord := func(rec []byte) []byte {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, snapshot.Version)
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		return protowire.AppendBytes(b, rec)
	}

	var unitAsVarint []byte
	unitAsVarint = protowire.AppendTag(unitAsVarint, 1, protowire.VarintType)
	unitAsVarint = protowire.AppendVarint(unitAsVarint, 1)
	unitAsVarint = protowire.AppendTag(unitAsVarint, 2, protowire.VarintType)
	unitAsVarint = protowire.AppendVarint(unitAsVarint, 7)

	var handleAsVarint []byte
	handleAsVarint = protowire.AppendTag(handleAsVarint, 1, protowire.BytesType)
	handleAsVarint = protowire.AppendString(handleAsVarint, "a")
	handleAsVarint = protowire.AppendTag(handleAsVarint, 2, protowire.VarintType)
	handleAsVarint = protowire.AppendVarint(handleAsVarint, 7)
	var unitInRecord []byte
	unitInRecord = protowire.AppendTag(unitInRecord, 1, protowire.VarintType)
	unitInRecord = protowire.AppendVarint(unitInRecord, 1)
	unitInRecord = protowire.AppendTag(unitInRecord, 2, protowire.BytesType)
	unitInRecord = protowire.AppendBytes(unitInRecord, handleAsVarint)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty input", nil},
		{"record with varint wire type", recordAsVarint},
		{"unit with varint wire type", withRecord(unitAsVarint)},
		{"handle with varint wire type", withRecord(unitInRecord)},
		{"truncated", valid[:len(valid)-3]},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"future version", futureVersion},
		{"record without checkpoint", zeroCheckpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := snapshot.Decode(tt.data)
			require.Error(t, err)
			_, ok := commitlog.AsCorruptStateError(err)
			require.True(t, ok)
		})
	}
}

func TestRedistribute_KeepsPartitionsTogether(t *testing.T) {
	states := []snapshot.State{
		{
			Records: []commitlog.Record{
				{CheckpointID: 1, Units: []unit.Unit{pending("a", "a/1", 1), pending("b", "b/1", 1)}},
				{CheckpointID: 2, Units: []unit.Unit{pending("a", "a/2", 2)}},
			},
			EndOfInput: []bool{false},
		},
		{
			Records: []commitlog.Record{
				{CheckpointID: 2, Units: []unit.Unit{pending("c", "c/2", 2)}},
			},
			EndOfInput: []bool{false},
		},
		{EndOfInput: []bool{false}},
	}

	out, err := snapshot.Redistribute(states, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)

	total := 0
	for i, st := range out {
		require.Equal(t, []bool{false, false, false}, st.EndOfInput)

		var last int64
		for _, rec := range st.Records {
			require.Greater(t, rec.CheckpointID, last)
			last = rec.CheckpointID
			for _, u := range rec.Units {
				require.Equal(t, i, snapshot.InstanceFor(u.Partition, 2))
				total++
			}
		}
	}
	require.Equal(t, 4, total)

	aInstance := out[snapshot.InstanceFor("a", 2)]
	var handles []unit.Handle
	for _, rec := range aInstance.Records {
		for _, u := range rec.Units {
			if u.Partition == "a" {
				handles = append(handles, u.Handle)
			}
		}
	}
	require.Equal(t, []unit.Handle{"a/1", "a/2"}, handles)
}

func TestRedistribute_EndOfInputFlags(t *testing.T) {
	allDone := []snapshot.State{{EndOfInput: []bool{true}}, {EndOfInput: []bool{true}}, {EndOfInput: []bool{true}}}
	out, err := snapshot.Redistribute(allDone, 2)
	require.NoError(t, err)
	for _, st := range out {
		require.Equal(t, []bool{true, true, true}, st.EndOfInput)
	}

	mixed := []snapshot.State{{EndOfInput: []bool{true}}, {EndOfInput: []bool{false}}}
	for _, n := range []int{1, 2, 5} {
		out, err := snapshot.Redistribute(mixed, n)
		require.NoError(t, err)
		require.Len(t, out, n)
		for _, st := range out {
			require.Contains(t, st.EndOfInput, false)
		}
	}
}

func TestRedistribute_Invalid(t *testing.T) {
	_, err := snapshot.Redistribute(nil, 0)
	require.Error(t, err)

	_, err = snapshot.Redistribute([]snapshot.State{{
		Records: []commitlog.Record{{CheckpointID: 1, Units: []unit.Unit{pending("a", "", 1)}}},
	}}, 2)
	_, ok := commitlog.AsCorruptStateError(err)
	require.True(t, ok)
}
