package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrPartition    = attribute.Key("sink.partition")
	AttrCheckpointID = attribute.Key("sink.checkpoint.id")
	AttrErrorPhase   = attribute.Key("sink.error.phase")
	AttrRollReason   = attribute.Key("sink.roll.reason")
	AttrInstance     = attribute.Key("sink.instance")
)

// Error phase values
const (
	PhaseOpen     = "open"
	PhaseWrite    = "write"
	PhaseRoll     = "roll"
	PhaseFinalize = "finalize"
	PhaseRestore  = "restore"
)
