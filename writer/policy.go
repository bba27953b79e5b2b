package writer

import (
	"time"

	"github.com/hugolhafner/go-filesink/unit"
)

type RollReason string

const (
	RollNone       RollReason = ""
	RollSize       RollReason = "size"
	RollInterval   RollReason = "interval"
	RollInactivity RollReason = "inactivity"
	RollEventTime  RollReason = "event_time"
	RollCheckpoint RollReason = "checkpoint"
	RollEndOfInput RollReason = "end_of_input"
)

// RollingPolicy decides when an open unit is closed between checkpoints. Zero
// values disable the corresponding trigger. Every snapshot rolls open units
// regardless of the policy.
type RollingPolicy struct {
	// MaxPartSize rolls a unit once it holds at least this many bytes.
	MaxPartSize int64
	// RolloverInterval rolls a unit that has been open this long.
	RolloverInterval time.Duration
	// InactivityInterval rolls a unit that has not been written to for this long.
	InactivityInterval time.Duration
	// EventTimeBucket rolls a unit once the watermark passes the end of the
	// bucket its first record fell into.
	EventTimeBucket time.Duration
}

func DefaultRollingPolicy() RollingPolicy {
	return RollingPolicy{
		MaxPartSize:        128 << 20,
		RolloverInterval:   15 * time.Minute,
		InactivityInterval: 5 * time.Minute,
	}
}

// ShouldRollOnEvent is checked after every append.
func (p RollingPolicy) ShouldRollOnEvent(u *unit.Unit) RollReason {
	if p.MaxPartSize > 0 && u.Bytes >= p.MaxPartSize {
		return RollSize
	}
	return RollNone
}

// ShouldRollOnProcessingTime is checked by the periodic bucket check.
func (p RollingPolicy) ShouldRollOnProcessingTime(u *unit.Unit, now time.Time, watermark int64) RollReason {
	if p.RolloverInterval > 0 && now.Sub(u.OpenedAt) >= p.RolloverInterval {
		return RollInterval
	}
	if p.InactivityInterval > 0 && now.Sub(u.LastWriteAt) >= p.InactivityInterval {
		return RollInactivity
	}
	if p.eventTimeExpired(u, watermark) {
		return RollEventTime
	}
	return RollNone
}

// eventTimeExpired reports whether the watermark has passed the end of the
// event-time bucket of the unit's first record.
func (p RollingPolicy) eventTimeExpired(u *unit.Unit, watermark int64) bool {
	if p.EventTimeBucket <= 0 || u.FirstEventTime == nil {
		return false
	}
	boundary := u.FirstEventTime.Truncate(p.EventTimeBucket).Add(p.EventTimeBucket)
	return watermark >= boundary.UnixMilli()
}
