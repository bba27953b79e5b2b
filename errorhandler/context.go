package errorhandler

// ErrorContext describes an element that could not be written to the sink.
type ErrorContext struct {
	// Partition is empty when the key itself could not be extracted.
	Partition string

	// Payload is the element as it was received, when the source kept it.
	Payload []byte

	// CheckpointID is the checkpoint the element would have belonged to.
	CheckpointID int64

	Error error

	// Attempt is 1 indexed.
	Attempt int

	Phase ErrorPhase
}

func NewErrorContext(partition string, payload []byte, err error) ErrorContext {
	return ErrorContext{
		Partition: partition,
		Payload:   append([]byte(nil), payload...),
		Error:     err,
		Attempt:   1,
	}
}

func (ec ErrorContext) WithError(err error) ErrorContext {
	ec.Error = err
	return ec
}

func (ec ErrorContext) WithPhase(phase ErrorPhase) ErrorContext {
	ec.Phase = phase
	return ec
}

func (ec ErrorContext) WithCheckpoint(id int64) ErrorContext {
	ec.CheckpointID = id
	return ec
}

func (ec ErrorContext) IncrementAttempt() ErrorContext {
	ec.Attempt++
	return ec
}

// fields is the common set of log fields for ec.
func (ec ErrorContext) fields() []any {
	return []any{
		"error", ec.Error,
		"partition", ec.Partition,
		"phase", ec.Phase.String(),
		"checkpoint_id", ec.CheckpointID,
		"attempt", ec.Attempt,
	}
}
