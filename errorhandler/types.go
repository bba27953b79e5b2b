package errorhandler

import (
	"context"
)

// ActionType is what the runner does with an element that could not be
// written.
type ActionType int

const (
	ActionTypeContinue  ActionType = iota // drop the element
	ActionTypeRetry                       // write the element again
	ActionTypeFail                        // stop the instance
	ActionTypeSendToDLQ                   // publish the raw element, then drop it
)

var actionNames = [...]string{"continue", "retry", "fail", "dead_letter"}

func (a ActionType) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// Action is a handler decision. Topic is only set for ActionTypeSendToDLQ.
type Action struct {
	Type  ActionType
	Topic string
}

func Continue() Action {
	return Action{Type: ActionTypeContinue}
}

func Retry() Action {
	return Action{Type: ActionTypeRetry}
}

func Fail() Action {
	return Action{Type: ActionTypeFail}
}

func SendToDLQ(topic string) Action {
	return Action{Type: ActionTypeSendToDLQ, Topic: topic}
}

type Handler interface {
	Handle(ctx context.Context, ec ErrorContext) Action
}

type HandlerFunc func(ctx context.Context, ec ErrorContext) Action

func (f HandlerFunc) Handle(ctx context.Context, ec ErrorContext) Action {
	return f(ctx, ec)
}
