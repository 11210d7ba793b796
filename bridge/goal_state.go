package bridge

import (
	"fmt"

	"rpcbridge/message"
)

// GoalStatus is the lifecycle state of a bridged goal.
type GoalStatus int

const (
	GoalPending GoalStatus = iota // send_goal in flight
	GoalAccepted
	GoalExecuting
	GoalCanceling
	GoalSucceeded
	GoalCanceled
	GoalAborted
)

var goalStatusNames = [...]string{
	GoalPending:   "pending",
	GoalAccepted:  "accepted",
	GoalExecuting: "executing",
	GoalCanceling: "canceling",
	GoalSucceeded: "succeeded",
	GoalCanceled:  "canceled",
	GoalAborted:   "aborted",
}

func (s GoalStatus) String() string {
	if s < 0 || int(s) >= len(goalStatusNames) {
		return fmt.Sprintf("goal_status(%d)", int(s))
	}
	return goalStatusNames[s]
}

// Terminal reports whether no further transition is possible.
func (s GoalStatus) Terminal() bool {
	return s == GoalSucceeded || s == GoalCanceled || s == GoalAborted
}

// Cancelable reports whether a cancel request may be forwarded.
func (s GoalStatus) Cancelable() bool {
	return s == GoalPending || s == GoalAccepted || s == GoalExecuting
}

// ROS returns the action_msgs/GoalStatus code. Pending has no ROS
// counterpart and maps to STATUS_UNKNOWN.
func (s GoalStatus) ROS() int8 {
	switch s {
	case GoalAccepted:
		return message.StatusAccepted
	case GoalExecuting:
		return message.StatusExecuting
	case GoalCanceling:
		return message.StatusCanceling
	case GoalSucceeded:
		return message.StatusSucceeded
	case GoalCanceled:
		return message.StatusCanceled
	case GoalAborted:
		return message.StatusAborted
	}
	return message.StatusUnknown
}

func goalStatusFromROS(code int8) (GoalStatus, bool) {
	switch code {
	case message.StatusAccepted:
		return GoalAccepted, true
	case message.StatusExecuting:
		return GoalExecuting, true
	case message.StatusCanceling:
		return GoalCanceling, true
	case message.StatusSucceeded:
		return GoalSucceeded, true
	case message.StatusCanceled:
		return GoalCanceled, true
	case message.StatusAborted:
		return GoalAborted, true
	}
	return 0, false
}

var goalTransitions = map[GoalStatus][]GoalStatus{
	GoalPending:   {GoalAccepted},
	GoalAccepted:  {GoalExecuting, GoalCanceling, GoalSucceeded, GoalCanceled, GoalAborted},
	GoalExecuting: {GoalCanceling, GoalSucceeded, GoalCanceled, GoalAborted},
	GoalCanceling: {GoalSucceeded, GoalCanceled, GoalAborted},
}

// checkTransition returns InvalidGoalState unless from may move to to.
// Staying in the same state is allowed.
func checkTransition(from, to GoalStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range goalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", message.ErrInvalidGoalState, from, to)
}
