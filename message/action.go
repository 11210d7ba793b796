package message

// Layouts of the action_msgs / builtin_interfaces structures the bridge reads
// or writes. Field order matches the IDL definitions; the CDR codec encodes
// fields in declaration order.

// Goal status codes from action_msgs/GoalStatus.
const (
	StatusUnknown   int8 = 0
	StatusAccepted  int8 = 1
	StatusExecuting int8 = 2
	StatusCanceling int8 = 3
	StatusSucceeded int8 = 4
	StatusCanceled  int8 = 5
	StatusAborted   int8 = 6
)

// Return codes from action_msgs/CancelGoal.
const (
	CancelErrorNone      int8 = 0
	CancelRejected       int8 = 1
	CancelUnknownGoalID  int8 = 2
	CancelGoalTerminated int8 = 3
)

// Time is builtin_interfaces/Time.
type Time struct {
	Sec     int32
	Nanosec uint32
}

// GoalInfo is action_msgs/GoalInfo.
type GoalInfo struct {
	GoalID GoalID
	Stamp  Time
}

// SendGoalResponse is the fixed reply of every <action>/_action/send_goal.
type SendGoalResponse struct {
	Accepted bool
	Stamp    Time
}

// GoalRequestHeader is the common prefix of send_goal, get_result and
// feedback messages; the goal specific fields follow it.
type GoalRequestHeader struct {
	GoalID GoalID
}

// ResultHeader is the prefix of a get_result reply; the result fields follow.
type ResultHeader struct {
	Status int8
}

// CancelGoalRequest is action_msgs/CancelGoal request.
type CancelGoalRequest struct {
	GoalInfo GoalInfo
}

// CancelGoalResponse is action_msgs/CancelGoal response.
type CancelGoalResponse struct {
	ReturnCode     int8
	GoalsCanceling []GoalInfo
}

// GoalStatus is action_msgs/GoalStatus.
type GoalStatus struct {
	GoalInfo GoalInfo
	Status   int8
}

// GoalStatusArray is published on <action>/_action/status.
type GoalStatusArray struct {
	StatusList []GoalStatus
}
