package message

import (
	"fmt"

	"github.com/google/uuid"
)

// GoalIDLen is the size of a ROS action goal identifier.
const GoalIDLen = 16

// GoalID is the client chosen identifier of an action goal.
type GoalID [GoalIDLen]byte

// NewGoalID returns a random goal id.
func NewGoalID() GoalID {
	return GoalID(uuid.New())
}

// ParseGoalID parses the canonical UUID text form.
func ParseGoalID(s string) (GoalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GoalID{}, fmt.Errorf("%w: goal id %q: %v", ErrDecode, s, err)
	}
	return GoalID(u), nil
}

func (id GoalID) String() string {
	return uuid.UUID(id).String()
}

// Kind tells which RPC model a correlation belongs to.
type Kind uint8

const (
	KindService Kind = iota
	KindAction
)

// Leg names one of the exchanges of an action.
type Leg uint8

const (
	LegNone Leg = iota
	LegSendGoal
	LegCancelGoal
	LegGetResult
	LegFeedback
)

func (l Leg) String() string {
	switch l {
	case LegSendGoal:
		return "send_goal"
	case LegCancelGoal:
		return "cancel_goal"
	case LegGetResult:
		return "get_result"
	case LegFeedback:
		return "feedback"
	}
	return "none"
}

// Correlation binds an outbound request to its single reply.
//
//	Service(token)            one request, one reply
//	Action(goal, leg, token)  one leg of a goal's lifetime
//
// Token is reserved by the bridge correlator and is unique for the life of
// the correlator.
type Correlation struct {
	Kind  Kind
	Token uint64
	Goal  GoalID
	Leg   Leg
}

// ServiceCorrelation tags a service call.
func ServiceCorrelation() Correlation {
	return Correlation{Kind: KindService}
}

// ActionCorrelation tags one leg of a goal.
func ActionCorrelation(goal GoalID, leg Leg) Correlation {
	return Correlation{Kind: KindAction, Goal: goal, Leg: leg}
}

func (c Correlation) String() string {
	if c.Kind == KindAction {
		return fmt.Sprintf("action(%s,%s)#%d", c.Goal, c.Leg, c.Token)
	}
	return fmt.Sprintf("service#%d", c.Token)
}
