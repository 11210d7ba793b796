// Package naming maps ROS 2 service and action names to Zenoh key
// expressions and back.
//
//	ROS                        Zenoh (namespace "robot1")
//	/add_two_ints          <-> robot1/add_two_ints
//	/fibonacci/_action/... <-> robot1/fibonacci/_action/...
//
// Both directions are pure string transforms over validated names, so for
// every valid name n, ToROS(ToZenoh(n)) == n.
package naming

import (
	"fmt"
	"strings"

	"rpcbridge/message"
)

const (
	actionToken = "_action"

	SuffixSendGoal   = "/_action/send_goal"
	SuffixCancelGoal = "/_action/cancel_goal"
	SuffixGetResult  = "/_action/get_result"
	SuffixFeedback   = "/_action/feedback"
	SuffixStatus     = "/_action/status"
)

// Mapper translates names under an optional Zenoh namespace.
type Mapper struct {
	Namespace string // Zenoh key prefix, without slashes; empty for none
}

// NewMapper validates ns and returns a Mapper for it.
func NewMapper(ns string) (*Mapper, error) {
	ns = strings.Trim(ns, "/")
	if ns != "" {
		if err := ValidateKeyExpr(ns); err != nil {
			return nil, fmt.Errorf("namespace: %w", err)
		}
	}
	return &Mapper{Namespace: ns}, nil
}

// Normalize makes a relative ROS name absolute.
func Normalize(rosName string) string {
	if rosName != "" && !strings.HasPrefix(rosName, "/") {
		return "/" + rosName
	}
	return rosName
}

// ToZenoh returns the key expression for a ROS service name.
func (m *Mapper) ToZenoh(rosName string) (string, error) {
	rosName = Normalize(rosName)
	if err := ValidateROSName(rosName); err != nil {
		return "", err
	}
	key := strings.TrimPrefix(rosName, "/")
	if m.Namespace != "" {
		key = m.Namespace + "/" + key
	}
	return key, nil
}

// ToROS returns the ROS name for a key expression produced by ToZenoh.
func (m *Mapper) ToROS(key string) (string, error) {
	if err := ValidateKeyExpr(key); err != nil {
		return "", err
	}
	if m.Namespace != "" {
		rest, ok := strings.CutPrefix(key, m.Namespace+"/")
		if !ok {
			return "", fmt.Errorf("%w: key %q is outside namespace %q", message.ErrInvalidName, key, m.Namespace)
		}
		key = rest
	}
	rosName := "/" + key
	if err := ValidateROSName(rosName); err != nil {
		return "", err
	}
	return rosName, nil
}

// ActionNames holds the per-leg names of one action on both sides.
type ActionNames struct {
	ROS   ActionLegs
	Zenoh ActionLegs
}

// ActionLegs lists the sub-names an action expands to. Status is only
// meaningful on the ROS side.
type ActionLegs struct {
	Base       string
	SendGoal   string
	CancelGoal string
	GetResult  string
	Feedback   string
	Status     string
}

func legs(base string) ActionLegs {
	return ActionLegs{
		Base:       base,
		SendGoal:   base + SuffixSendGoal,
		CancelGoal: base + SuffixCancelGoal,
		GetResult:  base + SuffixGetResult,
		Feedback:   base + SuffixFeedback,
		Status:     base + SuffixStatus,
	}
}

// Action expands a ROS action name into its ROS and Zenoh leg names.
func (m *Mapper) Action(rosName string) (ActionNames, error) {
	key, err := m.ToZenoh(rosName)
	if err != nil {
		return ActionNames{}, err
	}
	return ActionNames{ROS: legs(Normalize(rosName)), Zenoh: legs(key)}, nil
}

// ValidateROSName checks an absolute ROS name. The reserved "_action" token
// is rejected so a service can never shadow an action leg.
func ValidateROSName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", message.ErrInvalidName)
	}
	if !strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q is not absolute", message.ErrInvalidName, name)
	}
	for _, tok := range strings.Split(name[1:], "/") {
		if err := validToken(tok); err != nil {
			return fmt.Errorf("%w: %q: %s", message.ErrInvalidName, name, err)
		}
	}
	return nil
}

func validToken(tok string) error {
	if tok == "" {
		return fmt.Errorf("empty token")
	}
	if tok == actionToken {
		return fmt.Errorf("reserved token %s", actionToken)
	}
	if tok[0] >= '0' && tok[0] <= '9' {
		return fmt.Errorf("token %q starts with a digit", tok)
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("invalid character %q", c)
		}
	}
	return nil
}

// ValidateKeyExpr checks a concrete key expression. Wildcards are refused
// because routes match keys exactly.
func ValidateKeyExpr(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key expression", message.ErrInvalidName)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: key %q has a leading or trailing slash", message.ErrInvalidName, key)
	}
	if strings.ContainsAny(key, "*$?#") {
		return fmt.Errorf("%w: key %q contains a wildcard or reserved character", message.ErrInvalidName, key)
	}
	for _, chunk := range strings.Split(key, "/") {
		if chunk == "" {
			return fmt.Errorf("%w: key %q has an empty chunk", message.ErrInvalidName, key)
		}
	}
	return nil
}
