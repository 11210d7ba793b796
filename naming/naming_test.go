package naming

import (
	"errors"
	"testing"

	"rpcbridge/message"
)

func TestServiceRoundTrip(t *testing.T) {
	for _, ns := range []string{"", "robot1", "site/robot1"} {
		m, err := NewMapper(ns)
		if err != nil {
			t.Fatalf("NewMapper(%q): %v", ns, err)
		}
		for _, name := range []string{"/add_two_ints", "/test_service_r2Z", "/ns1/sub_2/do_it"} {
			key, err := m.ToZenoh(name)
			if err != nil {
				t.Fatalf("ToZenoh(%q): %v", name, err)
			}
			back, err := m.ToROS(key)
			if err != nil {
				t.Fatalf("ToROS(%q): %v", key, err)
			}
			if back != name {
				t.Fatalf("round trip mismatch under ns %q: %q -> %q -> %q", ns, name, key, back)
			}
		}
	}
}

func TestRelativeNameNormalized(t *testing.T) {
	m := &Mapper{}
	key, err := m.ToZenoh("test_service_z2r")
	if err != nil {
		t.Fatal(err)
	}
	if key != "test_service_z2r" {
		t.Fatalf("expect test_service_z2r, got %s", key)
	}
}

func TestActionLegs(t *testing.T) {
	m := &Mapper{Namespace: "robot1"}
	names, err := m.Action("/fibonacci")
	if err != nil {
		t.Fatal(err)
	}
	if names.Zenoh.SendGoal != "robot1/fibonacci/_action/send_goal" {
		t.Fatalf("unexpected send_goal key %s", names.Zenoh.SendGoal)
	}
	if names.ROS.GetResult != "/fibonacci/_action/get_result" {
		t.Fatalf("unexpected ROS get_result %s", names.ROS.GetResult)
	}
	if names.ROS.Status != "/fibonacci/_action/status" {
		t.Fatalf("unexpected ROS status %s", names.ROS.Status)
	}
}

func TestInvalidNames(t *testing.T) {
	m := &Mapper{}
	bad := []string{"", "/", "//x", "/a//b", "/x/", "/_action", "/fib/_action", "/1abc", "/a-b", "/a b", "/a*"}
	for _, name := range bad {
		if _, err := m.ToZenoh(name); !errors.Is(err, message.ErrInvalidName) {
			t.Errorf("ToZenoh(%q): expect InvalidName, got %v", name, err)
		}
	}
	for _, key := range []string{"", "/a", "a/", "a//b", "a/*", "a/**", "a$*", "a?b", "a#"} {
		if _, err := m.ToROS(key); !errors.Is(err, message.ErrInvalidName) {
			t.Errorf("ToROS(%q): expect InvalidName, got %v", key, err)
		}
	}
}

func TestKeyOutsideNamespace(t *testing.T) {
	m := &Mapper{Namespace: "robot1"}
	if _, err := m.ToROS("robot2/add"); !errors.Is(err, message.ErrInvalidName) {
		t.Fatalf("expect InvalidName, got %v", err)
	}
	if _, err := NewMapper("a/*"); !errors.Is(err, message.ErrInvalidName) {
		t.Fatalf("expect InvalidName for wildcard namespace, got %v", err)
	}
}
