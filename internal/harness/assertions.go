package harness

import (
	"fmt"
	"slices"
	"strconv"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s %s: expected %s, got %s", e.Type, e.Subject, e.Expected, e.Actual)
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertDestinationValues:
		return assertDestinationValues(r, a)
	case AssertActivityState:
		got := "missing"
		if act, ok := r.final.Activity(a.Key); ok {
			got = act.State.String()
		}
		return expect(a.Type, a.Key, a.State, got)
	case AssertIterationState:
		key, err := parseKey(a.Key)
		if err != nil {
			return err
		}
		return expect(a.Type, a.Key, a.State, orMissing(stateOf(r.final, key)))
	case AssertBlockState:
		return assertBlockState(r, a)
	case AssertCallCount:
		c := r.source
		if a.Cluster == clusterDestination {
			c = r.destination
		}
		subject := a.Cluster + " " + a.Method
		return expect(a.Type, subject, strconv.Itoa(a.Count), strconv.Itoa(c.Calls(a.Method)))
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertDestinationValues(r *Result, a Assertion) error {
	ref, ok := splitTable(a.Table)
	if !ok {
		return fmt.Errorf("bad table %q", a.Table)
	}
	want := slices.Sorted(slices.Values(a.Values))
	got := r.destination.Values(ref.Database, ref.Table)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Subject:  a.Table,
		Expected: fmt.Sprint(want),
		Actual:   fmt.Sprint(got),
	}
}

func assertBlockState(r *Result, a Assertion) error {
	key, err := parseKey(a.Key)
	if err != nil {
		return err
	}
	blk, ok := r.final.Block(key.block)
	if !ok {
		return expect(a.Type, a.Key, a.State, "missing")
	}
	if err := expect(a.Type, a.Key, a.State, blk.State.String()); err != nil {
		return err
	}
	return expect(a.Type, a.Key+" retries", strconv.Itoa(a.Retries), strconv.Itoa(blk.Retries))
}

func expect(kind, subject, want, got string) error {
	if want == got {
		return nil
	}
	return &AssertionError{Type: kind, Subject: subject, Expected: want, Actual: got}
}

func orMissing(s string) string {
	if s == "" {
		return "missing"
	}
	return s
}
