package fanout

import "testing"

func TestNegativeDentryInvariants(t *testing.T) {
	d := NewNegative("foo", 1)
	d.Mu.Lock()
	d.Mu.Unlock()
	if d.Positive() {
		t.Fatalf("fresh negative dentry should not be positive")
	}
}

func TestPositiveDentryRegularFileSingleBranch(t *testing.T) {
	d := NewPositive("foo", 1, 1, 3, 1)
	d.Lower[1] = LowerDentry{Present: true, Mode: 0}
	d.Mu.Lock()
	d.Mu.Unlock() // runs CheckInvariants, must not panic

	if !d.Positive() {
		t.Fatalf("expected positive dentry")
	}
}

func TestDentryInvariantPanicsOnBadRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for DBStart > DBEnd")
		}
	}()

	d := &Dentry{DBStart: 2, DBEnd: 1, Lower: make([]LowerDentry, 3)}
	d.CheckInvariants()
}

func TestDentryInvariantPanicsOnMissingEndpoint(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for missing endpoint lower object")
		}
	}()

	d := &Dentry{DBStart: 0, DBEnd: 0, Lower: make([]LowerDentry, 1)}
	d.CheckInvariants()
}
