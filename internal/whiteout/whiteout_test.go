package whiteout

import "testing"

func TestNameAndTarget(t *testing.T) {
	got := Name("foo")
	if got != ".wh.foo" {
		t.Fatalf("Name(foo) = %q, want .wh.foo", got)
	}

	target, ok := Target(".wh.foo")
	if !ok || target != "foo" {
		t.Fatalf("Target(.wh.foo) = (%q, %v), want (foo, true)", target, ok)
	}

	if _, ok := Target("foo"); ok {
		t.Fatalf("Target(foo) should not be a whiteout")
	}

	if _, ok := Target(OpaqueMarker); ok {
		t.Fatalf("opaque marker must not parse as a whiteout target")
	}
}

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		"foo":        false,
		".wh.foo":    true,
		OpaqueMarker: true,
		".whiteish":  false,
	}
	for name, want := range cases {
		if got := IsReserved(name); got != want {
			t.Errorf("IsReserved(%q) = %v, want %v", name, got, want)
		}
	}
}
