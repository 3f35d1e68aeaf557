package errs

import (
	"errors"
	"syscall"
	"testing"
)

func TestToErrno(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"stale", Stale("ancestor could not be revalidated"), syscall.ESTALE},
		{"readonly", ReadOnlyFS("no writable branch"), syscall.EROFS},
		{"notempty", NotEmpty("dir has entries"), syscall.ENOTEMPTY},
		{"notfound", NotFound("no lower positive"), syscall.ENOENT},
		{"noresources", NoResources("open failed", errors.New("too many files")), syscall.ENOMEM},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ToErrno(tc.err)
			errno, ok := got.(syscall.Errno)
			if !ok || errno != tc.want {
				t.Fatalf("ToErrno(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestToErrnoPassesThroughRawErrno(t *testing.T) {
	got := ToErrno(syscall.EEXIST)
	if got != syscall.EEXIST {
		t.Fatalf("expected raw errno to pass through unchanged, got %v", got)
	}
}

func TestKindOfDefaultsToLowerFS(t *testing.T) {
	if KindOf(errors.New("boom")) != KindLowerFS {
		t.Fatalf("expected plain errors to default to KindLowerFS")
	}
}
