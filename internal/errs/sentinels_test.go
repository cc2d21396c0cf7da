package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("device 1: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("ip 10.0.0.1: %w", ErrDuplicateIP), KindDuplicateIP},
		{fmt.Errorf("%w: invalid IPv4 address", ErrValidation), KindValidation},
		{fmt.Errorf("%w: %w", ErrConfiguration, ErrCrypto), KindConfiguration},
		{fmt.Errorf("open shell: %w", ErrTransport), KindTransport},
		{ErrUnknownSession, KindUnknownSession},
		{errors.New("boom"), KindInternal},
	}
	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Fatalf("Kind(%v)=%q, want %q", c.err, got, c.want)
		}
	}
}

func TestFromKind_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range kinds {
		if got := FromKind(Kind(k.err)); got != k.err {
			t.Fatalf("FromKind(%q)=%v, want %v", k.kind, got, k.err)
		}
	}
	if FromKind(KindInternal) != nil || FromKind("bogus") != nil {
		t.Fatal("internal and unknown kinds have no sentinel")
	}
}
