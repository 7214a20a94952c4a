package kpxcerr

import (
	"strings"
	"testing"
)

func TestIsFatal(t *testing.T) {
	cases := []struct {
		code  Code
		fatal bool
	}{
		{ReceivedNonceInvalid, true},
		{CannotDecryptMessage, true},
		{JsonParseError, true},
		{DatabaseChanged, true},
		{DatabaseRejected, true},
		{UnsupportedVersion, true},
		{NoLoginsFound, false},
		{ActionDenied, false},
		{NoUrlProvided, false},
		{Timeout, false},
		{DatabaseNotOpen, false},
	}
	for _, c := range cases {
		if got := IsFatal(c.code); got != c.fatal {
			t.Errorf("IsFatal(%s) = %v, want %v", c.code, got, c.fatal)
		}
	}
}

func TestNewSetsUnrecoverableFromTable(t *testing.T) {
	err := New(ReceivedNonceInvalid, "get-logins", "replayed nonce")
	if !err.Unrecoverable {
		t.Fatal("expected ReceivedNonceInvalid to be unrecoverable")
	}

	err = New(NoLoginsFound, "get-logins", "no entries")
	if err.Unrecoverable {
		t.Fatal("expected NoLoginsFound to be recoverable")
	}
}

func TestErrorStringIncludesAction(t *testing.T) {
	err := New(DatabaseNotOpen, "get-logins", "locked")
	got := err.Error()
	if !strings.Contains(got, "action=get-logins") {
		t.Fatalf("expected error string to include the action, got %q", got)
	}
}

func TestCodeStringUnknown(t *testing.T) {
	c := Code(999999)
	if c.String() == "" {
		t.Fatal("expected non-empty string for unknown code")
	}
}
