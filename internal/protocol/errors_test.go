package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrUnsupported,
		ErrConnType,
		ErrAuth,
		ErrNotAllowed,
		ErrBadRequest,
		ErrNotFound,
		ErrUnknownType,
		ErrMultipleParent,
		ErrCycle,
		ErrRootImmutable,
		ErrRateLimit,
		ErrConflict,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestIsKnownConn(t *testing.T) {
	for _, c := range []ConnType{ConnCellCache, ConnCellChannel, ConnPresence, ConnAudioControl} {
		if !IsKnownConn(c) {
			t.Fatalf("expected known connection type: %q", c)
		}
	}
	if IsKnownConn("VIDEO") {
		t.Fatalf("expected unknown connection type rejected")
	}
}
