package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrUnsupported     = "E_UNSUPPORTED"
	ErrConnType        = "E_CONN_TYPE"

	// Session.
	ErrAuth       = "E_AUTH"
	ErrNotAllowed = "E_NOT_ALLOWED"

	// Graph edits.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrNotFound       = "E_NOT_FOUND"
	ErrUnknownType    = "E_UNKNOWN_TYPE"
	ErrMultipleParent = "E_MULTIPLE_PARENT"
	ErrCycle          = "E_CYCLE"
	ErrRootImmutable  = "E_ROOT_IMMUTABLE"
	ErrRateLimit      = "E_RATE_LIMIT"
	ErrConflict       = "E_CONFLICT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrUnsupported:     {},
	ErrConnType:        {},
	ErrAuth:            {},
	ErrNotAllowed:      {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrUnknownType:     {},
	ErrMultipleParent:  {},
	ErrCycle:           {},
	ErrRootImmutable:   {},
	ErrRateLimit:       {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
