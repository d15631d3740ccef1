package credential

import "errors"

var (
	// ErrNotFound means no access key matches the given key, id, or tunnel id.
	ErrNotFound = errors.New("credential: key not found")
	// ErrTerminal means the requested transition starts from a sink state.
	ErrTerminal = errors.New("credential: key already in a terminal state")
	// ErrUserLimit means the user already holds the maximum number of live keys.
	ErrUserLimit = errors.New("credential: per-user key limit reached")
	// ErrGroupLimit means the group used up its hourly open budget.
	ErrGroupLimit = errors.New("credential: per-group open rate reached")
)

// Code classifies a validate lookup for the client API. The empty code means
// the key is valid.
type Code string

const (
	CodeOK              Code = ""
	CodeKeyNotFound     Code = "KEY_NOT_FOUND"
	CodeKeyExpired      Code = "KEY_EXPIRED"
	CodeKeyAlreadyUsed  Code = "KEY_ALREADY_USED"
	CodeKeyRevoked      Code = "KEY_REVOKED"
	CodeKeyDisconnected Code = "KEY_DISCONNECTED"
)

// Message returns the client-facing text for the code. The texts are part of
// the client protocol; they carry no internals.
func (c Code) Message() string {
	switch c {
	case CodeKeyNotFound:
		return "Access key not found"
	case CodeKeyExpired:
		return "Access key has expired"
	case CodeKeyAlreadyUsed:
		return "Access key has already been used"
	case CodeKeyRevoked:
		return "Access key has been revoked"
	case CodeKeyDisconnected:
		return "Access key was disconnected"
	default:
		return ""
	}
}
