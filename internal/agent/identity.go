// ABOUTME: InstanceUID type used as the registry key for connected agents
// ABOUTME: Comparable byte identity with UUID/hex rendering and parsing

package agent

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidInstanceUID indicates a string that is neither a UUID nor hex.
var ErrInvalidInstanceUID = errors.New("invalid instance uid")

// InstanceUID is the opaque identity an agent reports. It is stored as a
// string so that equality is by content and it can key a map.
type InstanceUID string

// UIDFromBytes copies b into an InstanceUID.
func UIDFromBytes(b []byte) InstanceUID {
	return InstanceUID(b)
}

// IsZero reports whether the UID is empty.
func (u InstanceUID) IsZero() bool {
	return len(u) == 0
}

// Bytes returns a copy of the raw identity.
func (u InstanceUID) Bytes() []byte {
	return []byte(u)
}

// String renders 16-byte UIDs as UUIDs (OpAMP's recommended form) and
// anything else as lowercase hex.
func (u InstanceUID) String() string {
	if len(u) == 16 {
		if id, err := uuid.FromBytes([]byte(u)); err == nil {
			return id.String()
		}
	}
	return hex.EncodeToString([]byte(u))
}

// ParseInstanceUID accepts the forms produced by String.
func ParseInstanceUID(s string) (InstanceUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidInstanceUID
	}
	if strings.Contains(s, "-") {
		id, err := uuid.Parse(s)
		if err != nil {
			return "", ErrInvalidInstanceUID
		}
		return InstanceUID(id[:]), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", ErrInvalidInstanceUID
	}
	return InstanceUID(b), nil
}
