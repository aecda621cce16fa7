// Package identity validates agent identifiers and manages API key
// minting and verification. Validation runs before any state is touched,
// so a rejected identifier leaves no trace in the store.
package identity

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"vigil/internal/types"
)

// MaxAgentIDLength bounds the human-facing label.
const MaxAgentIDLength = 64

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedNames are labels the system claims for itself. Matching is
// case-insensitive so "Admin" cannot slip past the gate.
var reservedNames = map[string]bool{
	"system":     true,
	"admin":      true,
	"root":       true,
	"null":       true,
	"mcp":        true,
	"governance": true,
	"monitor":    true,
	"agent":      true,
	"self":       true,
	"all":        true,
	"none":       true,
	"default":    true,
}

var reservedPrefixes = []string{
	"system_",
	"admin_",
	"root_",
	"mcp_",
	"governance_",
	"auth_",
}

// NewUUID returns a fresh v4 agent identity.
func NewUUID() uuid.UUID { return uuid.New() }

// ValidateAgentID checks a human-facing label against the character set,
// length bounds, and the reserved namespace. Returns a KindInvalidIdentifier
// governance error describing the first violation found.
func ValidateAgentID(id string) error {
	if id == "" {
		return types.E(types.KindInvalidIdentifier, "agent_id is empty")
	}
	if len(id) > MaxAgentIDLength {
		return types.E(types.KindInvalidIdentifier,
			"agent_id exceeds %d characters", MaxAgentIDLength)
	}
	if !agentIDPattern.MatchString(id) {
		return types.E(types.KindInvalidIdentifier,
			"agent_id %q contains characters outside [A-Za-z0-9_-]", id)
	}
	if IsReserved(id) {
		return types.E(types.KindInvalidIdentifier, "agent_id %q is reserved", id)
	}
	return nil
}

// IsReserved reports whether the label collides with the reserved set or
// a reserved prefix, ignoring case.
func IsReserved(id string) bool {
	lower := strings.ToLower(id)
	if reservedNames[lower] {
		return true
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// ParseUUID parses a canonical UUID string into an agent identity.
func ParseUUID(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, types.Wrap(types.KindInvalidArgument, err, "malformed uuid %q", s)
	}
	return u, nil
}
