// Package identity computes stable identities for decision records.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// localPrefix namespaces ids synthesized on this client. Server ids never
// carry it.
const localPrefix = "local:"

// Resolve returns the identity of a decision record: the explicit id when
// present, otherwise agentID + "-" + stepID. ok is false when neither an id
// nor a step id is available.
func Resolve(id, agentID, stepID string) (string, bool) {
	if id != "" {
		return id, true
	}
	if agentID == "" || stepID == "" {
		return "", false
	}
	return agentID + "-" + stepID, true
}

// Local synthesizes a session-unique id for an entry created on this client.
func Local() string {
	return localPrefix + uuid.NewString()
}

// IsLocal reports whether id was synthesized by Local.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
