// internal/storage/history/interface.go
package history

import (
	"strconv"

	"github.com/newthinker/relaybot/internal/llm"
)

// UserID identifies the owner of a conversation.
type UserID string

// UserIDFromInt formats a numeric chat user id.
func UserIDFromInt(id int64) UserID {
	return UserID(strconv.FormatInt(id, 10))
}

// Store defines per-user bounded conversation history.
type Store interface {
	// Get returns a copy of the user's messages, creating an empty history if absent.
	Get(user UserID) []llm.Message

	// Append adds a message and evicts old ones to respect the bound.
	Append(user UserID, role llm.Role, content string)

	// Clear removes the user's history entirely.
	Clear(user UserID)

	// UserIDs returns the users that currently have a history entry, sorted.
	UserIDs() []UserID

	// Len returns the number of stored messages without creating an entry.
	Len(user UserID) int

	// Lock serializes work on one user's history. Call the returned func to release.
	Lock(user UserID) (unlock func())
}
