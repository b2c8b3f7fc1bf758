// Package directory resolves chat membership and the declared language of
// each member.
//
// Two backends are provided: [PostgresStore] reads the chat service's
// tables through pgx, and [StaticStore] serves a YAML file for local
// setups and tests.
package directory

import (
	"context"
	"errors"
	"strings"
)

// DefaultLanguage is assigned to members without a declared language.
const DefaultLanguage = "en"

// MaxMembers is the number of members a walkie-talkie chat resolves to.
const MaxMembers = 2

// ErrNotFound is returned by [Directory.Profile] for unknown users.
var ErrNotFound = errors.New("directory: not found")

// Member is one chat participant.
type Member struct {
	// ID is the user id. It doubles as the participant identity in the
	// media room.
	ID string

	Username string

	// Language is the member's declared native language code.
	Language string
}

// Directory looks up chat members and user profiles.
//
// Implementations must be safe for concurrent use.
type Directory interface {
	// ChatMembers returns at most [MaxMembers] members of chatID in join
	// order. An unknown chat yields an empty slice and no error.
	ChatMembers(ctx context.Context, chatID string) ([]Member, error)

	// Profile returns the member record of userID or [ErrNotFound].
	Profile(ctx context.Context, userID string) (Member, error)
}

// withDefaultLanguage fills an empty Language with fallback, or
// [DefaultLanguage] when fallback is empty too.
func withDefaultLanguage(m Member, fallback string) Member {
	m.Language = strings.TrimSpace(m.Language)
	if m.Language != "" {
		return m
	}
	if fallback == "" {
		fallback = DefaultLanguage
	}
	m.Language = fallback
	return m
}
