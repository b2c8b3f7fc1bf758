// Package mock provides a test double for the directory.Directory interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/walkietalk/internal/directory"
)

// Directory is a mock implementation of directory.Directory.
type Directory struct {
	mu sync.Mutex

	// Members maps chat ids to the members returned by ChatMembers.
	Members map[string][]directory.Member

	// ChatMembersErr, if non-nil, is returned by ChatMembers.
	ChatMembersErr error

	// ProfileErr, if non-nil, is returned by Profile.
	ProfileErr error

	// ChatMembersCalls records the chat ids passed to ChatMembers.
	ChatMembersCalls []string

	// ProfileCalls records the user ids passed to Profile.
	ProfileCalls []string
}

var _ directory.Directory = (*Directory)(nil)

// ChatMembers records the call and returns Members[chatID].
func (d *Directory) ChatMembers(_ context.Context, chatID string) ([]directory.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ChatMembersCalls = append(d.ChatMembersCalls, chatID)
	if d.ChatMembersErr != nil {
		return nil, d.ChatMembersErr
	}
	return append([]directory.Member(nil), d.Members[chatID]...), nil
}

// Profile records the call and searches every chat for userID.
func (d *Directory) Profile(_ context.Context, userID string) (directory.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProfileCalls = append(d.ProfileCalls, userID)
	if d.ProfileErr != nil {
		return directory.Member{}, d.ProfileErr
	}
	for _, ms := range d.Members {
		for _, m := range ms {
			if m.ID == userID {
				return m, nil
			}
		}
	}
	return directory.Member{}, fmt.Errorf("mock: user %q: %w", userID, directory.ErrNotFound)
}

// CallCountChatMembers returns the number of ChatMembers calls.
func (d *Directory) CallCountChatMembers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ChatMembersCalls)
}
