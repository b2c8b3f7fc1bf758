package directory

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticFile is the YAML document read by [LoadStatic].
//
//	chats:
//	  "42": [alice, bob]
//	users:
//	  alice: { username: Alice, native_language: en }
//	  bob:   { username: Bob, native_language: es }
type StaticFile struct {
	Chats map[string][]string   `yaml:"chats"`
	Users map[string]StaticUser `yaml:"users"`
}

// StaticUser is one user entry of a [StaticFile].
type StaticUser struct {
	Username       string `yaml:"username"`
	NativeLanguage string `yaml:"native_language"`
}

// StaticStore is an immutable in-memory [Directory].
type StaticStore struct {
	file            StaticFile
	defaultLanguage string
}

var _ Directory = (*StaticStore)(nil)

// NewStaticStore returns a store serving f. Members without a declared
// language get defaultLanguage, or [DefaultLanguage] when it is empty.
func NewStaticStore(f StaticFile, defaultLanguage string) *StaticStore {
	return &StaticStore{file: f, defaultLanguage: defaultLanguage}
}

// ParseStatic decodes a [StaticFile] from r. Unknown keys are rejected.
func ParseStatic(r io.Reader) (StaticFile, error) {
	var f StaticFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return StaticFile{}, fmt.Errorf("directory: parse static file: %w", err)
	}
	for chat, ids := range f.Chats {
		for _, id := range ids {
			if _, ok := f.Users[id]; !ok {
				return StaticFile{}, fmt.Errorf("directory: chat %q references unknown user %q", chat, id)
			}
		}
	}
	return f, nil
}

// LoadStatic reads path and returns a [StaticStore] for it.
func LoadStatic(path, defaultLanguage string) (*StaticStore, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("directory: open static file: %w", err)
	}
	defer fh.Close()

	f, err := ParseStatic(fh)
	if err != nil {
		return nil, err
	}
	return NewStaticStore(f, defaultLanguage), nil
}

// ChatMembers implements [Directory].
func (s *StaticStore) ChatMembers(_ context.Context, chatID string) ([]Member, error) {
	ids := s.file.Chats[chatID]
	members := make([]Member, 0, min(len(ids), MaxMembers))
	for _, id := range ids {
		if len(members) == MaxMembers {
			break
		}
		members = append(members, s.member(id))
	}
	return members, nil
}

// Profile implements [Directory].
func (s *StaticStore) Profile(_ context.Context, userID string) (Member, error) {
	if _, ok := s.file.Users[userID]; !ok {
		return Member{}, fmt.Errorf("directory: user %q: %w", userID, ErrNotFound)
	}
	return s.member(userID), nil
}

func (s *StaticStore) member(id string) Member {
	u := s.file.Users[id]
	return withDefaultLanguage(Member{
		ID:       id,
		Username: u.Username,
		Language: u.NativeLanguage,
	}, s.defaultLanguage)
}
