package canvas

import (
	"github.com/dolgim/dolcanvas/internal/protocol"
)

// ConnectionID identifies one server-side socket.
type ConnectionID string

// Stats summarises the store for diagnostics.
type Stats struct {
	Users   int `json:"users"`
	Strokes int `json:"strokes"`
}

// Store holds the canonical stroke history and the registry of joined users.
// It performs no locking: a single owner must serialize every call.
type Store struct {
	history        []protocol.Stroke
	strokeIDs      map[string]struct{}
	users          map[ConnectionID]protocol.User
	joinOrder      []ConnectionID
	nextColorIndex int
	paletteSize    int
}

// NewStore returns an empty store that cycles through protocol.PaletteSize colors.
func NewStore() *Store {
	return &Store{
		history:     make([]protocol.Stroke, 0),
		strokeIDs:   make(map[string]struct{}),
		users:       make(map[ConnectionID]protocol.User),
		paletteSize: protocol.PaletteSize,
	}
}

// JoinResult is what a joining connection needs to be answered with.
type JoinResult struct {
	User       protocol.User
	History    []protocol.Stroke
	OtherUsers []protocol.User
	Rejoined   bool
	// ReplacedUserID is the previous user id of a rejoining connection when
	// the id changed, otherwise empty.
	ReplacedUserID string
}

// Join registers the user for the connection. A connection keeps its first
// color for its whole life; a repeated join only refreshes the user id.
func (s *Store) Join(connectionID ConnectionID, userID string) JoinResult {
	user, rejoined := s.users[connectionID]
	replaced := ""
	if rejoined {
		if user.UserID != userID {
			replaced = user.UserID
		}
		user.UserID = userID
	} else {
		user = protocol.User{
			UserID:     userID,
			ColorIndex: s.nextColorIndex % s.paletteSize,
		}
		s.nextColorIndex++
		s.joinOrder = append(s.joinOrder, connectionID)
	}
	s.users[connectionID] = user

	return JoinResult{
		User:           user,
		History:        s.History(),
		OtherUsers:     s.usersExcept(connectionID),
		Rejoined:       rejoined,
		ReplacedUserID: replaced,
	}
}

// Leave deregisters the connection's user, reporting whether one was joined.
func (s *Store) Leave(connectionID ConnectionID) (protocol.User, bool) {
	user, ok := s.users[connectionID]
	if !ok {
		return protocol.User{}, false
	}
	delete(s.users, connectionID)
	for index, candidate := range s.joinOrder {
		if candidate == connectionID {
			s.joinOrder = append(s.joinOrder[:index], s.joinOrder[index+1:]...)
			break
		}
	}
	return user, true
}

// Append adds a stroke at the end of the history. Stroke ids are unique within
// the history, so a stroke whose id is already present is rejected.
func (s *Store) Append(stroke protocol.Stroke) bool {
	if _, exists := s.strokeIDs[stroke.ID]; exists {
		return false
	}
	s.strokeIDs[stroke.ID] = struct{}{}
	s.history = append(s.history, stroke.Clone())
	return true
}

// Clear empties the history.
func (s *Store) Clear() {
	s.history = make([]protocol.Stroke, 0)
	s.strokeIDs = make(map[string]struct{})
}

// Remove deletes the first stroke with the given id and reports whether one existed.
func (s *Store) Remove(strokeID string) bool {
	if _, exists := s.strokeIDs[strokeID]; !exists {
		return false
	}
	delete(s.strokeIDs, strokeID)
	for index, stroke := range s.history {
		if stroke.ID == strokeID {
			s.history = append(s.history[:index], s.history[index+1:]...)
			return true
		}
	}
	return false
}

// History returns a copy of the ordered history.
func (s *Store) History() []protocol.Stroke {
	return protocol.CloneStrokes(s.history)
}

// Users returns every joined user in join order.
func (s *Store) Users() []protocol.User {
	return s.usersExcept("")
}

// Stats reports current sizes.
func (s *Store) Stats() Stats {
	return Stats{Users: len(s.users), Strokes: len(s.history)}
}

func (s *Store) usersExcept(excluded ConnectionID) []protocol.User {
	users := make([]protocol.User, 0, len(s.users))
	for _, connectionID := range s.joinOrder {
		if connectionID == excluded {
			continue
		}
		users = append(users, s.users[connectionID])
	}
	return users
}
