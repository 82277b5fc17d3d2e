package relay

// A room groups participants exchanging signaling for one voice session.
// Members are kept in join order; an id appears at most once.
type room struct {
	id      string
	members []string
	index   map[string]struct{}
}

func newRoom(id string) *room {
	return &room{
		id: id,
		// Assume a new room is being made because at least one participant wants to join it.
		members: make([]string, 0, 1),
		index:   make(map[string]struct{}),
	}
}

// add inserts userID, returning false if it was already a member.
func (rm *room) add(userID string) bool {
	if _, ok := rm.index[userID]; ok {
		return false
	}
	rm.index[userID] = struct{}{}
	rm.members = append(rm.members, userID)
	return true
}

// remove deletes userID, returning false if it wasn't a member.
func (rm *room) remove(userID string) bool {
	if _, ok := rm.index[userID]; !ok {
		return false
	}
	delete(rm.index, userID)
	for i, id := range rm.members {
		if id == userID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	return true
}

func (rm *room) has(userID string) bool {
	_, ok := rm.index[userID]
	return ok
}

func (rm *room) empty() bool {
	return len(rm.members) == 0
}

// snapshot copies the member list so callers may keep it after the loop moves on.
func (rm *room) snapshot() []string {
	users := make([]string, len(rm.members))
	copy(users, rm.members)
	return users
}
