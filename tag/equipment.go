package tag

import (
	"sort"
	"sync"
	"time"
)

// SubEquipment is a unit attached to an equipment with its own comm-fault
// and optional alive tag.
type SubEquipment struct {
	ID             int64
	Name           string
	CommFaultTagID int64
	CommFaultValue bool
	AliveTagID     int64
	AliveInterval  time.Duration
}

// Equipment is the runtime configuration bound to a sender.
type Equipment struct {
	ID                  int64
	Name                string
	CommFaultTagID      int64
	CommFaultValue      bool
	AliveTagID          int64
	AliveInterval       time.Duration
	DynamicTimeDeadband bool
	SubEquipment        []SubEquipment

	mu   sync.RWMutex
	tags map[int64]*Tag
}

// NewEquipment creates an equipment with an empty tag map.
func NewEquipment(id int64, name string) *Equipment {
	return &Equipment{
		ID:   id,
		Name: name,
		tags: make(map[int64]*Tag),
	}
}

// Tag returns the tag with the given id, or nil.
func (e *Equipment) Tag(id int64) *Tag {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tags[id]
}

// Tags returns all tags ordered by id.
func (e *Equipment) Tags() []*Tag {
	e.mu.RLock()
	result := make([]*Tag, 0, len(e.tags))
	for _, t := range e.tags {
		result = append(result, t)
	}
	e.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// PutTag adds or replaces a tag and returns the previous one, if any.
func (e *Equipment) PutTag(t *Tag) *Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tags == nil {
		e.tags = make(map[int64]*Tag)
	}
	old := e.tags[t.ID()]
	e.tags[t.ID()] = t
	return old
}

// RemoveTag deletes a tag and returns it, or nil if it was not present.
func (e *Equipment) RemoveTag(id int64) *Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tags[id]
	delete(e.tags, id)
	return t
}

// AliveIntervalFor returns the alive interval configured for aliveTagID on the
// equipment or one of its sub-equipment.
func (e *Equipment) AliveIntervalFor(aliveTagID int64) (time.Duration, bool) {
	if aliveTagID == 0 {
		return 0, false
	}
	if e.AliveTagID == aliveTagID {
		return e.AliveInterval, true
	}
	for _, sub := range e.SubEquipment {
		if sub.AliveTagID == aliveTagID {
			return sub.AliveInterval, true
		}
	}
	return 0, false
}
