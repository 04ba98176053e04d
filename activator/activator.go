// Package activator decides at runtime whether a tag that updates too often
// should be time-deadband filtered even though no static time deadband is
// configured for it.
package activator

import "daqlink/tag"

// Activator tracks the update frequency of a set of tags.
type Activator interface {
	// AddDataTag starts tracking t.
	AddDataTag(t *tag.Tag)
	// RemoveDataTag stops tracking t and switches its dynamic deadband off.
	RemoveDataTag(t *tag.Tag)
	// ClearDataTags stops tracking all tags.
	ClearDataTags()
	// NewTagValueSent records that a value of the tag was forwarded.
	NewTagValueSent(tagID int64)
}

// Noop ignores all calls.
type Noop struct{}

func (Noop) AddDataTag(*tag.Tag)    {}
func (Noop) RemoveDataTag(*tag.Tag) {}
func (Noop) ClearDataTags()         {}
func (Noop) NewTagValueSent(int64)  {}
