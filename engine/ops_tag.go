package engine

import (
	"fmt"

	"daqlink/sender"
	"daqlink/tag"
)

// Tags returns the tags of an equipment ordered by id.
func (e *Engine) Tags(equipment string) ([]*tag.Tag, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return nil, err
	}
	return s.Equipment().Tags(), nil
}

// Tag returns one tag of an equipment.
func (e *Engine) Tag(equipment string, id int64) (*tag.Tag, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return nil, err
	}
	t := s.Equipment().Tag(id)
	if t == nil {
		return nil, fmt.Errorf("%w: tag %d on equipment '%s'", ErrNotFound, id, equipment)
	}
	return t, nil
}

// PutTag creates or replaces a tag, saves the configuration and applies the
// change to the running pipeline. It returns whether the tag was created and
// the reconfiguration report.
func (e *Engine) PutTag(equipment string, tc tag.Config) (created bool, infos []string, err error) {
	if err := tc.Validate(); err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s, err := e.Sender(equipment)
	if err != nil {
		return false, nil, err
	}

	e.cfg.Lock()
	ec := e.cfg.FindEquipment(equipment)
	if ec == nil {
		e.cfg.Unlock()
		return false, nil, fmt.Errorf("%w: equipment '%s'", ErrNotFound, equipment)
	}
	ec.PutTag(tc)
	if err := e.saveConfig(); err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	report := sender.NewChangeReport(tc.ID)
	t := tag.New(tc, equipment)
	old := s.Equipment().PutTag(t)
	if old == nil {
		s.OnAddDataTag(t, report)
		e.emit(EventTagCreated, TagEvent{Equipment: equipment, TagID: tc.ID, Infos: report.Infos()})
	} else {
		s.OnUpdateDataTag(t, old, report)
		e.emit(EventTagUpdated, TagEvent{Equipment: equipment, TagID: tc.ID, Infos: report.Infos()})
	}
	e.log.Infof("equipment %s: tag %d %s", equipment, tc.ID, map[bool]string{true: "created", false: "updated"}[old == nil])
	return old == nil, report.Infos(), nil
}

// DeleteTag removes a tag from the configuration and the running pipeline.
// A value buffered by its time deadband is sent first.
func (e *Engine) DeleteTag(equipment string, id int64) ([]string, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return nil, err
	}

	e.cfg.Lock()
	ec := e.cfg.FindEquipment(equipment)
	if ec == nil || !ec.RemoveTag(id) {
		e.cfg.Unlock()
		return nil, fmt.Errorf("%w: tag %d on equipment '%s'", ErrNotFound, id, equipment)
	}
	if err := e.saveConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	report := sender.NewChangeReport(id)
	if t := s.Equipment().RemoveTag(id); t != nil {
		s.OnRemoveDataTag(t, report)
	}
	e.emit(EventTagDeleted, TagEvent{Equipment: equipment, TagID: id, Infos: report.Infos()})
	return report.Infos(), nil
}

// SendValue runs one update through the equipment pipeline. It reports
// whether the update was forwarded, buffered or otherwise handled; a
// rejected update returns false with no error.
func (e *Engine) SendValue(equipment string, id int64, value interface{}, tsMs int64, description string) (bool, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return false, err
	}
	eq := s.Equipment()
	if _, isAlive := eq.AliveIntervalFor(id); !isAlive && eq.Tag(id) == nil {
		return false, fmt.Errorf("%w: tag %d on equipment '%s'", ErrNotFound, id, equipment)
	}
	return s.SendTagFiltered(id, value, tsMs, description), nil
}

// Invalidate sends an invalid quality for a tag, keeping its current value.
func (e *Engine) Invalidate(equipment string, id int64, code tag.QualityCode, description string, tsMs int64) error {
	if code == tag.QualityOK {
		return fmt.Errorf("%w: quality OK is not an invalidation", ErrInvalidInput)
	}
	t, err := e.Tag(equipment, id)
	if err != nil {
		return err
	}
	s, _ := e.Sender(equipment)
	s.SendInvalidTag(t.ID(), code, description, tsMs)
	return nil
}

// SetCommFault confirms the equipment connection state and returns the new state.
func (e *Engine) SetCommFault(equipment string, ok bool, description string) (string, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return "", err
	}
	if ok {
		s.ConfirmEquipmentStateOK(description)
	} else {
		s.ConfirmEquipmentStateIncorrect(description)
	}
	state := s.State()
	e.emit(EventCommFaultChanged, EquipmentEvent{Name: equipment, State: state})
	return state, nil
}

// SendAlive sends the equipment alive. It returns false if alive filtering
// suppressed it.
func (e *Engine) SendAlive(equipment string, tsMs int64) (bool, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return false, err
	}
	return s.SendSupervisionAlive(tsMs), nil
}

// Flush sends every value buffered by the time deadband of one equipment.
func (e *Engine) Flush(equipment string) (int, error) {
	s, err := e.Sender(equipment)
	if err != nil {
		return 0, err
	}
	n := len(s.PendingTimeDeadbandTags())
	s.SendDelayedTimeDeadbandValues()
	e.emit(EventFlushed, EquipmentEvent{Name: equipment})
	return n, nil
}

// FlushAll flushes the time deadband buffers of every equipment.
func (e *Engine) FlushAll() {
	for _, name := range e.EquipmentNames() {
		if _, err := e.Flush(name); err != nil {
			e.log.Warnf("flush %s: %v", name, err)
		}
	}
}
