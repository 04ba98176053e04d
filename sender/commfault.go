package sender

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"daqlink/tag"
)

// Equipment connection states.
const (
	StateUnknown   = "unknown"
	StateOK        = "ok"
	StateIncorrect = "incorrect"
)

const (
	eventConfirmOK        = "confirm_ok"
	eventConfirmIncorrect = "confirm_incorrect"
)

func newCommFaultFSM() *fsm.FSM {
	all := []string{StateUnknown, StateOK, StateIncorrect}
	return fsm.NewFSM(
		StateUnknown,
		fsm.Events{
			{Name: eventConfirmOK, Src: all, Dst: StateOK},
			{Name: eventConfirmIncorrect, Src: all, Dst: StateIncorrect},
		},
		fsm.Callbacks{},
	)
}

// State returns the last confirmed equipment connection state.
func (s *Sender) State() string {
	return s.commState.Current()
}

// ConfirmEquipmentStateIncorrect reports a communication fault for the
// equipment and all its sub-equipment.
func (s *Sender) ConfirmEquipmentStateIncorrect(description string) {
	s.confirmState(eventConfirmIncorrect, false, description)
}

// ConfirmEquipmentStateOK reports that the equipment communicates again.
func (s *Sender) ConfirmEquipmentStateOK(description string) {
	s.confirmState(eventConfirmOK, true, description)
}

func (s *Sender) confirmState(event string, ok bool, description string) {
	eq := s.Equipment()
	if eq == nil {
		s.log.Warnf("comm fault state change ignored: no equipment configuration bound")
		return
	}

	if err := s.commState.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.log.Warnf("equipment %s: comm fault state change failed: %v", eq.Name, err)
		}
	}

	s.sendCommFault(eq, eq.CommFaultTagID, eq.Name, eq.CommFaultValue, ok, description)
	for _, sub := range eq.SubEquipment {
		s.sendCommFault(eq, sub.CommFaultTagID, sub.Name, sub.CommFaultValue, ok, description)
	}
}

// sendCommFault forwards the comm fault tag value. The configured polarity
// is the value meaning "fault"; an OK confirmation sends its negation.
func (s *Sender) sendCommFault(eq *tag.Equipment, tagID int64, name string, polarity, ok bool, description string) {
	if tagID == 0 {
		return
	}
	value := polarity
	if ok {
		value = !polarity
	}
	now := s.now()
	s.log.Infof("equipment %s: sending comm fault tag %d (%s) value %t", eq.Name, tagID, name, value)
	s.forward(tag.Value{
		TagID:            tagID,
		TagName:          name + ":COMM_FAULT",
		Equipment:        eq.Name,
		Value:            value,
		ValueDescription: tag.SanitizeDescription(description),
		Quality:          tag.NewQuality(tag.QualityOK, ""),
		SourceTimestamp:  now,
		DAQTimestamp:     now,
		Priority:         tag.PriorityHigh,
		Kind:             tag.KindCommFault,
	})
}
