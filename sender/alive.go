package sender

import (
	"math"

	"daqlink/tag"
)

const aliveDescription = "Equipment alive tag value has been overwritten by the DAQ Core with the source timestamp"

// SendSupervisionAlive sends the equipment alive tag with tsMs as its value.
// tsMs <= 0 means now. It returns false only if the alive was suppressed by
// alive filtering.
func (s *Sender) SendSupervisionAlive(tsMs int64) bool {
	eq := s.Equipment()
	if eq == nil {
		s.log.Warnf("supervision alive ignored: no equipment configuration bound")
		return false
	}
	if tsMs <= 0 {
		tsMs = s.now().UnixMilli()
	}
	if !s.acceptAlive(eq, eq.AliveTagID, tsMs) {
		return false
	}
	s.sendAlive(eq, eq.AliveTagID, tsMs)
	return true
}

// handleAlive is the alive short-circuit of the pipeline. Filtered alives
// still count as handled.
func (s *Sender) handleAlive(eq *tag.Equipment, aliveID int64, tsMs int64) bool {
	if tsMs <= 0 {
		tsMs = s.now().UnixMilli()
	}
	if s.acceptAlive(eq, aliveID, tsMs) {
		s.sendAlive(eq, aliveID, tsMs)
	}
	return true
}

// acceptAlive applies alive filtering: an alive arriving less than half an
// alive interval after the last forwarded one is dropped.
func (s *Sender) acceptAlive(eq *tag.Equipment, aliveID int64, tsMs int64) bool {
	if !s.aliveFiltering {
		return true
	}
	interval, _ := eq.AliveIntervalFor(aliveID)
	threshold := int64(math.Round(float64(interval.Milliseconds()) / 2))

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastAlive[aliveID]; ok {
		if diff := tsMs - last; diff < threshold {
			s.log.Debugf("equipment %s: alive %d filtered, %dms since the last one (threshold %dms)",
				eq.Name, aliveID, diff, threshold)
			return false
		}
	}
	s.lastAlive[aliveID] = tsMs
	return true
}

func (s *Sender) sendAlive(eq *tag.Equipment, aliveID int64, tsMs int64) {
	ts := s.timestamp(tsMs)
	now := s.now()

	t := eq.Tag(aliveID)
	if t == nil {
		s.log.Debugf("equipment %s: alive tag %d not configured, sending generic alive", eq.Name, aliveID)
		s.forward(tag.Value{
			TagID:           aliveID,
			TagName:         "eqalive",
			Equipment:       eq.Name,
			Value:           true,
			Quality:         tag.NewQuality(tag.QualityOK, ""),
			SourceTimestamp: ts,
			DAQTimestamp:    now,
			Priority:        tag.PriorityHigh,
			Kind:            tag.KindAlive,
		})
		return
	}

	var value interface{}
	switch t.DataType() {
	case tag.TypeLong:
		value = tsMs
	case tag.TypeInteger:
		value = int32(tsMs % math.MaxInt32)
	default:
		s.log.Warnf("%s: alive tag has type %s, expected Long or Integer; sending without value", t, t.DataType())
	}

	s.forward(tag.Value{
		TagID:            t.ID(),
		TagName:          t.Name(),
		Equipment:        eq.Name,
		Value:            value,
		ValueDescription: aliveDescription,
		Quality:          tag.NewQuality(tag.QualityOK, ""),
		SourceTimestamp:  ts,
		DAQTimestamp:     now,
		Priority:         t.Priority(),
		Kind:             tag.KindAlive,
	})
}
