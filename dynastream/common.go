package dynastream

import "strings"

// Some types to make sure our lists of func args don't get confused
type ShardID string
type SequenceNumber string

// Sequence numbers are decimal strings of varying length. AWS guarantees they
// increase within a shard but says nothing about their width, so comparing
// them lexically is wrong. Compare by magnitude instead.
func (s SequenceNumber) Less(other SequenceNumber) bool {
	a := strings.TrimLeft(string(s), "0")
	b := strings.TrimLeft(string(other), "0")
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Iterator positions. The values intentionally match the source API's shard
// iterator types so they can be passed straight through.
const (
	PositionTrimHorizon   = "TRIM_HORIZON"
	PositionLatest        = "LATEST"
	PositionAfterSequence = "AFTER_SEQUENCE_NUMBER"
)

// A Position describes where in a shard (or a whole stream) reading should
// begin.
type Position struct {
	Type           string
	SequenceNumber SequenceNumber
}

// TrimHorizon starts from the oldest records the source still retains.
var TrimHorizon = Position{Type: PositionTrimHorizon}

// Latest skips everything already in the stream and reads only new records.
var Latest = Position{Type: PositionLatest}

// AfterSequence resumes reading just past a previously processed sequence
// number.
func AfterSequence(sn SequenceNumber) Position {
	return Position{Type: PositionAfterSequence, SequenceNumber: sn}
}

func (p Position) valid() bool {
	switch p.Type {
	case PositionTrimHorizon, PositionLatest:
		return true
	case PositionAfterSequence:
		return p.SequenceNumber != ""
	}
	return false
}
