package dynastream

type shardState int

const (
	// shardUnopened: known from the listing but no iterator derived yet.
	shardUnopened shardState = iota
	// shardActive: has a live cursor; fetches may return more records.
	shardActive
	// shardExhausted: the source has no further records for this shard,
	// ever. Terminal. Buffered records may still await emission.
	shardExhausted
)

// A Shard is one node of the lineage forest. Parent and children are tracked
// by id only; all lookups go through the ShardTree, so nodes never form
// reference cycles.
type Shard struct {
	ID       ShardID
	ParentID ShardID

	children map[ShardID]struct{}

	cursor *shardCursor
	buffer *recordBuffer

	state   shardState
	trimmed bool

	// emptyFetches counts consecutive empty-but-continuable fetches, the
	// bookkeeping behind the catch-up policy.
	emptyFetches int

	// lastEmitted is the sequence number of this shard's most recently
	// emitted record. It is what a checkpoint token records for the shard.
	lastEmitted SequenceNumber
}

func newShard(id, parentID ShardID, cursor *shardCursor) *Shard {
	return &Shard{
		ID:       id,
		ParentID: parentID,
		children: make(map[ShardID]struct{}),
		cursor:   cursor,
		buffer:   &recordBuffer{},
	}
}

func (s *Shard) addChild(id ShardID) {
	s.children[id] = struct{}{}
}

// fetchable reports whether the coordinator should still run fetches for
// this shard.
func (s *Shard) fetchable() bool {
	return s.state != shardExhausted
}

// drained means exhausted at the source with nothing left buffered; the
// shard has delivered everything it ever will and its children may take
// over.
func (s *Shard) drained() bool {
	return s.state == shardExhausted && s.buffer.len() == 0
}

func (s *Shard) markActive() {
	if s.state == shardUnopened {
		s.state = shardActive
	}
}

func (s *Shard) markExhausted() {
	s.state = shardExhausted
}

// markTrimmed is a forced exhaustion: the source listing no longer knows the
// shard, so there is nothing left to fetch. Whatever is buffered still
// drains normally.
func (s *Shard) markTrimmed() {
	s.trimmed = true
	s.state = shardExhausted
}

func (s *Shard) stateString() string {
	if s.state == shardExhausted {
		return TokenStateExhausted
	}
	return TokenStateActive
}
