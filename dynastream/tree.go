package dynastream

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

type cursorFactory func(ShardID, Position) *shardCursor

// A ShardTree owns the lineage forest. It decides which shards exist, which
// are eligible to feed the merge, and when a finished parent hands over to
// its children.
//
// The structural rule that makes ordering work: a shard may contribute merge
// candidates only while its parent is absent from the live forest. Parents
// are only removed once fully drained, so every parent record is emitted
// before any child record.
type ShardTree struct {
	shards map[ShardID]*Shard

	// order is the stable presentation order for merge candidate collection,
	// which is what makes tie-breaking deterministic run to run.
	order []ShardID

	// retired holds ids of shards that were fully drained and removed. A
	// later listing still contains them; without this set a refresh would
	// resurrect them and replay their records.
	retired map[ShardID]struct{}
}

func newShardTree() *ShardTree {
	return &ShardTree{
		shards:  make(map[ShardID]*Shard),
		retired: make(map[ShardID]struct{}),
	}
}

func (t *ShardTree) get(id ShardID) *Shard {
	return t.shards[id]
}

func (t *ShardTree) len() int {
	return len(t.shards)
}

// all returns the live shards in presentation order.
func (t *ShardTree) all() []*Shard {
	shards := make([]*Shard, 0, len(t.order))
	for _, id := range t.order {
		shards = append(shards, t.shards[id])
	}
	return shards
}

// emittable returns, in presentation order, the shards whose buffers may
// feed the merge: those with no live parent. Children of a live parent are
// fetched and buffered but held back here.
func (t *ShardTree) emittable() []*Shard {
	shards := make([]*Shard, 0, len(t.order))
	for _, id := range t.order {
		sh := t.shards[id]
		if sh.ParentID == "" {
			shards = append(shards, sh)
			continue
		}
		if _, alive := t.shards[sh.ParentID]; !alive {
			shards = append(shards, sh)
		}
	}
	return shards
}

func (t *ShardTree) insert(sh *Shard) {
	if _, ok := t.shards[sh.ID]; ok {
		return
	}
	t.shards[sh.ID] = sh
	t.order = append(t.order, sh.ID)

	if sh.ParentID != "" {
		if parent, ok := t.shards[sh.ParentID]; ok {
			parent.addChild(sh.ID)
		}
	}
	// A child can land before its parent in odd listings; close the link in
	// both directions.
	for _, other := range t.shards {
		if other.ParentID == sh.ID {
			sh.addChild(other.ID)
		}
	}
}

func (t *ShardTree) remove(id ShardID) {
	if _, ok := t.shards[id]; !ok {
		return
	}
	delete(t.shards, id)
	t.retired[id] = struct{}{}
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *ShardTree) retire(id ShardID) {
	t.retired[id] = struct{}{}
}

// promote removes a drained shard from the forest. Its children, if any,
// become roots of their own sub-lineage and start feeding the merge; a
// drained leaf simply disappears.
func (t *ShardTree) promote(id ShardID) {
	t.remove(id)
}

// sweepPromotions promotes every drained shard. Safe in any order: drained
// is a purely local property, and a shard with unemitted records is never
// drained.
func (t *ShardTree) sweepPromotions() (promoted int) {
	// promote mutates order, so walk a snapshot.
	ids := append([]ShardID(nil), t.order...)
	for _, id := range ids {
		if sh := t.shards[id]; sh != nil && sh.drained() {
			t.promote(id)
			promoted++
		}
	}
	return promoted
}

// seed builds the initial forest from a listing and a whole-stream position.
//
// From the trim horizon every listed shard participates, with children held
// back until their parents drain. From latest only the open shards matter;
// closed shards hold history that predates the anchor, so they are retired
// outright.
func (t *ShardTree) seed(listing []*dynamodbstreams.Shard, pos Position, newCursor cursorFactory) {
	for _, ls := range listing {
		id := ShardID(aws.StringValue(ls.ShardId))
		if id == "" {
			continue
		}
		if pos.Type == PositionLatest && shardClosed(ls) {
			t.retire(id)
			continue
		}
		parentID := ShardID(aws.StringValue(ls.ParentShardId))
		t.insert(newShard(id, parentID, newCursor(id, pos)))
	}
}

// reconcile folds a fresh listing into the forest.
//
// Shards we know that the listing has dropped were trimmed by retention:
// they are marked exhausted with a gap warning, and whatever they still
// buffer drains normally rather than being thrown away. Shards the listing
// knows and we don't are fresh splits (or lineages newly inside the
// horizon); they join at the trim horizon so nothing is skipped.
func (t *ShardTree) reconcile(listing []*dynamodbstreams.Shard, newCursor cursorFactory) (warnings []GapWarning) {
	listed := make(map[ShardID]*dynamodbstreams.Shard, len(listing))
	for _, ls := range listing {
		id := ShardID(aws.StringValue(ls.ShardId))
		if id != "" {
			listed[id] = ls
		}
	}

	for _, id := range t.order {
		sh := t.shards[id]
		if _, ok := listed[id]; ok {
			continue
		}
		if sh.trimmed || sh.state == shardExhausted {
			// Already finished or already warned about.
			continue
		}
		sh.markTrimmed()
		warnings = append(warnings, GapWarning{
			ShardID:            sh.ID,
			LastSequenceNumber: sh.lastEmitted,
			Reason:             "shard trimmed by retention before it was fully read",
		})
	}

	for _, ls := range listing {
		id := ShardID(aws.StringValue(ls.ShardId))
		if id == "" {
			continue
		}
		if _, ok := t.shards[id]; ok {
			continue
		}
		if _, ok := t.retired[id]; ok {
			continue
		}
		parentID := ShardID(aws.StringValue(ls.ParentShardId))
		t.insert(newShard(id, parentID, newCursor(id, TrimHorizon)))
	}

	return warnings
}

func shardClosed(ls *dynamodbstreams.Shard) bool {
	return ls.SequenceNumberRange != nil && ls.SequenceNumberRange.EndingSequenceNumber != nil
}
