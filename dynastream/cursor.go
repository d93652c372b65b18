package dynastream

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

// A shardCursor owns one shard's iterator lifecycle: opening at a requested
// position, re-deriving after the source expires the iterator, and bounded
// reads. Iterators are opaque and short-lived; the durable piece of state is
// the last fetched sequence number, which lets a refresh continue exactly
// where the previous iterator stopped.
type shardCursor struct {
	svc       StreamsService
	streamArn string
	shardID   ShardID

	// position is what the cursor was originally asked for. A refresh falls
	// back to it only when nothing has ever been fetched, so a cursor that
	// has seen records can never skip past unread ones.
	position Position

	iterator    *string
	lastFetched SequenceNumber
	exhausted   bool
	fetchLimit  int64
}

func newShardCursor(svc StreamsService, streamArn string, shardID ShardID, pos Position, fetchLimit int64) *shardCursor {
	return &shardCursor{
		svc:        svc,
		streamArn:  streamArn,
		shardID:    shardID,
		position:   pos,
		fetchLimit: fetchLimit,
	}
}

// open derives a fresh iterator. If records were fetched before, the
// iterator continues after the last of them; otherwise it lands on the
// original requested position.
func (sc *shardCursor) open(ctx context.Context) error {
	gsi := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(sc.streamArn),
		ShardId:   aws.String(string(sc.shardID)),
	}

	if sc.lastFetched != "" {
		gsi.ShardIteratorType = aws.String(dynamodbstreams.ShardIteratorTypeAfterSequenceNumber)
		gsi.SequenceNumber = aws.String(string(sc.lastFetched))
	} else {
		gsi.ShardIteratorType = aws.String(sc.position.Type)
		if sc.position.Type == PositionAfterSequence {
			gsi.SequenceNumber = aws.String(string(sc.position.SequenceNumber))
		}
	}

	gso, err := sc.svc.GetShardIteratorWithContext(ctx, gsi)
	if err != nil {
		return fmt.Errorf("shard %s: get iterator: %w", sc.shardID, err)
	}

	sc.iterator = gso.ShardIterator
	return nil
}

// refresh throws the current iterator away and re-derives one. Used after
// the source reports the iterator expired.
func (sc *shardCursor) refresh(ctx context.Context) error {
	sc.iterator = nil
	return sc.open(ctx)
}

// rebase points the cursor at a new position and forgets fetch progress.
// Used when retention has trimmed the data the cursor was anchored on and
// the lineage has to restart from the trim horizon.
func (sc *shardCursor) rebase(pos Position) {
	sc.position = pos
	sc.iterator = nil
	sc.lastFetched = ""
}

// fetch performs one bounded read. It returns zero or more records; after it
// returns, exhausted tells a permanently finished shard apart from one that
// merely had nothing to say. Iterator expiry is recovered here invisibly.
// On error no cursor state has advanced, so the fetch can simply be retried.
func (sc *shardCursor) fetch(ctx context.Context) ([]*dynamodbstreams.Record, error) {
	if sc.exhausted {
		return nil, nil
	}

	if sc.iterator == nil {
		if err := sc.open(ctx); err != nil {
			return nil, err
		}
	}

	gri := &dynamodbstreams.GetRecordsInput{
		ShardIterator: sc.iterator,
		Limit:         aws.Int64(sc.fetchLimit),
	}

	gro, err := sc.svc.GetRecordsWithContext(ctx, gri)
	if err != nil && isExpiredIterator(err) {
		if rerr := sc.refresh(ctx); rerr != nil {
			return nil, rerr
		}
		gri.ShardIterator = sc.iterator
		gro, err = sc.svc.GetRecordsWithContext(ctx, gri)
	}
	if err != nil {
		return nil, fmt.Errorf("shard %s: get records: %w", sc.shardID, err)
	}

	if n := len(gro.Records); n > 0 {
		last := gro.Records[n-1]
		if last.Dynamodb != nil && last.Dynamodb.SequenceNumber != nil {
			sc.lastFetched = SequenceNumber(*last.Dynamodb.SequenceNumber)
		}
	}

	sc.iterator = gro.NextShardIterator
	if sc.iterator == nil {
		// Terminal marker: the shard is closed and fully read. This is
		// different from an empty page, which still returns an iterator.
		sc.exhausted = true
	}

	return gro.Records, nil
}
