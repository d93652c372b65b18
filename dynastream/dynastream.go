// Package dynastream provides an opinionated consumer for DynamoDB Streams.
//
// A table's change log is exposed by AWS as a set of shards with strong
// ordering inside each shard, parent-before-child ordering across a shard
// split, and no ordering at all between unrelated shards. The Coordinator in
// this package stitches those shards back together into a single,
// approximately time-ordered sequence of change records that can be
// checkpointed with a Token and resumed without losing or duplicating
// records.
package dynastream

import (
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

// A Record is a single change emitted from the merged stream.
//
// Identity is (ShardID, SequenceNumber), which is unique for the life of the
// stream. The Change payload is the raw stream record from the source API:
// key attributes plus old/new images depending on the table's stream view
// type.
type Record struct {
	ShardID        ShardID
	SequenceNumber SequenceNumber

	// EventID and EventName identify the change itself. EventName is one of
	// INSERT, MODIFY or REMOVE.
	EventID   string
	EventName string

	// ApproximateCreationTime is the source's creation timestamp for the
	// change, rounded to second precision. Records from unrelated shards are
	// merged on this value, so ordering between them is approximate by
	// nature.
	ApproximateCreationTime time.Time

	Change *dynamodbstreams.StreamRecord

	// tieBreak orders records whose timestamps collide. It is assigned by
	// the merge step the first time a record becomes a merge candidate and
	// is meaningless outside this process.
	tieBreak uint64
}

func newRecord(shardID ShardID, src *dynamodbstreams.Record) *Record {
	r := &Record{
		ShardID: shardID,
		Change:  src.Dynamodb,
	}
	if src.EventID != nil {
		r.EventID = *src.EventID
	}
	if src.EventName != nil {
		r.EventName = *src.EventName
	}
	if src.Dynamodb != nil {
		if src.Dynamodb.SequenceNumber != nil {
			r.SequenceNumber = SequenceNumber(*src.Dynamodb.SequenceNumber)
		}
		if src.Dynamodb.ApproximateCreationDateTime != nil {
			r.ApproximateCreationTime = *src.Dynamodb.ApproximateCreationDateTime
		}
	}
	return r
}

// Map flattens the record into a plain map suitable for JSON or msgpack
// encoding. Attribute values in the key and image maps are converted to their
// natural Go types.
func (r *Record) Map() (map[string]interface{}, error) {
	m := map[string]interface{}{
		"shard_id":                  string(r.ShardID),
		"sequence_number":           string(r.SequenceNumber),
		"event_id":                  r.EventID,
		"event_name":                r.EventName,
		"approximate_creation_time": r.ApproximateCreationTime,
	}

	if r.Change == nil {
		return m, nil
	}

	if r.Change.Keys != nil {
		var keys map[string]interface{}
		if err := dynamodbattribute.UnmarshalMap(r.Change.Keys, &keys); err != nil {
			return nil, err
		}
		m["keys"] = keys
	}
	if r.Change.NewImage != nil {
		var img map[string]interface{}
		if err := dynamodbattribute.UnmarshalMap(r.Change.NewImage, &img); err != nil {
			return nil, err
		}
		m["new_image"] = img
	}
	if r.Change.OldImage != nil {
		var img map[string]interface{}
		if err := dynamodbattribute.UnmarshalMap(r.Change.OldImage, &img); err != nil {
			return nil, err
		}
		m["old_image"] = img
	}
	return m, nil
}
