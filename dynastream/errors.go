package dynastream

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

// ErrStreamNotFound means the stream identity doesn't exist at the source at
// all. There is nothing to resume from; the caller has to decide what to do.
var ErrStreamNotFound = errors.New("stream not found")

// A TokenFormatError means a checkpoint token couldn't be parsed or failed
// basic validation. Resuming from it is impossible.
type TokenFormatError struct {
	Reason string
	Err    error
}

func (e *TokenFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid token: %s", e.Reason)
}

func (e *TokenFormatError) Unwrap() error { return e.Err }

// A GapWarning reports that records may have been missed for a shard, most
// commonly because retention trimmed data before we could read it. The
// stream keeps going; the warning carries enough context for the caller to
// decide whether the gap matters.
type GapWarning struct {
	ShardID            ShardID
	LastSequenceNumber SequenceNumber
	Reason             string
}

func (w GapWarning) String() string {
	if w.LastSequenceNumber != "" {
		return fmt.Sprintf("possible gap on shard %s after sequence %s: %s",
			w.ShardID, w.LastSequenceNumber, w.Reason)
	}
	return fmt.Sprintf("possible gap on shard %s: %s", w.ShardID, w.Reason)
}

func awsErrCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

func isExpiredIterator(err error) bool {
	return awsErrCode(err) == dynamodbstreams.ErrCodeExpiredIteratorException
}

func isTrimmedData(err error) bool {
	return awsErrCode(err) == dynamodbstreams.ErrCodeTrimmedDataAccessException
}

func isResourceNotFound(err error) bool {
	return awsErrCode(err) == dynamodbstreams.ErrCodeResourceNotFoundException
}
