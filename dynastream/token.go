package dynastream

import (
	"encoding/json"
	"fmt"
)

// A Token is a portable checkpoint of the whole engine: the stream identity
// plus per-shard lineage and sequence state. It is an immutable snapshot; a
// newer token supersedes an older one outright.
//
// The wire form is a plain JSON document so tokens survive being stored in
// databases, files or terminals. Decoding ignores unknown fields and
// defaults missing optional ones, so tokens stay forward compatible across
// releases.
type Token struct {
	StreamArn string       `json:"stream_arn"`
	Position  string       `json:"position,omitempty"`
	Shards    []TokenShard `json:"shards"`
}

// Shard states as they appear in tokens.
const (
	// TokenStateActive: the shard was still being read.
	TokenStateActive = "active"
	// TokenStateExhausted: the source had no more records for the shard,
	// but buffered records were still draining.
	TokenStateExhausted = "exhausted"
	// TokenStateEnd: the shard was fully consumed and removed from the
	// forest. A resume must not reopen it.
	TokenStateEnd = "end"
)

// A TokenShard records one shard's place in the lineage and how far it had
// been emitted when the token was cut.
type TokenShard struct {
	ShardID  string `json:"shard_id"`
	ParentID string `json:"parent_id,omitempty"`
	State    string `json:"state,omitempty"`

	// SequenceNumber is the last emitted sequence for the shard. Resume
	// reopens just past it. Empty means nothing had been emitted yet.
	SequenceNumber string `json:"sequence_number,omitempty"`

	// CursorPositionHint is where the shard's cursor was originally
	// anchored. It only matters when SequenceNumber is empty.
	CursorPositionHint string `json:"cursor_position_hint,omitempty"`
}

// Marshal encodes the token to its JSON wire form.
func (t *Token) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// String renders the token indented, for logs and terminals.
func (t *Token) String() string {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unprintable token: %v>", err)
	}
	return string(data)
}

// ParseToken decodes and validates a token. A token that cannot be parsed is
// unusable for resume and comes back as a TokenFormatError.
func ParseToken(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &TokenFormatError{Reason: "not a valid JSON document", Err: err}
	}
	if t.StreamArn == "" {
		return nil, &TokenFormatError{Reason: "missing stream_arn"}
	}
	for i, s := range t.Shards {
		if s.ShardID == "" {
			return nil, &TokenFormatError{Reason: fmt.Sprintf("shard entry %d missing shard_id", i)}
		}
	}
	if t.Position == "" {
		t.Position = PositionTrimHorizon
	}
	return &t, nil
}

// resumePosition decides where a restored shard's cursor reopens: just past
// the recorded sequence when there is one, else wherever the shard was
// originally anchored.
func (ts *TokenShard) resumePosition() Position {
	if ts.SequenceNumber != "" {
		return AfterSequence(SequenceNumber(ts.SequenceNumber))
	}
	switch ts.CursorPositionHint {
	case PositionLatest:
		return Latest
	case PositionTrimHorizon, "":
		return TrimHorizon
	default:
		return TrimHorizon
	}
}
