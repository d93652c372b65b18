package dynastream

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

const (
	// DefaultEmptyFetchLimit is the catch-up burst bound: how many
	// consecutive empty-but-continuable fetches a shard gets inside one
	// Next call before dropping to one fetch per call. Five reliably
	// crosses a fully empty shard window; fewer lets busy and quiet shards
	// drift apart, more just burns requests.
	DefaultEmptyFetchLimit = 5

	// DefaultFetchLimit is the per-read record cap. The source tops out at
	// 1000 per GetRecords call.
	DefaultFetchLimit = 1000

	// DefaultFetchConcurrency bounds the refill worker pool.
	DefaultFetchConcurrency = 4

	// DefaultBufferLowWater: refill a shard when it has fewer buffered
	// records than this.
	DefaultBufferLowWater = 1

	// DefaultRefreshInterval is how often the shard listing is reconciled
	// to pick up splits and retention trims.
	DefaultRefreshInterval = 5 * time.Minute
)

// CoordinatorParams are the parameters for NewCoordinator. StreamsService is
// required. Either Position anchors a fresh read (trim horizon or latest) or
// Token resumes a previous one; Token wins if both are set. The remaining
// fields tune the engine and default sensibly when zero.
type CoordinatorParams struct {
	StreamsService StreamsService
	StreamArn      string

	Position Position
	Token    *Token

	EmptyFetchLimit  int
	FetchLimit       int64
	FetchConcurrency int
	BufferLowWater   int
	RefreshInterval  time.Duration
}

// A Coordinator turns a stream's shard set into one approximately ordered
// record sequence.
//
// Next is a non-blocking pull: it fetches where buffers run low, merges, and
// hands back either exactly one record or nil when nothing is currently
// available. Poll pacing, backoff and stopping are the caller's business.
//
// A Coordinator is owned by a single consumer. Fetches inside one Next call
// may run concurrently, but the merge is always executed alone after they
// settle, so the emitted order never depends on fetch scheduling. No method
// on Coordinator is safe for concurrent use.
type Coordinator struct {
	svc       StreamsService
	streamArn string

	// anchor is the whole-stream position this coordinator started from,
	// recorded into tokens.
	anchor Position

	tree *ShardTree

	emptyFetchLimit  int
	fetchLimit       int64
	fetchConcurrency int
	bufferLowWater   int
	refreshInterval  time.Duration

	// tieCounter feeds merge tie-breaking. Only the merge step touches it.
	tieCounter uint64

	lastRefresh time.Time

	// mu guards the fields refill workers write from their goroutines.
	mu         sync.Mutex
	warnings   []GapWarning
	refreshDue bool
}

func NewCoordinator(ctx context.Context, params *CoordinatorParams) (*Coordinator, error) {
	// Passing in a null streams service is a programming error
	if params.StreamsService == nil {
		panic("expecting a StreamsService")
	}

	c := &Coordinator{
		svc:              params.StreamsService,
		streamArn:        params.StreamArn,
		tree:             newShardTree(),
		emptyFetchLimit:  params.EmptyFetchLimit,
		fetchLimit:       params.FetchLimit,
		fetchConcurrency: params.FetchConcurrency,
		bufferLowWater:   params.BufferLowWater,
		refreshInterval:  params.RefreshInterval,
	}
	if c.emptyFetchLimit <= 0 {
		c.emptyFetchLimit = DefaultEmptyFetchLimit
	}
	if c.fetchLimit <= 0 {
		c.fetchLimit = DefaultFetchLimit
	}
	if c.fetchConcurrency <= 0 {
		c.fetchConcurrency = DefaultFetchConcurrency
	}
	if c.bufferLowWater <= 0 {
		c.bufferLowWater = DefaultBufferLowWater
	}
	if c.refreshInterval <= 0 {
		c.refreshInterval = DefaultRefreshInterval
	}

	if params.Token != nil {
		if err := c.anchorAtToken(ctx, params.Token); err != nil {
			return nil, err
		}
		return c, nil
	}

	if c.streamArn == "" {
		return nil, fmt.Errorf("StreamArn required")
	}
	pos := params.Position
	if pos.Type == "" {
		pos = TrimHorizon
	}
	if err := c.anchorAt(ctx, pos); err != nil {
		return nil, err
	}
	return c, nil
}

// Next advances the engine one step: refresh topology if due, refill low
// buffers, merge, and return the globally next record. A nil record with a
// nil error means no data is available right now; that is a normal return,
// not the end of the stream.
func (c *Coordinator) Next(ctx context.Context) (*Record, error) {
	if err := c.maybeRefresh(ctx); err != nil {
		return nil, err
	}
	if err := c.refill(ctx); err != nil {
		return nil, err
	}
	return c.merge(), nil
}

// MoveTo re-anchors the whole engine at a fresh position, discarding all
// current shard state. Only the trim horizon and latest make sense for a
// whole stream; precise resume goes through a token.
func (c *Coordinator) MoveTo(ctx context.Context, pos Position) error {
	return c.anchorAt(ctx, pos)
}

// MoveToToken re-anchors the engine at a previously produced checkpoint.
func (c *Coordinator) MoveToToken(ctx context.Context, tok *Token) error {
	return c.anchorAtToken(ctx, tok)
}

// Token snapshots the engine into a resumable checkpoint. Buffered records
// that have not been emitted are deliberately not part of it; a resume
// re-fetches them, which keeps the emitted sequence identical with or
// without the token round trip.
func (c *Coordinator) Token() *Token {
	tok := &Token{StreamArn: c.streamArn, Position: c.anchor.Type}

	for _, sh := range c.tree.all() {
		ts := TokenShard{
			ShardID:  string(sh.ID),
			ParentID: string(sh.ParentID),
			State:    sh.stateString(),
		}
		switch {
		case sh.lastEmitted != "":
			ts.SequenceNumber = string(sh.lastEmitted)
		case sh.cursor.position.Type == PositionAfterSequence:
			// Restored but nothing emitted since; keep the inherited resume
			// point rather than degrading to a horizon hint.
			ts.SequenceNumber = string(sh.cursor.position.SequenceNumber)
		default:
			ts.CursorPositionHint = sh.cursor.position.Type
		}
		tok.Shards = append(tok.Shards, ts)
	}

	// Fully consumed shards are part of the checkpoint too, as terminal
	// markers. Without them a resume would mistake a finished lineage for a
	// brand new one and replay it.
	retired := make([]string, 0, len(c.tree.retired))
	for id := range c.tree.retired {
		retired = append(retired, string(id))
	}
	sort.Strings(retired)
	for _, id := range retired {
		tok.Shards = append(tok.Shards, TokenShard{ShardID: id, State: TokenStateEnd})
	}

	return tok
}

// Warnings drains the data-loss warnings accumulated since the last call.
// These never stop the stream; they exist so a caller can notice retention
// outrunning consumption.
func (c *Coordinator) Warnings() []GapWarning {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.warnings
	c.warnings = nil
	return w
}

func (c *Coordinator) anchorAt(ctx context.Context, pos Position) error {
	if pos.Type != PositionTrimHorizon && pos.Type != PositionLatest {
		return fmt.Errorf("cannot anchor a whole stream at %q; resume from a token instead", pos.Type)
	}
	listing, err := ListShards(ctx, c.svc, c.streamArn)
	if err != nil {
		return err
	}
	c.resetState()
	c.anchor = pos
	c.tree.seed(listing, pos, c.newCursor)
	c.lastRefresh = time.Now()
	return nil
}

func (c *Coordinator) anchorAtToken(ctx context.Context, tok *Token) error {
	if tok == nil {
		return &TokenFormatError{Reason: "nil token"}
	}
	if tok.StreamArn == "" {
		return &TokenFormatError{Reason: "missing stream_arn"}
	}
	if c.streamArn == "" {
		c.streamArn = tok.StreamArn
	} else if tok.StreamArn != c.streamArn {
		return fmt.Errorf("token is for stream %q, not %q", tok.StreamArn, c.streamArn)
	}

	listing, err := ListShards(ctx, c.svc, c.streamArn)
	if err != nil {
		return err
	}

	c.resetState()
	c.anchor = Position{Type: tok.Position}
	if !c.anchor.valid() {
		c.anchor = TrimHorizon
	}
	c.restore(listing, tok)
	c.lastRefresh = time.Now()
	return nil
}

func (c *Coordinator) resetState() {
	c.tree = newShardTree()
	c.tieCounter = 0
	c.mu.Lock()
	c.refreshDue = false
	c.mu.Unlock()
}

// restore rebuilds the forest from a token against the current listing. The
// listing is authoritative for topology; the token contributes per-shard
// resume points and terminal markers. Checkpointed shards the source no
// longer knows are dropped with a warning, never an error: forward progress
// from the surviving lineage beats refusing to start.
func (c *Coordinator) restore(listing []*dynamodbstreams.Shard, tok *Token) {
	listed := make(map[ShardID]*dynamodbstreams.Shard, len(listing))
	parentOf := make(map[ShardID]ShardID, len(listing))
	for _, ls := range listing {
		id := ShardID(aws.StringValue(ls.ShardId))
		if id == "" {
			continue
		}
		listed[id] = ls
		parentOf[id] = ShardID(aws.StringValue(ls.ParentShardId))
	}

	inToken := make(map[ShardID]*TokenShard, len(tok.Shards))
	for i := range tok.Shards {
		inToken[ShardID(tok.Shards[i].ShardID)] = &tok.Shards[i]
	}

	for i := range tok.Shards {
		ts := &tok.Shards[i]
		id := ShardID(ts.ShardID)

		if ts.State == TokenStateEnd {
			c.tree.retire(id)
			continue
		}

		ls, ok := listed[id]
		if !ok {
			c.warn(GapWarning{
				ShardID:            id,
				LastSequenceNumber: SequenceNumber(ts.SequenceNumber),
				Reason:             "checkpointed shard no longer exists at the source",
			})
			c.tree.retire(id)
			continue
		}

		sh := newShard(id, ShardID(aws.StringValue(ls.ParentShardId)), c.newCursor(id, ts.resumePosition()))
		sh.lastEmitted = SequenceNumber(ts.SequenceNumber)
		c.tree.insert(sh)
	}

	// Ancestors of live checkpointed shards were necessarily drained before
	// the checkpoint was cut. Tokens normally carry explicit end markers for
	// them, but tokens from older writers may not, so derive it from the
	// lineage as well.
	for i := range tok.Shards {
		ts := &tok.Shards[i]
		if ts.State == TokenStateEnd {
			continue
		}
		pid := parentOf[ShardID(ts.ShardID)]
		for pid != "" {
			if anc, ok := inToken[pid]; ok && anc.State != TokenStateEnd {
				break
			}
			c.tree.retire(pid)
			pid = parentOf[pid]
		}
	}

	// Whatever the listing knows beyond the token is new since the
	// checkpoint; it joins at the trim horizon so nothing is skipped.
	ws := c.tree.reconcile(listing, c.newCursor)
	for _, w := range ws {
		c.warn(w)
	}
}

func (c *Coordinator) newCursor(id ShardID, pos Position) *shardCursor {
	return newShardCursor(c.svc, c.streamArn, id, pos, c.fetchLimit)
}

func (c *Coordinator) maybeRefresh(ctx context.Context) error {
	c.mu.Lock()
	due := c.refreshDue
	c.mu.Unlock()

	if !due && time.Since(c.lastRefresh) < c.refreshInterval && c.tree.len() > 0 {
		return nil
	}
	return c.refreshTopology(ctx)
}

func (c *Coordinator) refreshTopology(ctx context.Context) error {
	listing, err := ListShards(ctx, c.svc, c.streamArn)
	if err != nil {
		return err
	}

	warnings := c.tree.reconcile(listing, c.newCursor)
	for _, w := range warnings {
		log.Println("dynastream:", w.String())
		c.warn(w)
	}

	c.mu.Lock()
	c.refreshDue = false
	c.mu.Unlock()
	c.lastRefresh = time.Now()
	return nil
}

// refill runs one fetch pass over every shard whose buffer is low. Fetches
// for distinct shards are independent, so they run on a bounded worker pool;
// the pass only returns once every in-flight fetch has settled, which is
// what lets the merge stay single-owner.
func (c *Coordinator) refill(ctx context.Context) error {
	var targets []*Shard
	for _, sh := range c.tree.all() {
		if sh.fetchable() && sh.buffer.len() < c.bufferLowWater {
			targets = append(targets, sh)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	if c.fetchConcurrency <= 1 || len(targets) == 1 {
		for _, sh := range targets {
			if err := c.fillShard(ctx, sh); err != nil {
				return err
			}
		}
		return nil
	}

	sem := make(chan struct{}, c.fetchConcurrency)
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, sh := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sh *Shard) {
			defer wg.Done()
			errs[i] = c.fillShard(ctx, sh)
			<-sem
		}(i, sh)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// fillShard fetches for one shard, honoring the catch-up policy: keep
// burning through empty-but-continuable pages up to the burst bound, then
// settle to one fetch per pass until records flow again.
func (c *Coordinator) fillShard(ctx context.Context, sh *Shard) error {
	for {
		recs, err := sh.cursor.fetch(ctx)
		if err != nil {
			if isTrimmedData(err) {
				// The cursor's anchor aged out of retention. Restart this
				// lineage from the horizon and note the gap; refusing to
				// move would just widen it.
				c.warn(GapWarning{
					ShardID:            sh.ID,
					LastSequenceNumber: sh.lastEmitted,
					Reason:             "cursor position trimmed by retention; re-deriving from trim horizon",
				})
				sh.cursor.rebase(TrimHorizon)
				sh.emptyFetches = 0
				return nil
			}
			return err
		}
		sh.markActive()

		if len(recs) > 0 {
			sh.emptyFetches = 0
			rs := make([]*Record, 0, len(recs))
			for _, r := range recs {
				rs = append(rs, newRecord(sh.ID, r))
			}
			sh.buffer.push(rs...)
		}

		if sh.cursor.exhausted {
			sh.markExhausted()
			// Children, if any, only become visible through a listing.
			c.scheduleRefresh()
			return nil
		}

		if len(recs) > 0 {
			return nil
		}

		sh.emptyFetches++
		if sh.emptyFetches >= c.emptyFetchLimit {
			return nil
		}
	}
}

// merge picks the single globally next record. Candidates are the front
// records of every lineage-eligible buffer; ties on the coarse source
// timestamp fall back to a counter handed out in presentation order, which
// makes the order deterministic for identical input.
func (c *Coordinator) merge() *Record {
	c.tree.sweepPromotions()

	var h candidateHeap
	for _, sh := range c.tree.emittable() {
		rec := sh.buffer.peek()
		if rec == nil {
			// Nothing buffered right now. The shard stays in contention; an
			// empty buffer never means a finished shard.
			continue
		}
		if rec.tieBreak == 0 {
			c.tieCounter++
			rec.tieBreak = c.tieCounter
		}
		heap.Push(&h, candidate{rec: rec, shard: sh})
	}

	if h.Len() == 0 {
		return nil
	}

	win := h[0]
	win.shard.buffer.pop()
	win.shard.lastEmitted = win.rec.SequenceNumber
	if win.shard.drained() {
		// The freshly drained parent steps aside so its children's buffers
		// join the very next merge.
		c.tree.promote(win.shard.ID)
	}
	return win.rec
}

func (c *Coordinator) warn(w GapWarning) {
	c.mu.Lock()
	c.warnings = append(c.warnings, w)
	c.mu.Unlock()
}

func (c *Coordinator) scheduleRefresh() {
	c.mu.Lock()
	c.refreshDue = true
	c.mu.Unlock()
}
