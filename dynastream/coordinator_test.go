package dynastream

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
)

// drain pulls until the coordinator reports no data, with a cap so a broken
// engine can't wedge the test.
func drain(t *testing.T, c *Coordinator) []SequenceNumber {
	t.Helper()
	var out []SequenceNumber
	for i := 0; i < 50; i++ {
		rec, err := c.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if rec == nil {
			return out
		}
		out = append(out, rec.SequenceNumber)
	}
	t.Fatalf("still emitting after 50 pulls: %v", out)
	return nil
}

func expectSequence(t *testing.T, got, want []SequenceNumber) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func newCoordinator(t *testing.T, params *CoordinatorParams) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCoordinatorIntraShardOrder(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	for i, sn := range []SequenceNumber{"101", "102", "103", "104", "105"} {
		sh.AddRecord(sn, testEpoch.Add(time.Duration(i)*time.Second), map[string]string{"id": string(sn)})
	}
	svc.AddStream(st)

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"101", "102", "103", "104", "105"})
}

func TestCoordinatorMergesAcrossShards(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	a := st.AddShard("shardId-a", "")
	a.AddRecord("11", testEpoch.Add(1*time.Second), nil)
	a.AddRecord("13", testEpoch.Add(3*time.Second), nil)
	b := st.AddShard("shardId-b", "")
	b.AddRecord("22", testEpoch.Add(2*time.Second), nil)
	b.AddRecord("24", testEpoch.Add(4*time.Second), nil)
	svc.AddStream(st)

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"11", "22", "13", "24"})
}

func newTieBreakFixture() (*testStreamsService, *testStream) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	s1 := st.AddShard("shardId-0001", "")
	s1.AddRecord("101", testEpoch.Add(-4*time.Hour), nil)
	s1.AddRecord("102", testEpoch.Add(-3*time.Hour), nil)
	s1.AddRecord("103", testEpoch.Add(-3*time.Hour), nil)
	s2 := st.AddShard("shardId-0002", "")
	s2.AddRecord("201", testEpoch.Add(-4*time.Hour), nil)
	svc.AddStream(st)
	return svc, st
}

func TestCoordinatorDeterministicTieBreak(t *testing.T) {
	svc, st := newTieBreakFixture()

	// The two T-4h records tie on timestamp; the earlier-listed shard wins,
	// and the winner's next record cannot jump the other shard's tied one.
	want := []SequenceNumber{"101", "201", "102", "103"}

	first := drain(t, newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn}))
	expectSequence(t, first, want)

	// Identical input, identical order, every time.
	second := drain(t, newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn}))
	expectSequence(t, second, first)
}

func TestCoordinatorParentBeforeChild(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	p := st.AddShard("shardId-p", "")
	p.AddRecord("1", testEpoch.Add(-7*time.Hour), nil)
	p.AddRecord("2", testEpoch.Add(-5*time.Hour), nil)
	st.CloseShard("shardId-p")
	ch := st.AddShard("shardId-c", "shardId-p")
	ch.AddRecord("11", testEpoch.Add(-6*time.Hour), nil)
	svc.AddStream(st)

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	// The child record falls between the parent's two by timestamp, but
	// lineage order beats timestamp order: everything from the parent
	// first.
	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"1", "2", "11"})
}

func TestCoordinatorCatchUpPolicy(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	svc.AddStream(st)

	sid := ShardID("shardId-0000")
	ctx := context.Background()

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	// First pull: a burst of empty fetches, capped at the limit.
	rec, err := c.Next(ctx)
	if err != nil || rec != nil {
		t.Fatalf("expected no data, got %v, %v", rec, err)
	}
	if n := svc.callCount(sid); n != DefaultEmptyFetchLimit {
		t.Fatalf("expected %d fetches in the first pull, got %d", DefaultEmptyFetchLimit, n)
	}

	// Still empty: exactly one fetch per pull from now on.
	if rec, _ := c.Next(ctx); rec != nil {
		t.Fatal("expected no data")
	}
	if n := svc.callCount(sid); n != 6 {
		t.Fatalf("expected the sixth fetch on the second pull, got %d", n)
	}
	if rec, _ := c.Next(ctx); rec != nil {
		t.Fatal("expected no data")
	}
	if n := svc.callCount(sid); n != 7 {
		t.Fatalf("expected one fetch per pull, got %d", n)
	}

	// Data arrives: served on the next pull, and the streak resets.
	sh.AddRecord("1", testEpoch, nil)
	rec, err = c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.SequenceNumber != "1" {
		t.Fatalf("expected record 1, got %v", rec)
	}
	if n := svc.callCount(sid); n != 8 {
		t.Fatalf("expected a single fetch to find data, got %d", n)
	}

	// Empty again: a fresh burst is allowed.
	if rec, _ := c.Next(ctx); rec != nil {
		t.Fatal("expected no data")
	}
	if n := svc.callCount(sid); n != 8+DefaultEmptyFetchLimit {
		t.Fatalf("expected a fresh burst after data, got %d", n)
	}
}

func TestCoordinatorExpiredIteratorTransparent(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	sh.AddRecord("42", testEpoch, nil)
	sh.AddRecord("43", testEpoch.Add(time.Second), nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	rec, err := c.Next(ctx)
	if err != nil || rec == nil || rec.SequenceNumber != "42" {
		t.Fatalf("bad first pull: %v, %v", rec, err)
	}

	svc.expireIterators()

	rec, err = c.Next(ctx)
	if err != nil {
		t.Fatalf("expiry should be invisible, got %v", err)
	}
	if rec == nil || rec.SequenceNumber != "43" {
		t.Fatalf("expected 43 with no duplicate, got %v", rec)
	}
}

func TestCoordinatorTrimmedShardWarning(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	a := st.AddShard("shardId-a", "")
	a.AddRecordsPage(testEpoch, "1", "2", "3")
	b := st.AddShard("shardId-b", "")
	b.AddRecord("9", testEpoch.Add(time.Second), nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	rec, err := c.Next(ctx)
	if err != nil || rec == nil || rec.SequenceNumber != "1" {
		t.Fatalf("bad first pull: %v, %v", rec, err)
	}

	// Retention forgets the shard mid-read.
	st.RemoveShard("shardId-a")
	c.lastRefresh = time.Time{}

	// Already fetched records still drain, then the survivor takes over.
	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"2", "3", "9"})

	ws := c.Warnings()
	if len(ws) != 1 {
		t.Fatalf("expected one warning, got %v", ws)
	}
	if ws[0].ShardID != "shardId-a" || ws[0].LastSequenceNumber != "1" {
		t.Errorf("bad warning: %v", ws[0])
	}

	// Warnings drain on read.
	if ws := c.Warnings(); len(ws) != 0 {
		t.Errorf("warnings should have been drained, got %v", ws)
	}
}

func TestCoordinatorSplitDiscovery(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	p := st.AddShard("shardId-p", "")
	p.AddRecord("1", testEpoch, nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	rec, err := c.Next(ctx)
	if err != nil || rec == nil || rec.SequenceNumber != "1" {
		t.Fatalf("bad first pull: %v, %v", rec, err)
	}
	if rec := drain(t, c); len(rec) != 0 {
		t.Fatalf("unexpected records: %v", rec)
	}

	// The shard splits; the next refresh must pick the children up and
	// finish the parent first.
	st.SplitShard("shardId-p", "shardId-c1", "shardId-c2")
	st.shards["shardId-c1"].AddRecord("11", testEpoch.Add(2*time.Second), nil)
	st.shards["shardId-c2"].AddRecord("21", testEpoch.Add(3*time.Second), nil)
	c.lastRefresh = time.Time{}

	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"11", "21"})

	if ws := c.Warnings(); len(ws) != 0 {
		t.Fatalf("a clean split is not a gap: %v", ws)
	}
}

func TestCoordinatorSeedLatest(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	h := st.AddShard("shardId-old", "")
	h.AddRecord("1", testEpoch, nil)
	st.CloseShard("shardId-old")
	o := st.AddShard("shardId-new", "shardId-old")
	o.AddRecord("11", testEpoch.Add(time.Second), nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{
		StreamsService: svc,
		StreamArn:      st.StreamArn,
		Position:       Latest,
	})

	// All history predates the anchor.
	if rec, err := c.Next(ctx); err != nil || rec != nil {
		t.Fatalf("latest anchor served history: %v, %v", rec, err)
	}

	o.AddRecord("12", testEpoch.Add(2*time.Second), nil)

	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"12"})
}

func TestCoordinatorFatalErrorPropagates(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	sh.AddRecord("1", testEpoch, nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	svc.getRecordsErr = awserr.New(dynamodbstreams.ErrCodeInternalServerError, "backend sad", nil)

	if _, err := c.Next(ctx); err == nil {
		t.Fatal("expected the source error to surface")
	}

	// Nothing advanced, so clearing the fault and retrying loses nothing.
	svc.getRecordsErr = nil
	rec, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.SequenceNumber != "1" {
		t.Fatalf("expected record 1 after retry, got %v", rec)
	}
}

func TestCoordinatorRefreshInterval(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	sh.AddRecord("1", testEpoch, nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	if svc.describeCalls != 1 {
		t.Fatalf("expected one listing at construction, got %d", svc.describeCalls)
	}

	for i := 0; i < 3; i++ {
		c.Next(ctx)
	}
	if svc.describeCalls != 1 {
		t.Fatalf("refresh ran before the interval: %d listings", svc.describeCalls)
	}

	c.lastRefresh = time.Time{}
	c.Next(ctx)
	if svc.describeCalls != 2 {
		t.Fatalf("expected a refresh after the interval, got %d listings", svc.describeCalls)
	}
}

func newLineageFixture() (*testStreamsService, *testStream) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	p := st.AddShard("shardId-p", "")
	p.AddRecord("1", testEpoch.Add(1*time.Second), map[string]string{"id": "p1"})
	p.AddRecord("2", testEpoch.Add(3*time.Second), map[string]string{"id": "p2"})
	st.CloseShard("shardId-p")
	ch := st.AddShard("shardId-c", "shardId-p")
	ch.AddRecord("11", testEpoch.Add(5*time.Second), map[string]string{"id": "c1"})
	b := st.AddShard("shardId-b", "")
	b.AddRecord("101", testEpoch.Add(2*time.Second), map[string]string{"id": "b1"})
	b.AddRecord("102", testEpoch.Add(4*time.Second), map[string]string{"id": "b2"})
	b.AddRecord("103", testEpoch.Add(6*time.Second), map[string]string{"id": "b3"})
	svc.AddStream(st)
	return svc, st
}

var lineageFixtureOrder = []SequenceNumber{"1", "101", "2", "102", "11", "103"}

// Cutting a token after any prefix and resuming from it must reproduce the
// uninterrupted sequence exactly: nothing lost, nothing duplicated.
func TestCoordinatorTokenResume(t *testing.T) {
	svc, st := newLineageFixture()
	ctx := context.Background()

	full := drain(t, newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn}))
	expectSequence(t, full, lineageFixtureOrder)

	for k := 0; k <= len(full); k++ {
		c1 := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

		var got []SequenceNumber
		for i := 0; i < k; i++ {
			rec, err := c1.Next(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if rec == nil {
				t.Fatalf("cut %d: ran dry after %d records", k, i)
			}
			got = append(got, rec.SequenceNumber)
		}

		// Round trip the token through its wire form, like a real restart.
		data, err := c1.Token().Marshal()
		if err != nil {
			t.Fatal(err)
		}
		tok, err := ParseToken(data)
		if err != nil {
			t.Fatal(err)
		}

		c2 := newCoordinator(t, &CoordinatorParams{StreamsService: svc, Token: tok})
		got = append(got, drain(t, c2)...)

		if len(got) != len(full) {
			t.Fatalf("cut %d: got %v, want %v", k, got, full)
		}
		for i := range full {
			if got[i] != full[i] {
				t.Fatalf("cut %d: got %v, want %v", k, got, full)
			}
		}

		if ws := c2.Warnings(); len(ws) != 0 {
			t.Fatalf("cut %d: clean resume warned: %v", k, ws)
		}
	}
}

func TestCoordinatorTokenCarriesAnchor(t *testing.T) {
	svc, st := newLineageFixture()

	c := newCoordinator(t, &CoordinatorParams{
		StreamsService: svc,
		StreamArn:      st.StreamArn,
		Position:       Latest,
	})

	tok := c.Token()
	if tok.Position != PositionLatest {
		t.Errorf("anchor lost: %q", tok.Position)
	}
	if tok.StreamArn != st.StreamArn {
		t.Errorf("stream identity lost: %q", tok.StreamArn)
	}
}

func TestCoordinatorResumeVanishedShard(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	live := st.AddShard("shardId-live", "")
	live.AddRecord("5", testEpoch, nil)
	svc.AddStream(st)

	tok := &Token{
		StreamArn: st.StreamArn,
		Position:  PositionTrimHorizon,
		Shards: []TokenShard{
			{ShardID: "shardId-ghost", State: TokenStateActive, SequenceNumber: "99"},
		},
	}

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, Token: tok})

	ws := c.Warnings()
	if len(ws) != 1 {
		t.Fatalf("expected one warning, got %v", ws)
	}
	if ws[0].ShardID != "shardId-ghost" || ws[0].LastSequenceNumber != "99" {
		t.Errorf("bad warning: %v", ws[0])
	}

	// The stream keeps going with what the source still has.
	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"5"})
}

func TestCoordinatorMoveTo(t *testing.T) {
	svc := newTestStreamsService()
	st := newTestStream("orders", "label-1")
	sh := st.AddShard("shardId-0000", "")
	sh.AddRecord("1", testEpoch, nil)
	sh.AddRecord("2", testEpoch.Add(time.Second), nil)
	svc.AddStream(st)

	ctx := context.Background()
	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	expectSequence(t, drain(t, c), []SequenceNumber{"1", "2"})

	if err := c.MoveTo(ctx, TrimHorizon); err != nil {
		t.Fatal(err)
	}
	expectSequence(t, drain(t, c), []SequenceNumber{"1", "2"})

	if err := c.MoveTo(ctx, AfterSequence("1")); err == nil {
		t.Fatal("a whole stream cannot anchor on one sequence number")
	}
}

func TestCoordinatorListingPagination(t *testing.T) {
	svc := newTestStreamsService()
	svc.describePageSize = 1
	st := newTestStream("orders", "label-1")
	st.AddShard("shardId-a", "").AddRecord("1", testEpoch.Add(1*time.Second), nil)
	st.AddShard("shardId-b", "").AddRecord("2", testEpoch.Add(2*time.Second), nil)
	st.AddShard("shardId-c", "").AddRecord("3", testEpoch.Add(3*time.Second), nil)
	svc.AddStream(st)

	c := newCoordinator(t, &CoordinatorParams{StreamsService: svc, StreamArn: st.StreamArn})

	got := drain(t, c)
	expectSequence(t, got, []SequenceNumber{"1", "2", "3"})
}

func TestNewCoordinatorValidation(t *testing.T) {
	svc := newTestStreamsService()

	if _, err := NewCoordinator(context.Background(), &CoordinatorParams{StreamsService: svc}); err == nil {
		t.Error("expected an error without a stream")
	}

	st := newTestStream("orders", "label-1")
	svc.AddStream(st)

	_, err := NewCoordinator(context.Background(), &CoordinatorParams{
		StreamsService: svc,
		StreamArn:      st.StreamArn,
		Position:       AfterSequence("5"),
	})
	if err == nil {
		t.Error("expected an error for a sequence anchor on a whole stream")
	}

	_, err = NewCoordinator(context.Background(), &CoordinatorParams{
		StreamsService: svc,
		StreamArn:      "arn:other",
		Token:          &Token{StreamArn: st.StreamArn},
	})
	if err == nil {
		t.Error("expected an error for a token from another stream")
	}
}
