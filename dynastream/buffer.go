package dynastream

// A recordBuffer holds one shard's fetched-but-not-yet-emitted records. The
// order inside a buffer is the source's intra-shard order and is never
// rearranged; the merge step only ever takes from the front.
type recordBuffer struct {
	records []*Record
}

func (b *recordBuffer) push(recs ...*Record) {
	b.records = append(b.records, recs...)
}

func (b *recordBuffer) peek() *Record {
	if len(b.records) == 0 {
		return nil
	}
	return b.records[0]
}

func (b *recordBuffer) pop() *Record {
	if len(b.records) == 0 {
		return nil
	}
	r := b.records[0]
	b.records = b.records[1:]
	return r
}

func (b *recordBuffer) len() int {
	return len(b.records)
}

// A candidate pairs a buffer-front record with its shard for the merge step.
type candidate struct {
	rec   *Record
	shard *Shard
}

// candidateHeap orders merge candidates by (approximate creation time,
// tie-break counter). Within a shard the FIFO buffer already guarantees
// sequence order, so at most one record per shard is in the heap at a time
// and intra-shard order can never be violated here.
type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i].rec, h[j].rec
	if !a.ApproximateCreationTime.Equal(b.ApproximateCreationTime) {
		return a.ApproximateCreationTime.Before(b.ApproximateCreationTime)
	}
	return a.tieBreak < b.tieBreak
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x interface{}) {
	*h = append(*h, x.(candidate))
}

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
