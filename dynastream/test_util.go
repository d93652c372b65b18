// Mock DynamoDB Streams service
package dynastream

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Each page holds the records served by one GetRecords call. A page with no
// records is an empty read against a still-open iterator.
type testStreamPage struct {
	sn      SequenceNumber
	records []*dynamodbstreams.Record
}

type testStreamShard struct {
	parent        ShardID
	ending        *string
	pages         []testStreamPage
	trimmedBefore int
}

func newTestStreamShard() *testStreamShard {
	return &testStreamShard{}
}

func makeStreamRecord(sn SequenceNumber, at time.Time, attrs map[string]string) *dynamodbstreams.Record {
	av := make(map[string]*dynamodb.AttributeValue, len(attrs))
	for k, v := range attrs {
		av[k] = &dynamodb.AttributeValue{S: aws.String(v)}
	}

	return &dynamodbstreams.Record{
		EventID:   aws.String(fmt.Sprintf("evt-%s", sn)),
		EventName: aws.String("INSERT"),
		AwsRegion: aws.String("us-west-1"),
		Dynamodb: &dynamodbstreams.StreamRecord{
			ApproximateCreationDateTime: aws.Time(at),
			Keys:                        av,
			NewImage:                    av,
			SequenceNumber:              aws.String(string(sn)),
			StreamViewType:              aws.String("NEW_IMAGE"),
		},
	}
}

func (s *testStreamShard) AddRecord(sn SequenceNumber, at time.Time, attrs map[string]string) {
	rec := makeStreamRecord(sn, at, attrs)
	s.pages = append(s.pages, testStreamPage{sn, []*dynamodbstreams.Record{rec}})
}

// AddRecordsPage serves several records from a single GetRecords call.
func (s *testStreamShard) AddRecordsPage(at time.Time, sns ...SequenceNumber) {
	recs := make([]*dynamodbstreams.Record, 0, len(sns))
	for _, sn := range sns {
		recs = append(recs, makeStreamRecord(sn, at, map[string]string{"id": string(sn)}))
	}
	s.pages = append(s.pages, testStreamPage{sns[len(sns)-1], recs})
}

func (s *testStreamShard) AddEmptyPage() {
	s.pages = append(s.pages, testStreamPage{})
}

// TrimBefore ages out the first n pages, as retention would.
func (s *testStreamShard) TrimBefore(n int) {
	s.trimmedBefore = n
}

type testStream struct {
	TableName string
	StreamArn string

	order  []ShardID
	shards map[ShardID]*testStreamShard
}

func newTestStream(table, label string) *testStream {
	return &testStream{
		TableName: table,
		StreamArn: fmt.Sprintf("arn:aws:dynamodb:us-west-1:123456789012:table/%s/stream/%s", table, label),
		shards:    make(map[ShardID]*testStreamShard),
	}
}

func (s *testStream) AddShard(sid ShardID, parent ShardID) *testStreamShard {
	sh := newTestStreamShard()
	sh.parent = parent
	s.shards[sid] = sh
	s.order = append(s.order, sid)
	return sh
}

// CloseShard seals a shard: its ending sequence number becomes the last
// record's, and readers that consume it to the end see a nil next iterator.
func (s *testStream) CloseShard(sid ShardID) {
	sh := s.shards[sid]
	ending := "0"
	for i := len(sh.pages) - 1; i >= 0; i-- {
		if sh.pages[i].sn != "" {
			ending = string(sh.pages[i].sn)
			break
		}
	}
	sh.ending = aws.String(ending)
}

// SplitShard closes a shard and adds two children continuing its key range.
func (s *testStream) SplitShard(sid, child1, child2 ShardID) {
	s.CloseShard(sid)
	s.AddShard(child1, sid)
	s.AddShard(child2, sid)
}

// RemoveShard drops a shard from the listing entirely, the way retention
// eventually forgets old lineage.
func (s *testStream) RemoveShard(sid ShardID) {
	delete(s.shards, sid)
	for i, id := range s.order {
		if id == sid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// testEpoch is an arbitrary fixed base time for record timestamps.
var testEpoch = time.Date(2020, 1, 29, 10, 0, 0, 0, time.UTC)

type testStreamsService struct {
	streams map[string]*testStream

	// generation invalidates outstanding iterators when bumped.
	generation int

	// describePageSize forces DescribeStream pagination when > 0.
	describePageSize int

	describeCalls int

	// mu guards getRecordsCalls, which the refill workers hit concurrently.
	mu              sync.Mutex
	getRecordsCalls map[ShardID]int
	getRecordsErr   error
}

func newTestStreamsService() *testStreamsService {
	return &testStreamsService{
		streams:         make(map[string]*testStream),
		getRecordsCalls: make(map[ShardID]int),
	}
}

func (s *testStreamsService) AddStream(stream *testStream) {
	s.streams[stream.StreamArn] = stream
}

func (s *testStreamsService) expireIterators() {
	s.generation++
}

func (s *testStreamsService) callCount(sid ShardID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRecordsCalls[sid]
}

func (s *testStreamsService) resetCallCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRecordsCalls = make(map[ShardID]int)
}

// Iterators encode (stream, shard, page index, record offset, generation).
// The offset lets AFTER_SEQUENCE_NUMBER land in the middle of a page, like
// the real API positions on a record, not a read. The separator cannot be
// ":" because ARNs are full of those.
func encodeIterator(arn string, sid ShardID, idx, off, gen int) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", arn, sid, idx, off, gen)
}

func parseIterator(iterVal string) (arn string, sid ShardID, idx, off, gen int) {
	vals := strings.Split(iterVal, "|")
	if len(vals) != 5 {
		panic(fmt.Sprintf("bad test iterator %q", iterVal))
	}
	idx, _ = strconv.Atoi(vals[2])
	off, _ = strconv.Atoi(vals[3])
	gen, _ = strconv.Atoi(vals[4])
	return vals[0], ShardID(vals[1]), idx, off, gen
}

func (s *testStreamsService) GetShardIteratorWithContext(_ aws.Context, i *dynamodbstreams.GetShardIteratorInput, _ ...request.Option) (*dynamodbstreams.GetShardIteratorOutput, error) {
	stream, ok := s.streams[aws.StringValue(i.StreamArn)]
	if !ok {
		return nil, awserr.New(dynamodbstreams.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	sid := ShardID(aws.StringValue(i.ShardId))
	sh, ok := stream.shards[sid]
	if !ok {
		return nil, awserr.New(dynamodbstreams.ErrCodeResourceNotFoundException, "Shard not found", nil)
	}

	idx, off := len(sh.pages), 0
	switch aws.StringValue(i.ShardIteratorType) {
	case dynamodbstreams.ShardIteratorTypeTrimHorizon:
		idx = sh.trimmedBefore
	case dynamodbstreams.ShardIteratorTypeLatest:
		idx = len(sh.pages)
	case dynamodbstreams.ShardIteratorTypeAfterSequenceNumber:
		after := SequenceNumber(aws.StringValue(i.SequenceNumber))
	SCAN:
		for n, p := range sh.pages {
			for o, r := range p.records {
				sn := SequenceNumber(aws.StringValue(r.Dynamodb.SequenceNumber))
				if after.Less(sn) {
					idx, off = n, o
					break SCAN
				}
			}
		}
	default:
		return nil, awserr.New("ValidationException", "Unsupported iterator type", nil)
	}

	iterVal := encodeIterator(stream.StreamArn, sid, idx, off, s.generation)
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(iterVal)}, nil
}

func (s *testStreamsService) GetRecordsWithContext(_ aws.Context, gri *dynamodbstreams.GetRecordsInput, _ ...request.Option) (*dynamodbstreams.GetRecordsOutput, error) {
	if s.getRecordsErr != nil {
		return nil, s.getRecordsErr
	}

	arn, sid, idx, off, gen := parseIterator(aws.StringValue(gri.ShardIterator))

	if gen != s.generation {
		return nil, awserr.New(dynamodbstreams.ErrCodeExpiredIteratorException, "Iterator expired", nil)
	}

	stream, ok := s.streams[arn]
	if !ok {
		return nil, awserr.New(dynamodbstreams.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	sh, ok := stream.shards[sid]
	if !ok {
		return nil, awserr.New(dynamodbstreams.ErrCodeResourceNotFoundException, "Shard not found", nil)
	}

	s.mu.Lock()
	s.getRecordsCalls[sid]++
	s.mu.Unlock()

	if idx < sh.trimmedBefore {
		return nil, awserr.New(dynamodbstreams.ErrCodeTrimmedDataAccessException, "Requested data is trimmed", nil)
	}

	if idx >= len(sh.pages) {
		if sh.ending != nil {
			// Closed and fully consumed.
			return &dynamodbstreams.GetRecordsOutput{}, nil
		}
		// Open shard with nothing new: empty read, position unchanged.
		return &dynamodbstreams.GetRecordsOutput{
			NextShardIterator: gri.ShardIterator,
		}, nil
	}

	recs := sh.pages[idx].records
	if off > 0 && off <= len(recs) {
		recs = recs[off:]
	}
	next := encodeIterator(arn, sid, idx+1, 0, s.generation)
	return &dynamodbstreams.GetRecordsOutput{
		Records:           recs,
		NextShardIterator: aws.String(next),
	}, nil
}

func (s *testStreamsService) DescribeStreamWithContext(_ aws.Context, input *dynamodbstreams.DescribeStreamInput, _ ...request.Option) (*dynamodbstreams.DescribeStreamOutput, error) {
	s.describeCalls++
	stream, ok := s.streams[aws.StringValue(input.StreamArn)]
	if !ok {
		return nil, awserr.New(dynamodbstreams.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}

	start := 0
	if input.ExclusiveStartShardId != nil {
		for i, sid := range stream.order {
			if string(sid) == *input.ExclusiveStartShardId {
				start = i + 1
				break
			}
		}
	}

	end := len(stream.order)
	var lastEvaluated *string
	if s.describePageSize > 0 && start+s.describePageSize < end {
		end = start + s.describePageSize
		lastEvaluated = aws.String(string(stream.order[end-1]))
	}

	shards := make([]*dynamodbstreams.Shard, 0, end-start)
	for _, sid := range stream.order[start:end] {
		sh := stream.shards[sid]
		ds := &dynamodbstreams.Shard{
			ShardId:             aws.String(string(sid)),
			SequenceNumberRange: &dynamodbstreams.SequenceNumberRange{},
		}
		if sh.parent != "" {
			ds.ParentShardId = aws.String(string(sh.parent))
		}
		for _, p := range sh.pages {
			if p.sn != "" {
				ds.SequenceNumberRange.StartingSequenceNumber = aws.String(string(p.sn))
				break
			}
		}
		if sh.ending != nil {
			ds.SequenceNumberRange.EndingSequenceNumber = sh.ending
		}
		shards = append(shards, ds)
	}

	return &dynamodbstreams.DescribeStreamOutput{
		StreamDescription: &dynamodbstreams.StreamDescription{
			StreamArn:            aws.String(stream.StreamArn),
			TableName:            aws.String(stream.TableName),
			StreamStatus:         aws.String("ENABLED"),
			Shards:               shards,
			LastEvaluatedShardId: lastEvaluated,
		},
	}, nil
}

func (s *testStreamsService) ListStreamsWithContext(_ aws.Context, input *dynamodbstreams.ListStreamsInput, _ ...request.Option) (*dynamodbstreams.ListStreamsOutput, error) {
	arns := make([]string, 0, len(s.streams))
	for arn, st := range s.streams {
		if input.TableName != nil && st.TableName != *input.TableName {
			continue
		}
		arns = append(arns, arn)
	}
	// Map order isn't stable; the caller sorts by label anyway, but keep the
	// listing deterministic for tests.
	for i := 1; i < len(arns); i++ {
		for j := i; j > 0 && arns[j] < arns[j-1]; j-- {
			arns[j], arns[j-1] = arns[j-1], arns[j]
		}
	}

	out := &dynamodbstreams.ListStreamsOutput{}
	for _, arn := range arns {
		st := s.streams[arn]
		label := ""
		if i := strings.LastIndex(arn, "/stream/"); i >= 0 {
			label = arn[i+len("/stream/"):]
		}
		out.Streams = append(out.Streams, &dynamodbstreams.Stream{
			StreamArn:   aws.String(arn),
			StreamLabel: aws.String(label),
			TableName:   aws.String(st.TableName),
		})
	}
	return out, nil
}

// S3 testing:

type testS3Object struct {
	content []byte
}

type testS3Service struct {
	objects map[string]*testS3Object
}

func newTestS3Service() *testS3Service {
	return &testS3Service{objects: make(map[string]*testS3Object)}
}

func (m *testS3Service) get(bucket, key string) ([]byte, bool) {
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, false
	}
	return obj.content, true
}

func (m *testS3Service) uploader() *testS3UploaderService {
	return &testS3UploaderService{testS3Service: m}
}

type testS3UploaderService struct {
	testS3Service *testS3Service
}

func (u *testS3UploaderService) Upload(input *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	var buf bytes.Buffer
	io.Copy(&buf, input.Body)
	log.Printf("testS3Service Put: %s/%s %d\n", *input.Bucket, *input.Key, buf.Len())
	u.testS3Service.objects[*input.Bucket+"/"+*input.Key] = &testS3Object{content: buf.Bytes()}
	return &s3manager.UploadOutput{}, nil
}
