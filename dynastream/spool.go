package dynastream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/skarademir/naturalsort"
	"github.com/tinylib/msgp/msgp"
)

// SpoolMetadata describes the contents of one spool file: for every shard
// that contributed records, the range of sequence numbers seen. It is
// written alongside each uploaded file as a JSON sidecar.
type SpoolMetadata struct {
	// shard ID => ShardInfo
	Shards     map[ShardID]*ShardInfo `json:"shards"`
	sync.Mutex `json:"-"`
}

func NewSpoolMetadata() *SpoolMetadata {
	return &SpoolMetadata{
		Shards: make(map[ShardID]*ShardInfo),
	}
}

func (s *SpoolMetadata) noteSequenceNumber(shardID ShardID, sequenceNum SequenceNumber) {
	s.Lock()
	defer s.Unlock()
	sh := s.Shards[shardID]
	if sh == nil {
		sh = &ShardInfo{}
		s.Shards[shardID] = sh
	}
	sh.noteSequenceNumber(sequenceNum)
}

type ShardInfo struct {
	MinSequenceNumber SequenceNumber `json:"min_sequence_number"`
	MaxSequenceNumber SequenceNumber `json:"max_sequence_number"`
}

// Sequence numbers are decimal strings of varying width, so ordering them is
// a natural sort, not a lexicographic one.
func (s *ShardInfo) noteSequenceNumber(sequenceNum SequenceNumber) {
	if s.MinSequenceNumber == "" {
		s.MinSequenceNumber = sequenceNum
	} else {
		nums := naturalsort.NaturalSort([]string{
			string(sequenceNum),
			string(s.MinSequenceNumber),
		})
		sort.Sort(nums)
		s.MinSequenceNumber = SequenceNumber(nums[0])
	}
	if s.MaxSequenceNumber == "" {
		s.MaxSequenceNumber = sequenceNum
	} else {
		nums := naturalsort.NaturalSort([]string{
			string(sequenceNum),
			string(s.MaxSequenceNumber),
		})
		sort.Sort(nums)
		s.MaxSequenceNumber = SequenceNumber(nums[1])
	}
}

const spoolBufferSize int = 1024 * 1024

const metadataSuffix = ".metadata"

// A Spool buffers records together into local files, and uploads them
// somewhere. Files hold snappy-framed msgpack maps, one map per record, and
// rotate by the hour. When an uploader is configured, each finished file
// lands under a day-partitioned key like "20060102/name-1454083201.dsp"
// together with its metadata sidecar.
type Spool struct {
	name string

	// Our uploader manages sending our datafiles somewhere
	uploader        *S3Uploader
	currentLogTime  time.Time
	currentWriter   io.WriteCloser
	currentFilename *string
	buf             *bytes.Buffer
	metadata        *SpoolMetadata
}

func (s *Spool) closeWriter() error {
	if s.currentWriter != nil {
		log.Println("Closing file", *s.currentFilename)
		err := s.flushBuffer()
		if err != nil {
			log.Println("Failed to flush", err)
			return fmt.Errorf("Failed to close writer")
		}

		err = s.currentWriter.Close()
		if err != nil {
			log.Println("Failed to close", err)
			return fmt.Errorf("Failed to close writer")
		}
		s.currentWriter = nil

		if s.uploader != nil {
			keyName := s.generateKeyname()
			err = s.uploader.Upload(*s.currentFilename, keyName)
			if err != nil {
				log.Println("Failed to upload:", err)
				return fmt.Errorf("Failed to upload")
			}

			err = os.Remove(*s.currentFilename)
			if err != nil {
				log.Println("Failed to cleanup:", err)
				return fmt.Errorf("Failed to cleanup writer")
			}

			err = s.uploadMetadata(keyName)
			if err != nil {
				return fmt.Errorf("failed to upload metadata: %s", err.Error())
			}
		}

		s.currentFilename = nil
	}
	s.metadata = NewSpoolMetadata()

	return nil
}

func (s *Spool) uploadMetadata(keyName string) (err error) {
	var metadataBuf bytes.Buffer
	err = json.NewEncoder(&metadataBuf).Encode(s.metadata)
	if err != nil {
		return
	}
	err = s.uploader.UploadBuf(&metadataBuf, keyName+metadataSuffix)
	return
}

func (s *Spool) openWriter(fname string) (err error) {
	if s.currentWriter != nil {
		return fmt.Errorf("Existing writer still open")
	}

	log.Println("Opening file", fname)
	f, err := os.Create(fname)
	if err != nil {
		return err
	}

	s.currentFilename = &fname
	s.currentWriter = f
	s.currentLogTime = time.Now()

	return
}

func (s *Spool) generateFilename() (name string) {
	name = fmt.Sprintf("%s.dsp", s.name)

	return
}

func (s *Spool) generateKeyname() (name string) {
	day_s := s.currentLogTime.Format("20060102")
	ts_s := fmt.Sprintf("%d", s.currentLogTime.Unix())

	name = fmt.Sprintf("%s/%s-%s.dsp", day_s, s.name, ts_s)

	return
}

func (s *Spool) getCurrentWriter() (w io.Writer, err error) {
	if s.currentWriter != nil {
		// Rotate by the hour
		if s.currentLogTime.Hour() != time.Now().Hour() {
			err = s.closeWriter()
			if err != nil {
				return nil, err
			}
		}
	}

	if s.currentWriter == nil {
		err := s.openWriter(s.generateFilename())
		if err != nil {
			return nil, err
		}
	}

	return s.currentWriter, nil
}

func (s *Spool) flushBuffer() (err error) {
	if s.currentWriter == nil {
		return fmt.Errorf("Flush without a current buffer")
	}

	log.Printf("Flushing updates for %s to disk\n", *s.currentFilename)

	sw := snappy.NewWriter(s.currentWriter)
	_, err = s.buf.WriteTo(sw)
	if err != nil {
		return
	}

	s.buf.Reset()
	return
}

// PutRecord spools one emitted record.
func (s *Spool) PutRecord(rec *Record) (err error) {
	m, err := rec.Map()
	if err != nil {
		return
	}

	b := make([]byte, 0, 1024)
	b, err = msgp.AppendMapStrIntf(b, m)
	if err != nil {
		return
	}

	err = s.Put(b)
	if err != nil {
		return
	}

	s.metadata.noteSequenceNumber(rec.ShardID, rec.SequenceNumber)
	return
}

// Put spools an already encoded msgpack record.
func (s *Spool) Put(b []byte) (err error) {
	// We get the current writer here, even though we're not using it directly.
	// This might trigger a log rotation and flush based on time.
	_, err = s.getCurrentWriter()
	if err != nil {
		return
	}

	if s.buf.Len()+len(b) >= spoolBufferSize {
		err = s.flushBuffer()
		if err != nil {
			return
		}
	}

	s.buf.Write(b)

	return
}

// Close flushes and, when an uploader is configured, ships the current file.
func (s *Spool) Close() (err error) {
	err = s.closeWriter()
	return
}

func NewSpool(name string, up *S3Uploader) (s *Spool) {
	b := make([]byte, 0, spoolBufferSize)
	buf := bytes.NewBuffer(b)

	s = &Spool{
		name:     name,
		buf:      buf,
		uploader: up,
		metadata: NewSpoolMetadata(),
	}

	return
}

// A SpoolReader understands how to translate our spool data format back into
// individual records.
type SpoolReader struct {
	mr *msgp.Reader
}

// ReadRecord returns the next spooled record, or io.EOF at the end of the
// input.
func (r *SpoolReader) ReadRecord() (rec map[string]interface{}, err error) {
	rec = make(map[string]interface{})
	err = r.mr.ReadMapStrIntf(rec)
	return
}

func NewSpoolReader(ir io.Reader) *SpoolReader {
	sr := snappy.NewReader(ir)
	mr := msgp.NewReader(sr)
	return &SpoolReader{mr}
}
