// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record reads and writes sequences of records. Each record is a stream
// of bytes that completes before the next record starts.
//
// When reading, call Next to obtain an io.Reader for the next record. Next will
// return io.EOF when there are no more records. It is valid to call Next
// without reading the current record to exhaustion.
//
// When writing, call Next to obtain an io.Writer for the next record. Calling
// Next finishes the current record. Call Close to finish the final record.
//
// Optionally, call Flush to finish the current record and flush the underlying
// writer without starting a new record. To start a new record after flushing,
// call Next.
//
// Neither Readers or Writers are safe to use concurrently.
//
// The wire format is that the stream is divided into 32KiB blocks, and each
// block contains a number of tightly packed chunks. Chunks cannot cross block
// boundaries. The last block may be shorter than 32 KiB. Any unused bytes in a
// block must be zero.
//
// A record maps to one or more chunks. Each chunk has a 7 byte header (a 4
// byte checksum, a 2 byte little-endian uint16 length, and a 1 byte chunk
// type) followed by a payload. The checksum is over the chunk type and the
// payload.
//
// There are four chunk types: whether the chunk is the full record, or the
// first, middle or last chunk of a multi-chunk record. A multi-chunk record
// has one first chunk, zero or more middle chunks, and one last chunk.
//
// The wire format allows for limited recovery in the face of data corruption:
// on a format error (such as a checksum mismatch), the reader looks ahead for
// any well-formed chunk that follows. If one exists the damage is in the
// middle of the log and a corruption error is returned. Otherwise the damage
// is confined to the tail of the log, the result of a crash in the middle of
// a write, and the reader reports io.ErrUnexpectedEOF.
package record // import "github.com/cockroachdb/shingle/record"

// The C++ Level-DB code calls this the log, but it has been renamed to record
// to avoid clashing with the standard log package, and because it is generally
// useful outside of logging. The C++ code also uses the term "physical record"
// instead of "chunk", but "chunk" is shorter and less confusing.

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shingle/internal/base"
	"github.com/cockroachdb/shingle/internal/crc"
)

// These constants are part of the wire format and should not be changed.
const (
	fullChunkType   = 1
	firstChunkType  = 2
	middleChunkType = 3
	lastChunkType   = 4
)

const (
	blockSize     = 32 * 1024
	blockSizeMask = blockSize - 1
	headerSize    = 7
)

var (
	// ErrNoLastRecord is returned if LastRecordOffset is called and there is no
	// previous record.
	ErrNoLastRecord = errors.New("shingle/record: no last record exists")

	// ErrZeroedChunk is returned if a chunk is encountered that is zeroed.
	ErrZeroedChunk = errors.New("shingle/record: zeroed chunk")

	// ErrInvalidChunk is returned if a chunk is encountered with an invalid
	// header, length, or checksum.
	ErrInvalidChunk = errors.New("shingle/record: invalid chunk")
)

// IsInvalidRecord returns true if the error matches one of the error types
// returned for a damaged tail of a log. These are treated in a way similar to
// io.EOF in recovery code. Damage that was confirmed to be followed by valid
// data is a corruption error and is not an invalid record.
func IsInvalidRecord(err error) bool {
	if base.IsCorruptionError(err) {
		return false
	}
	return errors.Is(err, ErrZeroedChunk) || errors.Is(err, ErrInvalidChunk) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Reader reads records from an underlying io.Reader.
type Reader struct {
	// r is the underlying reader.
	r io.Reader
	// blockNum is the zero based block number currently held in buf.
	blockNum int64
	// seq is the sequence number of the current record.
	seq int
	// buf[begin:end] is the unread portion of the current chunk's payload. The
	// low bound, begin, excludes the chunk header.
	begin, end int
	// n is the number of bytes of buf that are valid. Once reading has started,
	// only the final block can have n < blockSize.
	n int
	// last is whether the current chunk is the last chunk of the record.
	last bool
	// err is any accumulated error.
	err error
	// invalidOffset is the file offset of the first chunk that failed to
	// decode. The header of a damaged chunk cannot be trusted, so read-ahead
	// resumes at the byte after invalidOffset.
	invalidOffset int64
	resumeAt      int
	// buf is the buffer.
	buf [blockSize]byte
}

// NewReader returns a new reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:        r,
		blockNum: -1,
	}
}

func (r *Reader) invalid(err error) error {
	r.invalidOffset = r.blockNum*blockSize + int64(r.end)
	r.resumeAt = r.end + 1
	return err
}

// nextChunk sets r.buf[r.begin:r.end] to hold the next chunk's payload, reading
// the next block into the buffer if necessary.
func (r *Reader) nextChunk(wantFirst bool) error {
	for {
		if r.end+headerSize <= r.n {
			checksum := binary.LittleEndian.Uint32(r.buf[r.end+0 : r.end+4])
			length := binary.LittleEndian.Uint16(r.buf[r.end+4 : r.end+6])
			chunkType := r.buf[r.end+6]

			if checksum == 0 && length == 0 && chunkType == 0 {
				if wantFirst && r.allZero(r.end) {
					// The rest of the block is zero: a preallocated or
					// zero-filled tail.
					r.end = r.n
					continue
				}
				return r.invalid(ErrZeroedChunk)
			}
			if chunkType < fullChunkType || chunkType > lastChunkType {
				return r.invalid(ErrInvalidChunk)
			}

			begin := r.end + headerSize
			end := begin + int(length)
			if end > r.n {
				// The chunk straddles a 32KB boundary (or the end of file).
				return r.invalid(ErrInvalidChunk)
			}
			if checksum != crc.New(r.buf[begin-1:end]).Value() {
				return r.invalid(ErrInvalidChunk)
			}
			r.begin, r.end = begin, end
			if wantFirst {
				if chunkType != fullChunkType && chunkType != firstChunkType {
					continue
				}
			}
			r.last = chunkType == fullChunkType || chunkType == lastChunkType
			return nil
		}
		if r.n < blockSize && r.blockNum >= 0 {
			if !wantFirst || r.end != r.n {
				// The log ends in the middle of a record, or with a partial
				// header.
				return r.invalid(io.ErrUnexpectedEOF)
			}
			return io.EOF
		}
		n, err := io.ReadFull(r.r, r.buf[:])
		if err != nil && err != io.ErrUnexpectedEOF {
			if err == io.EOF && !wantFirst {
				return r.invalid(io.ErrUnexpectedEOF)
			}
			return err
		}
		r.begin, r.end, r.n = 0, 0, n
		r.blockNum++
	}
}

func (r *Reader) allZero(from int) bool {
	for _, b := range r.buf[from:r.n] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Next returns a reader for the next record. It returns io.EOF if there are no
// more records. The reader returned becomes stale after the next Next call,
// and should no longer be used.
func (r *Reader) Next() (io.Reader, error) {
	r.seq++
	if r.err != nil {
		return nil, r.err
	}
	r.begin = r.end
	r.err = r.nextChunk(true)
	if r.err != nil {
		r.err = r.classify(r.err)
		return nil, r.err
	}
	return singleReader{r, r.seq}, nil
}

// classify turns a decoding error into either a tolerated tail error or a
// confirmed corruption error by reading ahead in the log.
func (r *Reader) classify(err error) error {
	if err == io.EOF {
		return err
	}
	if !errors.Is(err, ErrInvalidChunk) && !errors.Is(err, ErrZeroedChunk) &&
		!errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	offset := r.invalidOffset
	found, readErr := r.readAheadForValidChunk()
	if readErr != nil {
		return readErr
	}
	if found {
		return base.MarkCorruptionError(errors.Wrapf(err, "shingle/record: damaged chunk at offset %d followed by valid data",
			errors.Safe(offset)))
	}
	// The damage extends to the end of the log.
	return io.ErrUnexpectedEOF
}

// readAheadForValidChunk scans the remainder of the log after a damaged chunk
// for any chunk with a valid header and checksum. It consumes the underlying
// reader.
func (r *Reader) readAheadForValidChunk() (bool, error) {
	if r.scanBlock(r.resumeAt) {
		return true, nil
	}
	if r.n < blockSize {
		// The damaged block was the last one.
		return false, nil
	}
	for {
		n, err := io.ReadFull(r.r, r.buf[:])
		if err == io.EOF {
			return false, nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return false, err
		}
		r.begin, r.end, r.n = 0, 0, n
		r.blockNum++
		if r.scanBlock(0) {
			return true, nil
		}
		if n < blockSize {
			return false, nil
		}
	}
}

// scanBlock searches the current block from off onwards for a well-formed
// chunk that starts a record, trying every byte offset since the damaged
// chunk's length cannot be trusted. Well-formed middle and last chunks may be
// the remains of the damaged record; they are stepped over.
func (r *Reader) scanBlock(off int) bool {
	for off+headerSize <= r.n {
		end, ok := r.wellFormedChunk(off)
		if !ok {
			off++
			continue
		}
		if chunkType := r.buf[off+6]; chunkType == fullChunkType || chunkType == firstChunkType {
			return true
		}
		off = end
	}
	return false
}

// wellFormedChunk reports whether buf[off:] holds a chunk with a valid type,
// a length within the block and a matching checksum, and returns the offset
// just past it.
func (r *Reader) wellFormedChunk(off int) (int, bool) {
	chunkType := r.buf[off+6]
	if chunkType < fullChunkType || chunkType > lastChunkType {
		return 0, false
	}
	length := binary.LittleEndian.Uint16(r.buf[off+4 : off+6])
	end := off + headerSize + int(length)
	if end > r.n {
		return 0, false
	}
	checksum := binary.LittleEndian.Uint32(r.buf[off+0 : off+4])
	if checksum != crc.New(r.buf[off+headerSize-1:end]).Value() {
		return 0, false
	}
	return end, true
}

// Offset returns the current offset within the file. If called immediately
// before a call to Next(), Offset() will return the record offset.
func (r *Reader) Offset() int64 {
	if r.blockNum < 0 {
		return 0
	}
	return int64(r.blockNum)*blockSize + int64(r.end)
}

type singleReader struct {
	r   *Reader
	seq int
}

func (x singleReader) Read(p []byte) (int, error) {
	r := x.r
	if r.seq != x.seq {
		return 0, errors.New("shingle/record: stale reader")
	}
	if r.err != nil {
		return 0, r.err
	}
	for r.begin == r.end {
		if r.last {
			return 0, io.EOF
		}
		if r.err = r.nextChunk(false); r.err != nil {
			r.err = r.classify(r.err)
			return 0, r.err
		}
	}
	n := copy(p, r.buf[r.begin:r.end])
	r.begin += n
	return n, nil
}

// Writer writes records to an underlying io.Writer.
type Writer struct {
	// w is the underlying writer.
	w io.Writer
	// seq is the sequence number of the current record.
	seq int
	// f is w as a flusher.
	f flusher
	// buf[i:j] is the bytes that will become the current chunk.
	// The low bound, i, includes the chunk header.
	i, j int
	// buf[:written] has already been written to w.
	// written is zero unless Flush has been called.
	written int
	// blockNumber is the zero based block number currently held in buf.
	blockNumber int64
	// lastRecordOffset is the offset in w where the last record was
	// written (including the chunk header).
	lastRecordOffset int64
	// first is whether the current chunk is the first chunk of the record.
	first bool
	// pending is whether a chunk is buffered but not yet written.
	pending bool
	// err is any accumulated error.
	err error
	// buf is the buffer.
	buf [blockSize]byte
}

type flusher interface {
	Flush() error
}

// NewWriter returns a new Writer.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(flusher)
	return &Writer{
		w:                w,
		f:                f,
		lastRecordOffset: -1,
	}
}

// fillHeader fills in the header for the pending chunk.
func (w *Writer) fillHeader(last bool) {
	if w.i+headerSize > w.j || w.j > blockSize {
		panic("shingle/record: bad writer state")
	}
	if last {
		if w.first {
			w.buf[w.i+6] = fullChunkType
		} else {
			w.buf[w.i+6] = lastChunkType
		}
	} else {
		if w.first {
			w.buf[w.i+6] = firstChunkType
		} else {
			w.buf[w.i+6] = middleChunkType
		}
	}
	binary.LittleEndian.PutUint32(w.buf[w.i+0:w.i+4], crc.New(w.buf[w.i+6:w.j]).Value())
	binary.LittleEndian.PutUint16(w.buf[w.i+4:w.i+6], uint16(w.j-w.i-headerSize))
}

// writeBlock writes the buffered block to the underlying writer, and reserves
// space for the next chunk's header.
func (w *Writer) writeBlock() {
	_, w.err = w.w.Write(w.buf[w.written:])
	w.i = 0
	w.j = headerSize
	w.written = 0
	w.blockNumber++
}

// writePending finishes the current record and writes the buffer to the
// underlying writer.
func (w *Writer) writePending() {
	if w.err != nil {
		return
	}
	if w.pending {
		w.fillHeader(true)
		w.pending = false
	}
	_, w.err = w.w.Write(w.buf[w.written:w.j])
	w.written = w.j
}

// Close finishes the current record and closes the writer.
func (w *Writer) Close() error {
	w.seq++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	w.err = errors.New("shingle/record: closed Writer")
	return nil
}

// Flush finishes the current record, writes to the underlying writer, and
// flushes it if that writer implements interface{ Flush() error }.
func (w *Writer) Flush() error {
	w.seq++
	w.writePending()
	if w.err != nil {
		return w.err
	}
	if w.f != nil {
		w.err = w.f.Flush()
		return w.err
	}
	return nil
}

// Next returns a writer for the next record. The writer returned becomes stale
// after the next Close, Flush or Next call, and should no longer be used.
func (w *Writer) Next() (io.Writer, error) {
	w.seq++
	if w.err != nil {
		return nil, w.err
	}
	if w.pending {
		w.fillHeader(true)
	}
	w.i = w.j
	w.j = w.j + headerSize
	// Check if there is room in the block for the header.
	if w.j > blockSize {
		// Fill in the rest of the block with zeroes.
		clear(w.buf[w.i:])
		w.writeBlock()
		if w.err != nil {
			return nil, w.err
		}
	}
	w.lastRecordOffset = w.blockNumber*blockSize + int64(w.i)
	w.first = true
	w.pending = true
	return singleWriter{w, w.seq}, nil
}

// WriteRecord writes a complete record. Returns the offset just past the end
// of the record.
func (w *Writer) WriteRecord(p []byte) (int64, error) {
	if w.err != nil {
		return -1, w.err
	}
	t, err := w.Next()
	if err != nil {
		return -1, err
	}
	if _, err := t.Write(p); err != nil {
		return -1, err
	}
	w.writePending()
	return w.Size(), w.err
}

// Size returns the current size of the file.
func (w *Writer) Size() int64 {
	if w == nil {
		return 0
	}
	return w.blockNumber*blockSize + int64(w.j)
}

// LastRecordOffset returns the offset in the underlying io.Writer of the last
// record so far - the one created by the most recent Next call. It is the
// offset of the first chunk header.
//
// If there is no last record, i.e. nothing was written, LastRecordOffset will
// return ErrNoLastRecord.
func (w *Writer) LastRecordOffset() (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.lastRecordOffset < 0 {
		return 0, ErrNoLastRecord
	}
	return w.lastRecordOffset, nil
}

type singleWriter struct {
	w   *Writer
	seq int
}

func (x singleWriter) Write(p []byte) (int, error) {
	w := x.w
	if w.seq != x.seq {
		return 0, errors.New("shingle/record: stale writer")
	}
	if w.err != nil {
		return 0, w.err
	}
	n0 := len(p)
	for len(p) > 0 {
		// Write a block, if it is full.
		if w.j == blockSize {
			w.fillHeader(false)
			w.writeBlock()
			if w.err != nil {
				return 0, w.err
			}
			w.first = false
		}
		// Copy bytes into the buffer.
		n := copy(w.buf[w.j:], p)
		w.j += n
		p = p[n:]
	}
	return n0, nil
}
