package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/galestore/gale/pkg/types"
)

// Reader reads records sequentially or by position. Readers are
// independent of writers; Clone opens another handle on the same file
// so concurrent readers never share an offset.
type Reader struct {
	file *os.File
	path string
	pos  int64
	size int64
}

// OpenReader opens the file for reading from the start.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat record file %s: %w", path, err)
	}
	return &Reader{file: file, path: path, size: info.Size()}, nil
}

// Clone opens an independent reader on the same file.
func (r *Reader) Clone() (*Reader, error) {
	return OpenReader(r.path)
}

// Next reads the record at the current offset and advances past it.
// A clean end of file, a truncated tail, or an unreasonable length
// prefix all surface as types.ErrEOF; a CRC mismatch on a fully
// present record surfaces as types.ErrRecordChecksum with the offset
// already advanced, so the caller may skip and continue.
func (r *Reader) Next() (Record, error) {
	rec, err := r.ReadAt(r.pos)
	if err != nil {
		if errors.Is(err, types.ErrRecordChecksum) {
			// The frame was intact, only the payload hash failed.
			r.pos += int64(rec.Size)
		}
		return rec, err
	}
	r.pos += int64(rec.Size)
	return rec, nil
}

// ReadAt reads one record at the given offset without moving the
// sequential cursor.
func (r *Reader) ReadAt(pos int64) (Record, error) {
	if pos >= r.size {
		return Record{}, types.ErrEOF
	}
	var lenBuf [lenSize]byte
	if _, err := r.file.ReadAt(lenBuf[:], pos); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, types.ErrEOF
		}
		return Record{}, fmt.Errorf("read record length at %d in %s: %w", pos, r.path, err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < minBodyLen || bodyLen > MaxPayloadSize+minBodyLen {
		// A garbage length prefix is indistinguishable from a torn
		// tail; recovery truncates here.
		return Record{}, types.ErrEOF
	}
	if pos+lenSize+int64(bodyLen) > r.size {
		return Record{}, types.ErrEOF
	}

	body := make([]byte, bodyLen)
	if _, err := r.file.ReadAt(body, pos+lenSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, types.ErrEOF
		}
		return Record{}, fmt.Errorf("read record body at %d in %s: %w", pos, r.path, err)
	}

	rec := Record{
		Type: body[0],
		Seq:  binary.LittleEndian.Uint64(body[1:9]),
		Data: body[typeSize+seqSize : bodyLen-crcSize],
		Pos:  pos,
		Size: lenSize + bodyLen,
	}
	want := binary.LittleEndian.Uint32(body[bodyLen-crcSize:])
	if got := Checksum(rec.Data); got != want {
		return rec, fmt.Errorf("%w: at %d in %s (got %08x want %08x)",
			types.ErrRecordChecksum, pos, r.path, got, want)
	}
	return rec, nil
}

// Pos returns the sequential cursor.
func (r *Reader) Pos() int64 { return r.pos }

// Size returns the file size observed at open time.
func (r *Reader) Size() int64 { return r.size }

// Refresh re-stats the file so a reader can chase an active writer.
func (r *Reader) Refresh() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", r.path, err)
	}
	r.size = info.Size()
	return nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}
