package idmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Binary record layout, in order:
//
//	stable_id   16 bytes
//	kind         1 byte
//	path_len     2 bytes, big endian
//	path         path_len bytes, UTF-8
//	state        1 byte (0 live, 1 tombstoned, 2 purged)
//	updated_at   8 bytes, big endian, unix nanoseconds
//
// The layout is shared by the file arena and the BadgerDB value encoding so
// both backends replay through the same decoder.

const maxPathLen = 0xFFFF

func encodedSize(rec Record) int {
	return 16 + 1 + 2 + len(rec.Path) + 1 + 8
}

func encodeRecord(rec Record) ([]byte, error) {
	if len(rec.Path) > maxPathLen {
		return nil, fmt.Errorf("path length %d exceeds %d", len(rec.Path), maxPathLen)
	}

	buf := make([]byte, 0, encodedSize(rec))
	buf = append(buf, rec.ID[:]...)
	buf = append(buf, byte(rec.Kind))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rec.Path)))
	buf = append(buf, rec.Path...)
	buf = append(buf, byte(rec.State))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rec.UpdatedAt.UnixNano()))
	return buf, nil
}

// decodeRecord reads one record from r. It returns io.EOF at a clean record
// boundary and io.ErrUnexpectedEOF when the stream ends mid-record (a torn
// append from a crash).
func decodeRecord(r io.Reader) (Record, error) {
	var rec Record

	header := make([]byte, 16+1+2)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return rec, io.EOF
		}
		return rec, io.ErrUnexpectedEOF
	}

	copy(rec.ID[:], header[:16])
	rec.Kind = Kind(header[16])
	pathLen := binary.BigEndian.Uint16(header[17:19])

	rest := make([]byte, int(pathLen)+1+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return rec, io.ErrUnexpectedEOF
	}

	rec.Path = string(rest[:pathLen])
	rec.State = State(rest[pathLen])
	nanos := int64(binary.BigEndian.Uint64(rest[pathLen+1:]))
	rec.UpdatedAt = time.Unix(0, nanos)

	if rec.Kind != KindFile && rec.Kind != KindFolder {
		return rec, fmt.Errorf("invalid kind %d for %s", rec.Kind, rec.ID)
	}
	if rec.State > StatePurged {
		return rec, fmt.Errorf("invalid state %d for %s", rec.State, rec.ID)
	}

	return rec, nil
}
