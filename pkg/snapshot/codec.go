package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

// Wire layout:
//   [8] storedTime unix sec
//   [2] status
//   [4] header json length
//   [n] header json
//   [m] snappy-compressed body
const headerOverhead = 8 + 2 + 4

var errTooShort = errors.New("snapshot data is too short")

// Pack encodes s into a byte slice suitable for a byte-oriented store
// backend. The body is snappy-compressed.
func Pack(s *Snapshot) ([]byte, error) {
	hj, err := json.Marshal(s.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	body := snappy.Encode(nil, s.Body)
	b := make([]byte, headerOverhead+len(hj)+len(body))
	binary.BigEndian.PutUint64(b[:8], uint64(s.StoredTime.Unix()))
	binary.BigEndian.PutUint16(b[8:10], uint16(s.Status))
	binary.BigEndian.PutUint32(b[10:14], uint32(len(hj)))
	copy(b[headerOverhead:], hj)
	copy(b[headerOverhead+len(hj):], body)
	return b, nil
}

// Unpack decodes a slice produced by Pack.
func Unpack(b []byte) (*Snapshot, error) {
	if len(b) < headerOverhead {
		return nil, errTooShort
	}
	storedTime := time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0)
	status := int(binary.BigEndian.Uint16(b[8:10]))
	hl := int(binary.BigEndian.Uint32(b[10:14]))
	if len(b) < headerOverhead+hl {
		return nil, errTooShort
	}

	header := make(http.Header)
	if hl > 0 {
		if err := json.Unmarshal(b[headerOverhead:headerOverhead+hl], &header); err != nil {
			return nil, fmt.Errorf("failed to unmarshal header: %w", err)
		}
	}
	body, err := snappy.Decode(nil, b[headerOverhead+hl:])
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return &Snapshot{
		Status:     status,
		Header:     header,
		Body:       body,
		StoredTime: storedTime,
	}, nil
}
