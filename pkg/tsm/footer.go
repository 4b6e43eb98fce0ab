package tsm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/galestore/gale/pkg/types"
)

// Magic identifies a TSM file, written little-endian after no prefix
// at offset 0 and again inside the fixed tail.
const Magic uint32 = 0x012CDA16

// TsmVersionV1 is the only footer version currently written.
const TsmVersionV1 byte = 1

// Footer is the fixed tail of a TSM file. The JSON body is followed by
// [u32 body_len][u32 magic] so it can be located from the end.
type Footer struct {
	Version    byte            `json:"version"`
	VnodeID    types.VnodeID   `json:"vnode_id"`
	TimeRange  types.TimeRange `json:"time_range"`
	Bloom      []byte          `json:"bloom"`
	MetaOffset uint64          `json:"meta_offset"`
	MetaSize   uint64          `json:"meta_size"`
}

const footerTailSize = 8

func (f *Footer) serialize() ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("serialize footer: %w", err)
	}
	out := make([]byte, len(body)+footerTailSize)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[len(body)+4:], Magic)
	return out, nil
}

// readFooter loads and verifies the footer from an open file.
func readFooter(file *os.File, size int64) (*Footer, error) {
	if size < footerTailSize+4 {
		return nil, fmt.Errorf("tsm file too short (%d bytes)", size)
	}
	var tail [footerTailSize]byte
	if _, err := file.ReadAt(tail[:], size-footerTailSize); err != nil {
		return nil, fmt.Errorf("read footer tail: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(tail[4:]); magic != Magic {
		return nil, fmt.Errorf("bad tsm magic %08x", magic)
	}
	bodyLen := int64(binary.LittleEndian.Uint32(tail[:4]))
	if bodyLen <= 0 || bodyLen > size-footerTailSize {
		return nil, fmt.Errorf("bad tsm footer length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := file.ReadAt(body, size-footerTailSize-bodyLen); err != nil {
		return nil, fmt.Errorf("read footer body: %w", err)
	}
	footer := &Footer{}
	if err := json.Unmarshal(body, footer); err != nil {
		return nil, fmt.Errorf("decode footer: %w", err)
	}
	if footer.Version != TsmVersionV1 {
		return nil, fmt.Errorf("unsupported tsm version %d", footer.Version)
	}
	return footer, nil
}

// writeLenPrefixed writes [u32 len][bytes] and returns the byte count,
// keeping every serialized component independently deserializable.
func writeLenPrefixed(w io.Writer, body []byte) (int, error) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body); err != nil {
		return 0, err
	}
	return 4 + len(body), nil
}

// readLenPrefixedAt reads a [u32 len][bytes] component at offset.
func readLenPrefixedAt(file *os.File, offset uint64, into any) error {
	var lenBuf [4]byte
	if _, err := file.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return fmt.Errorf("read component length at %d: %w", offset, err)
	}
	body := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := file.ReadAt(body, int64(offset)+4); err != nil {
		return fmt.Errorf("read component at %d: %w", offset, err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode component at %d: %w", offset, err)
	}
	return nil
}
