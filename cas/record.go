package cas

import (
	"encoding/binary"
	"fmt"

	"github.com/dirkpetersen/claudefs/fs"
	"github.com/dirkpetersen/claudefs/storage"
)

// Entry record layout, all integers big-endian:
//
//	version u8 | device u16 | offset u64 | size u32 | refcount u64 |
//	compression u8 | level i8 | keyid u32 | nonce u8-len + bytes |
//	original_len u32 | stored_len u32
const entryVersion = 1

func marshalEntry(e *Entry) []byte {
	out := make([]byte, 0, 37+len(e.Nonce))
	out = append(out, entryVersion)
	out = binary.BigEndian.AppendUint16(out, e.Ref.ID.Device)
	out = binary.BigEndian.AppendUint64(out, e.Ref.ID.Offset)
	out = binary.BigEndian.AppendUint32(out, uint32(e.Ref.Size))
	out = binary.BigEndian.AppendUint64(out, e.Refcount)
	out = append(out, e.Compression, byte(e.Level))
	out = binary.BigEndian.AppendUint32(out, e.KeyID)
	out = append(out, byte(len(e.Nonce)))
	out = append(out, e.Nonce...)
	out = binary.BigEndian.AppendUint32(out, e.OriginalLen)
	out = binary.BigEndian.AppendUint32(out, e.StoredLen)
	return out
}

func unmarshalEntry(in []byte) (*Entry, error) {
	if len(in) < 1 {
		return nil, fmt.Errorf("empty cas record: %w", fs.ErrorIntegrity)
	}
	if in[0] != entryVersion {
		return nil, fmt.Errorf("cas record version %d: %w", in[0], fs.ErrorVersionMismatch)
	}
	in = in[1:]
	if len(in) < 24 {
		return nil, fmt.Errorf("truncated cas record: %w", fs.ErrorIntegrity)
	}
	e := &Entry{}
	e.Ref.ID.Device = binary.BigEndian.Uint16(in)
	e.Ref.ID.Offset = binary.BigEndian.Uint64(in[2:])
	e.Ref.Size = storage.BlockSize(binary.BigEndian.Uint32(in[10:]))
	e.Refcount = binary.BigEndian.Uint64(in[14:])
	e.Compression = in[22]
	e.Level = int8(in[23])
	in = in[24:]
	if len(in) < 5 {
		return nil, fmt.Errorf("truncated cas record: %w", fs.ErrorIntegrity)
	}
	e.KeyID = binary.BigEndian.Uint32(in)
	nonceLen := int(in[4])
	in = in[5:]
	if len(in) != nonceLen+8 {
		return nil, fmt.Errorf("truncated cas record: %w", fs.ErrorIntegrity)
	}
	if nonceLen > 0 {
		e.Nonce = append([]byte(nil), in[:nonceLen]...)
	}
	in = in[nonceLen:]
	e.OriginalLen = binary.BigEndian.Uint32(in)
	e.StoredLen = binary.BigEndian.Uint32(in[4:])
	if !e.Ref.Size.Valid() {
		return nil, fmt.Errorf("cas record size class %d: %w", e.Ref.Size, fs.ErrorIntegrity)
	}
	return e, nil
}
