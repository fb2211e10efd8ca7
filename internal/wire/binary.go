package wire

import (
	"encoding/binary"
	"fmt"

	"chatcore/internal/model"
)

// Binary inline file chunk format: header byte +
// shared-message-id (16 bytes) + chunkNo (1 byte inline, 4-byte
// big-endian non-inline) + chunkBody, with a distinguished
// FileChunkCancel single-byte form.
const (
	headerFileChunk       byte = 'F'
	headerFileChunkCancel byte = 'C'
)

// Chunk is a decoded inline file chunk.
type Chunk struct {
	SharedMsgID model.SharedMsgID
	ChunkNo     uint32
	Inline      bool // chunkNo is 1 byte on the wire when true, 4 bytes when false
	Body        []byte
	Cancel      bool
}

// EncodeChunk serializes a Chunk to its binary wire form.
func EncodeChunk(c Chunk) ([]byte, error) {
	if c.Cancel {
		return []byte{headerFileChunkCancel}, nil
	}
	if c.Inline && c.ChunkNo > 0xFF {
		return nil, fmt.Errorf("inline chunk number %d exceeds one byte", c.ChunkNo)
	}

	size := 1 + 16 // header + sharedMsgId
	if c.Inline {
		size += 1
	} else {
		size += 4
	}
	out := make([]byte, 0, size+len(c.Body))

	out = append(out, headerFileChunk)
	out = append(out, c.SharedMsgID[:]...)
	if c.Inline {
		out = append(out, byte(c.ChunkNo))
	} else {
		var numBuf [4]byte
		binary.BigEndian.PutUint32(numBuf[:], c.ChunkNo)
		out = append(out, numBuf[:]...)
	}
	out = append(out, c.Body...)
	return out, nil
}

// DecodeChunk parses the binary wire form back into a Chunk. inline
// tells the decoder which chunkNo width to expect — the codec cannot
// infer it from the bytes alone; the inline/non-inline distinction is
// a boolean carried alongside the body, not expressed in the encoding
// itself.
func DecodeChunk(data []byte, inline bool) (Chunk, error) {
	if len(data) == 0 {
		return Chunk{}, fmt.Errorf("decode chunk: empty input")
	}
	switch data[0] {
	case headerFileChunkCancel:
		return Chunk{Cancel: true}, nil
	case headerFileChunk:
		// fall through
	default:
		return Chunk{}, fmt.Errorf("decode chunk: unrecognized header byte 0x%02x", data[0])
	}

	numWidth := 4
	if inline {
		numWidth = 1
	}
	minLen := 1 + 16 + numWidth
	if len(data) < minLen {
		return Chunk{}, fmt.Errorf("decode chunk: truncated (need %d bytes, got %d)", minLen, len(data))
	}

	var msgID model.SharedMsgID
	copy(msgID[:], data[1:17])

	var chunkNo uint32
	if inline {
		chunkNo = uint32(data[17])
	} else {
		chunkNo = binary.BigEndian.Uint32(data[17:21])
	}

	body := append([]byte(nil), data[minLen:]...)
	return Chunk{SharedMsgID: msgID, ChunkNo: chunkNo, Inline: inline, Body: body}, nil
}

// IsBinaryBody reports whether a wire body is the binary chunk
// encoding rather than JSON, per the first-byte dispatch rule: '{'
// means JSON, anything else is the single-char-tagged binary form.
func IsBinaryBody(body []byte) bool {
	return len(body) == 0 || body[0] != '{'
}
