package radio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Client-stream framing used by both TCP and serial transports: two magic
// bytes, a big-endian length, then a FromRadio/ToRadio protobuf. Serial
// devices interleave debug text between frames, so the reader scans for
// the magic rather than trusting stream position.
const (
	frameStart1 = 0x94
	frameStart2 = 0xC3

	maxFrameLen = 512
)

func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameLen {
		return nil, fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(payload), maxFrameLen)
	}
	buf := make([]byte, 4+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the payload of the next well-formed frame, discarding any
// noise bytes before it. An oversized length field means we are looking at
// garbage, so scanning resumes at the next byte.
func (fr *frameReader) Next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}

		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			// could be the start byte again, let the loop re-check it
			if b == frameStart1 {
				fr.r.UnreadByte()
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint16(lenBuf[:]))
		if length > maxFrameLen {
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
