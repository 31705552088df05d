package chunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	json "github.com/goccy/go-json"
)

// Framing selects how chunks are delimited on a byte stream.
type Framing int

const (
	// NDJSON writes one JSON object per line.
	NDJSON Framing = iota
	// LengthDelimited prefixes every JSON object with its length as a
	// 4 byte big endian integer.
	LengthDelimited
)

// MaxFrameSize bounds a single length-delimited frame.
const MaxFrameSize = 16 << 20

// ParseFraming maps the transport name of a framing to its value.
func ParseFraming(name string) (Framing, error) {
	switch name {
	case "", "ndjson":
		return NDJSON, nil
	case "length":
		return LengthDelimited, nil
	default:
		return NDJSON, fmt.Errorf("unknown framing %q", name)
	}
}

func (f Framing) ContentType() string {
	if f == LengthDelimited {
		return "application/octet-stream"
	}
	return "application/x-ndjson"
}

func (f Framing) String() string {
	if f == LengthDelimited {
		return "length"
	}
	return "ndjson"
}

type Encoder struct {
	w       io.Writer
	framing Framing
}

func NewEncoder(w io.Writer, framing Framing) *Encoder {
	return &Encoder{w: w, framing: framing}
}

// Encode writes one framed chunk.
func (e *Encoder) Encode(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", c, err)
	}

	switch e.framing {
	case LengthDelimited:
		if len(data) > MaxFrameSize {
			return fmt.Errorf("frame of %d bytes for %s exceeds limit", len(data), c)
		}
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(data)))
		if _, err := e.w.Write(header[:]); err != nil {
			return err
		}
		_, err = e.w.Write(data)
		return err
	default:
		data = append(data, '\n')
		_, err = e.w.Write(data)
		return err
	}
}

type Decoder struct {
	r       *bufio.Reader
	framing Framing
}

func NewDecoder(r io.Reader, framing Framing) *Decoder {
	return &Decoder{r: bufio.NewReader(r), framing: framing}
}

// Decode reads the next chunk. It returns io.EOF once the input is exhausted
// on a frame boundary.
func (d *Decoder) Decode() (Chunk, error) {
	frame, err := d.next()
	if err != nil {
		return Chunk{}, err
	}
	var c Chunk
	if err := json.Unmarshal(frame, &c); err != nil {
		return Chunk{}, fmt.Errorf("failed to decode chunk: %w", err)
	}
	return c, nil
}

func (d *Decoder) next() ([]byte, error) {
	if d.framing == LengthDelimited {
		var header [4]byte
		if _, err := io.ReadFull(d.r, header[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("truncated frame header: %w", err)
			}
			return nil, err
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > MaxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(d.r, frame); err != nil {
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		return frame, nil
	}

	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// All yields decoded chunks until the input ends. A decode failure is
// yielded once and ends the sequence.
func (d *Decoder) All() iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			c, err := d.Decode()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}
