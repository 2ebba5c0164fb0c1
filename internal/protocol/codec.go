package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single line. Host output is chunked well below this.
const maxFrameBytes = 4 * 1024 * 1024

// ErrMalformed marks a line that could not be turned into a valid frame.
// The stream stays usable after it.
var ErrMalformed = errors.New("malformed frame")

// Validate checks the invariants every frame must satisfy.
func Validate(f Frame) error {
	if f.Type == "" {
		return fmt.Errorf("frame missing required field: type")
	}
	if !knownTypes[f.Type] {
		return fmt.Errorf("unknown frame type: %q", f.Type)
	}
	if needsID[f.Type] && f.ID == "" {
		return fmt.Errorf("%s frame missing required field: id", f.Type)
	}
	if f.Type == TypeError && f.Error == "" {
		return fmt.Errorf("error frame has no error message")
	}
	return nil
}

// Encoder writes frames as JSON lines. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates f and writes it followed by a newline.
func (e *Encoder) Encode(f Frame) error {
	if err := Validate(f); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(f); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// Decoder reads JSON-line frames.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	return &Decoder{sc: sc}
}

// Decode returns the next frame. Blank lines are skipped. It returns io.EOF
// once the stream ends cleanly.
func (d *Decoder) Decode() (Frame, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := Validate(f); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return f, nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, fmt.Errorf("frame exceeds %d bytes: %w", maxFrameBytes, err)
		}
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
