// ABOUTME: Newline-delimited JSON codec for jsonrpc2 object streams.
// ABOUTME: Each frame is one JSON document terminated by '\n'; blank lines are skipped.

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
)

// MaxFrameSize bounds a single inbound frame (4MB).
const MaxFrameSize = 4 << 20

// LineCodec implements jsonrpc2.ObjectCodec for line-delimited frames.
type LineCodec struct{}

var _ jsonrpc2.ObjectCodec = LineCodec{}

// DecodeError reports a frame that was read completely but could not be
// decoded. The stream remains aligned on the next frame.
type DecodeError struct {
	Frame string
	// ID is the top-level id recovered from the broken frame, if any.
	ID  json.RawMessage
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// WriteObject encodes obj as one line.
func (LineCodec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stream.Write(data)
	return err
}

// ReadObject reads the next non-blank line and decodes it into v.
func (LineCodec) ReadObject(stream *bufio.Reader, v interface{}) error {
	for {
		line, err := readLine(stream)
		if de, ok := err.(*DecodeError); ok {
			return de
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err != nil {
				return err
			}
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}
		if uerr := json.Unmarshal(trimmed, v); uerr != nil {
			return &DecodeError{Frame: truncate(string(trimmed), 256), ID: recoverID(trimmed), Err: uerr}
		}
		return nil
	}
}

// readLine returns one line, or a DecodeError if it exceeds MaxFrameSize.
// An oversized line is consumed in full so the next read starts on a frame boundary.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if len(buf)+len(chunk) > MaxFrameSize {
			for isPrefix && err == nil {
				_, isPrefix, err = r.ReadLine()
			}
			if err != nil {
				return nil, err
			}
			return nil, &DecodeError{Frame: "(oversized)", Err: fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)}
		}
		buf = append(buf, chunk...)
		if err != nil || !isPrefix {
			return buf, err
		}
	}
}

// recoverID scans a frame that failed to decode for its top-level "id" value.
// It stops at the first syntax error, so an id that follows the broken part
// is not found.
func recoverID(frame []byte) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(frame))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil
		}
		if key == "id" {
			return value
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
