package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"streamrelay/domain/event"
)

// frame is one blank-line terminated block of field lines.
type frame struct {
	id      string
	idSet   bool
	typ     string
	data    []byte
	hasData bool

	retry time.Duration

	// malformed is set when the frame must be skipped.
	malformed error
}

// isEvent reports whether the frame dispatches an event.
func (f *frame) isEvent() bool {
	return f.malformed == nil && f.hasData
}

// frameReader splits an SSE byte stream into frames. The last event id
// carries over to frames that do not set one.
type frameReader struct {
	sc     *bufio.Scanner
	first  bool
	max    int
	lastID string

	// skipping is set while the rest of an oversized line is discarded;
	// oversized marks the token that ends it.
	skipping  bool
	oversized bool
}

func newFrameReader(r io.Reader, maxLine int) *frameReader {
	fr := &frameReader{first: true, max: maxLine}
	fr.sc = bufio.NewScanner(r)
	fr.sc.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	fr.sc.Split(fr.split)
	return fr
}

// next returns the next complete frame. It returns io.EOF when the source
// ended the stream cleanly and an error wrapping event.ErrConnectionLost
// on a transport failure. A frame cut off by either is discarded. A line
// of MaxLineBytes or more makes its frame malformed.
func (r *frameReader) next() (frame, error) {
	var (
		f      frame
		fields int
		data   bytes.Buffer
	)

	for r.sc.Scan() {
		line := r.sc.Bytes()
		if r.oversized {
			r.oversized, r.first = false, false
			fields++
			if f.malformed == nil {
				f.malformed = fmt.Errorf("line exceeds %d bytes", r.max)
			}
			continue
		}
		if r.first {
			line = bytes.TrimPrefix(line, []byte("\xEF\xBB\xBF"))
			r.first = false
		}

		if len(line) == 0 {
			if fields == 0 {
				continue
			}
			if f.malformed != nil {
				return f, nil
			}
			if f.idSet {
				r.lastID = f.id
			}
			f.id = r.lastID
			if f.hasData {
				f.data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			}
			return f, nil
		}

		if line[0] == ':' {
			continue
		}
		fields++

		if f.malformed != nil {
			continue
		}
		if !utf8.Valid(line) {
			f.malformed = errors.New("invalid utf-8")
			continue
		}

		name, value := splitField(line)
		switch name {
		case "data":
			f.hasData = true
			data.Write(value)
			data.WriteByte('\n')
		case "event":
			f.typ = string(value)
		case "id":
			if bytes.IndexByte(value, 0) >= 0 {
				f.malformed = errors.New("id contains NUL")
				continue
			}
			f.id, f.idSet = string(value), true
		case "retry":
			ms, err := strconv.ParseUint(string(value), 10, 32)
			if err != nil {
				f.malformed = fmt.Errorf("bad retry %q", value)
				continue
			}
			f.retry = time.Duration(ms) * time.Millisecond
		}
	}

	if err := r.sc.Err(); err != nil {
		return frame{}, fmt.Errorf("%w: %v", event.ErrConnectionLost, err)
	}
	return frame{}, io.EOF
}

// splitField splits "name: value", dropping one leading space of value.
func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// split is scanLines bounded by max. A line that fills the buffer is
// dropped up to its terminator, which is then returned as an empty token
// with r.oversized set.
func (r *frameReader) split(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := scanLines(data, atEOF)
	if token != nil {
		if r.skipping {
			r.skipping, r.oversized = false, true
			return advance, token[:0], err
		}
		return advance, token, err
	}
	if len(data) < r.max {
		return 0, nil, nil
	}

	r.skipping = true
	keep := 0
	if data[len(data)-1] == '\r' {
		keep = 1
	}
	return len(data) - keep, nil, nil
}

// scanLines is bufio.ScanLines for SSE: lines end in CRLF, LF or a lone CR.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// CR at the end of the buffer: wait to see whether LF follows.
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
