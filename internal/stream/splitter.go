// ABOUTME: Line splitter that reassembles newline-delimited records across reads.
// ABOUTME: Holds back a trailing partial record until the rest of it arrives.

package stream

import "bytes"

// LineSplitter accumulates raw bytes and yields complete newline-terminated
// records. A record never has to arrive in a single read.
type LineSplitter struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every complete record, in
// order, without the trailing newline. Empty records are skipped. Any
// trailing partial record is retained for the next call.
func (s *LineSplitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(s.buf[:i], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			records = append(records, append([]byte(nil), line...))
		}
		s.buf = s.buf[i+1:]
	}

	// Reclaim the consumed prefix so long streams do not pin old arrays.
	if len(s.buf) == 0 {
		s.buf = nil
	} else if cap(s.buf) > 4*len(s.buf) && cap(s.buf) > 64*1024 {
		s.buf = append([]byte(nil), s.buf...)
	}
	return records
}

// Flush returns the buffered partial record, if any, and resets the splitter.
// Call it once the source is exhausted.
func (s *LineSplitter) Flush() []byte {
	rest := bytes.TrimSpace(s.buf)
	s.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// Buffered returns the number of bytes held for an incomplete record.
func (s *LineSplitter) Buffered() int {
	return len(s.buf)
}
