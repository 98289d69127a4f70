package sse

import (
	"bytes"
	"strings"
)

// dataPrefix marks payload-carrying lines. Everything else on the stream is
// framing noise (comments, event names, keepalives) and is skipped.
const dataPrefix = "data: "

// doneSentinel is the literal terminal payload; it carries no data.
const doneSentinel = "[DONE]"

// Scanner reassembles logical lines from arbitrary byte chunks and yields
// frame payloads. Network reads do not align with line boundaries, so a
// trailing partial line is buffered across Feed calls and re-attached to the
// next chunk.
//
// Scanner is not safe for concurrent use; a stream has one reader.
type Scanner struct {
	rest []byte
	done bool
}

// Feed consumes one chunk and returns the payloads of every complete
// "data: " line it finished. Payloads arrive in wire order. After the
// [DONE] sentinel is seen, remaining input is discarded.
func (s *Scanner) Feed(chunk []byte) [][]byte {
	if s.done {
		return nil
	}

	buf := append(s.rest, chunk...)
	var payloads [][]byte

	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := buf[:nl]
		buf = buf[nl+1:]

		payload, ok := s.scanLine(line)
		if !ok {
			continue
		}
		if s.done {
			break
		}
		payloads = append(payloads, payload)
	}

	// Keep the unterminated remainder for the next read.
	s.rest = append(s.rest[:0], buf...)
	return payloads
}

// Flush processes a trailing line that was never newline-terminated.
// Call once at end of stream; lenient towards upstreams that drop the
// final newline.
func (s *Scanner) Flush() [][]byte {
	if s.done || len(s.rest) == 0 {
		return nil
	}
	line := s.rest
	s.rest = nil

	payload, ok := s.scanLine(line)
	if !ok || s.done {
		return nil
	}
	return [][]byte{payload}
}

// Done reports whether the [DONE] sentinel has been seen.
func (s *Scanner) Done() bool {
	return s.done
}

// scanLine classifies a single logical line. Returns the payload and true
// for data lines; sets s.done on the sentinel.
func (s *Scanner) scanLine(line []byte) ([]byte, bool) {
	text := strings.TrimSuffix(string(line), "\r")
	if !strings.HasPrefix(text, dataPrefix) {
		return nil, false
	}
	payload := text[len(dataPrefix):]
	if strings.TrimSpace(payload) == doneSentinel {
		s.done = true
		return nil, false
	}
	return []byte(payload), true
}
