package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/x402-foundation/paychan/types"
)

// In-band framing for streamed responses whose headers are already on the wire
const (
	NDJSONFrameKey = "__payment_channel__"
	SSEEventName   = "payment"

	ContentTypeSSE    = "text/event-stream"
	ContentTypeNDJSON = "application/x-ndjson"
)

var (
	sseDone        = []byte("data: [DONE]")
	sseEventLine   = []byte("event: " + SSEEventName)
	ndjsonPrefix   = []byte(`{"` + NDJSONFrameKey + `"`)
	sseDataPrefix  = []byte("data:")
	newline        = []byte("\n")
	lineTerminator = "\r\n"
)

// EncodeNDJSONFrame renders resp as one NDJSON line
func EncodeNDJSONFrame(resp *types.ResponsePayload) ([]byte, error) {
	encoded, err := EncodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(map[string]string{NDJSONFrameKey: encoded})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// EncodeSSEFrame renders resp as a named SSE event
func EncodeSSEFrame(resp *types.ResponsePayload) ([]byte, error) {
	encoded, err := EncodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", SSEEventName, encoded)), nil
}

// frameParser classifies complete lines of an SSE or NDJSON stream
type frameParser struct {
	inEvent   bool
	afterData bool
}

// feed returns the payload completed by line, if any, and whether the line is
// part of a payment frame. Frames that fail to decode are consumed and dropped.
func (p *frameParser) feed(line []byte) (*types.ResponsePayload, bool) {
	trimmed := bytes.TrimRight(line, lineTerminator)

	if p.afterData {
		p.afterData = false
		if len(trimmed) == 0 {
			return nil, true
		}
	}

	if p.inEvent {
		p.inEvent = false
		if bytes.HasPrefix(trimmed, sseDataPrefix) {
			p.afterData = true
			resp, _ := DecodeResponseHeader(string(bytes.TrimSpace(trimmed[len(sseDataPrefix):])))
			return resp, true
		}
	}

	if bytes.Equal(trimmed, sseEventLine) {
		p.inEvent = true
		return nil, true
	}

	if bytes.HasPrefix(trimmed, ndjsonPrefix) {
		var frame map[string]string
		if err := json.Unmarshal(trimmed, &frame); err == nil {
			resp, _ := DecodeResponseHeader(frame[NDJSONFrameKey])
			return resp, true
		}
	}
	return nil, false
}

// ScanFrames extracts the payment frames carried by chunk. It never fails:
// undecodable frames are skipped and an incomplete trailing line is ignored.
func ScanFrames(chunk []byte) []*types.ResponsePayload {
	var (
		parser frameParser
		out    []*types.ResponsePayload
	)
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return out
		}
		if resp, _ := parser.feed(chunk[:i+1]); resp != nil {
			out = append(out, resp)
		}
		chunk = chunk[i+1:]
	}
}

// StripFrames returns body without its payment frames
func StripFrames(body []byte) []byte {
	var (
		parser frameParser
		out    bytes.Buffer
	)
	for {
		i := bytes.IndexByte(body, '\n')
		if i < 0 {
			out.Write(body)
			return out.Bytes()
		}
		line := body[:i+1]
		if _, isFrame := parser.feed(line); !isFrame {
			out.Write(line)
		}
		body = body[i+1:]
	}
}

// frameStripper removes payment frames from a streamed body as it is read and
// hands each decoded frame to onFrame
type frameStripper struct {
	src     *bufio.Reader
	closer  io.Closer
	parser  frameParser
	buf     []byte
	err     error
	onFrame func(*types.ResponsePayload)
}

func newFrameStripper(body io.ReadCloser, onFrame func(*types.ResponsePayload)) *frameStripper {
	return &frameStripper{src: bufio.NewReader(body), closer: body, onFrame: onFrame}
}

func (s *frameStripper) Read(p []byte) (int, error) {
	for len(s.buf) == 0 && s.err == nil {
		line, err := s.src.ReadBytes('\n')
		if err != nil {
			s.err = err
		}
		if len(line) == 0 {
			continue
		}
		if bytes.HasSuffix(line, newline) {
			resp, isFrame := s.parser.feed(line)
			if resp != nil && s.onFrame != nil {
				s.onFrame(resp)
			}
			if isFrame {
				continue
			}
		}
		s.buf = append(s.buf, line...)
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	if n == 0 {
		return 0, s.err
	}
	return n, nil
}

func (s *frameStripper) Close() error {
	return s.closer.Close()
}
