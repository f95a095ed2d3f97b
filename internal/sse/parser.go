// Package sse decodes the server-sent-event text framing used by the scan
// engine's task stream. The parser is push-based: bytes arrive in whatever
// chunks the transport delivers and complete frames fall out as they
// terminate, so a frame split across reads is reassembled transparently.
package sse

import (
	"bytes"
	"strings"
)

// Frame is one decoded event. Event and ID are optional per the framing
// rules; Data is the newline-joined concatenation of the frame's data lines.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// Parser accumulates stream bytes and emits frames. A parser carries state
// between Feed calls (the unterminated trailing line and any fields of the
// frame in progress) and therefore serves exactly one connection attempt;
// open a new one per reconnect.
type Parser struct {
	buf   bytes.Buffer
	event string
	id    string
	data  []string
	dirty bool
}

// NewParser returns a parser ready to consume a fresh stream.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk of stream bytes and returns the frames completed by
// it, in order. An empty chunk is a no-op.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buf.Write(chunk)

	var frames []Frame
	for {
		raw := p.buf.Bytes()
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			break
		}
		line := string(raw[:nl])
		p.buf.Next(nl + 1)
		line = strings.TrimSuffix(line, "\r")

		if frame, ok := p.consumeLine(line); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// consumeLine applies one complete line to the frame in progress. It returns
// a frame when the line was the terminating blank line of a non-empty frame.
func (p *Parser) consumeLine(line string) (Frame, bool) {
	if line == "" {
		if !p.dirty {
			return Frame{}, false
		}
		frame := Frame{
			Event: p.event,
			ID:    p.id,
			Data:  strings.Join(p.data, "\n"),
		}
		p.event, p.id, p.data, p.dirty = "", "", nil, false
		return frame, true
	}

	if strings.HasPrefix(line, ":") {
		return Frame{}, false
	}

	field, value := line, ""
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = strings.TrimPrefix(line[idx+1:], " ")
	}

	switch field {
	case "event":
		p.event = value
		p.dirty = true
	case "id":
		p.id = value
		p.dirty = true
	case "data":
		p.data = append(p.data, value)
		p.dirty = true
	}
	// unrecognized fields (including "retry") are ignored
	return Frame{}, false
}
