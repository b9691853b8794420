package container

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// Stdout sentinels. Everything between a START/END pair is one JSON
// frame; everything outside is noise from the agent runtime.
const (
	OutputStartMarker = "---G2_OUTPUT_START---"
	OutputEndMarker   = "---G2_OUTPUT_END---"
)

// OutputFrame is one parsed sentinel-framed JSON object.
type OutputFrame struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// frameParser incrementally extracts frames from the stdout stream. It
// carries unconsumed bytes between Feed calls so a marker split across
// two chunks still parses.
type frameParser struct {
	buf       bytes.Buffer
	lastFrame *OutputFrame
}

// Feed appends a chunk and returns every frame completed by it, in
// order. Malformed JSON between markers is logged and skipped.
func (p *frameParser) Feed(chunk []byte) []OutputFrame {
	p.buf.Write(chunk)

	var frames []OutputFrame
	for {
		data := p.buf.Bytes()
		start := bytes.Index(data, []byte(OutputStartMarker))
		if start < 0 {
			// Keep a marker-length tail in case a sentinel is split
			// across chunks; everything before it is noise.
			p.discardBefore(len(data) - len(OutputStartMarker))
			return frames
		}
		bodyStart := start + len(OutputStartMarker)
		end := bytes.Index(data[bodyStart:], []byte(OutputEndMarker))
		if end < 0 {
			p.discardBefore(start)
			return frames
		}
		// Copy the body: it aliases p.buf's array, which discardBefore
		// rewrites in place before the JSON is parsed.
		body := bytes.TrimSpace(append([]byte(nil), data[bodyStart:bodyStart+end]...))
		p.discardBefore(bodyStart + end + len(OutputEndMarker))

		var frame OutputFrame
		if err := json.Unmarshal(body, &frame); err != nil {
			slog.Warn("malformed container output frame, skipping", "error", err)
			continue
		}
		p.lastFrame = &frame
		frames = append(frames, frame)
	}
}

// LastFrame returns the most recent complete frame, nil if none parsed.
func (p *frameParser) LastFrame() *OutputFrame {
	return p.lastFrame
}

// discardBefore drops everything before offset n from the buffer.
func (p *frameParser) discardBefore(n int) {
	if n <= 0 {
		return
	}
	data := p.buf.Bytes()
	if n > len(data) {
		n = len(data)
	}
	rest := make([]byte, len(data)-n)
	copy(rest, data[n:])
	p.buf.Reset()
	p.buf.Write(rest)
}

// lastNonEmptyLine is the batch-mode fallback when no sentinel pair was
// seen: agents that crash early sometimes print a bare JSON line.
func lastNonEmptyLine(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}
