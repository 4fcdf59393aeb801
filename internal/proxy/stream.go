package proxy

import (
	"bufio"
	"bytes"
	"io"
)

// maxSSELineBytes bounds a single event line. Upstream deltas are small;
// 1 MiB leaves ample headroom for tool-call payloads.
const maxSSELineBytes = 1 << 20

// StreamResult summarizes a relayed event stream.
type StreamResult struct {
	Usage   Usage
	Bytes   int64
	SawDone bool
}

// CopySSE relays a server-sent event stream line by line, flushing at every
// event boundary so the client sees chunks as they arrive. Each line is
// handed to onChunk before forwarding; token usage is accumulated from data
// events along the way. The copy ends at EOF or after the [DONE] sentinel.
func CopySSE(dst io.Writer, src io.Reader, flush func(), onChunk func([]byte)) (StreamResult, error) {
	var result StreamResult

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if onChunk != nil && len(line) > 0 {
			onChunk(line)
		}

		n, err := dst.Write(line)
		result.Bytes += int64(n)
		if err != nil {
			return result, err
		}
		if _, err := dst.Write([]byte("\n")); err != nil {
			return result, err
		}
		result.Bytes++

		trimmed := bytes.TrimSpace(line)
		if bytes.HasPrefix(trimmed, sseDataPrefix) {
			payload := bytes.TrimSpace(trimmed[len(sseDataPrefix):])
			if bytes.Equal(payload, []byte("[DONE]")) {
				result.SawDone = true
				if flush != nil {
					flush()
				}
				return result, nil
			}
			result.Usage.merge(parseSSEEvent(payload))
		}

		// Blank line terminates an event.
		if len(trimmed) == 0 && flush != nil {
			flush()
		}
	}
	if flush != nil {
		flush()
	}
	return result, scanner.Err()
}
