// Package toolserver exposes the session-mesh operations surface to
// cooperating AI agents over a local Unix socket. Calls are framed as
// length-prefixed JSON and every response is a dispatch envelope.
package toolserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single call or reply frame.
const MaxFrameSize = 8 << 20

// Request is one tool call.
type Request struct {
	Tool string `json:"tool"`
	// CallerSessionID identifies the calling agent's own session; its
	// human_role gates tool visibility.
	CallerSessionID string            `json:"caller_session_id,omitempty"`
	Args            map[string]string `json:"args,omitempty"`
	// Blob carries file payloads for send_file, base64 handled by
	// encoding/json.
	Blob []byte `json:"blob,omitempty"`
}

// ReadFrame reads one length-prefixed JSON frame.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > MaxFrameSize {
		return fmt.Errorf("toolserver: frame of %d bytes exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("toolserver: read frame: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("toolserver: decode frame: %w", err)
	}
	return nil
}

// WriteFrame writes one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("toolserver: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("toolserver: frame of %d bytes exceeds limit", len(body))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("toolserver: write frame: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("toolserver: write frame: %w", err)
	}
	return nil
}
