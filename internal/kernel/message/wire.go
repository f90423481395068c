package message

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Delimiter separates routing identities from the signed message frames.
var Delimiter = []byte("<IDS|MSG>")

var emptyObject = []byte("{}")

// Encode serializes m into wire frames signed with key.
func Encode(m *Message, key []byte) ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	parent := emptyObject
	if m.ParentHeader != nil {
		if parent, err = json.Marshal(m.ParentHeader); err != nil {
			return nil, fmt.Errorf("marshal parent header: %w", err)
		}
	}

	metadata := emptyObject
	if len(m.Metadata) > 0 {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	content := []byte(m.Content)
	if len(content) == 0 {
		content = emptyObject
	}

	frames := make([][]byte, 0, len(m.Identities)+6+len(m.Buffers))
	frames = append(frames, m.Identities...)
	frames = append(frames, Delimiter, sign(key, header, parent, metadata, content))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, m.Buffers...)
	return frames, nil
}

// Decode parses wire frames and verifies their signature against key.
func Decode(frames [][]byte, key []byte) (*Message, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return nil, ErrNoDelimiter
	}

	rest := frames[delim+1:]
	if len(rest) < 5 {
		return nil, fmt.Errorf("%w: got %d after delimiter", ErrShortMessage, len(rest))
	}
	signature, header, parent, metadata, content := rest[0], rest[1], rest[2], rest[3], rest[4]

	if len(key) > 0 {
		want := sign(key, header, parent, metadata, content)
		if !hmac.Equal(bytes.ToLower(signature), want) {
			return nil, ErrBadSignature
		}
	}

	m := &Message{Content: json.RawMessage(append([]byte(nil), content...))}
	if delim > 0 {
		m.Identities = append([][]byte(nil), frames[:delim]...)
	}
	if err := json.Unmarshal(header, &m.Header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}

	var ph Header
	if err := json.Unmarshal(parent, &ph); err != nil {
		return nil, fmt.Errorf("unmarshal parent header: %w", err)
	}
	if ph.ID != "" {
		m.ParentHeader = &ph
	}

	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	if len(rest) > 5 {
		m.Buffers = append([][]byte(nil), rest[5:]...)
	}
	return m, nil
}

// sign returns the hex HMAC-SHA256 of parts, or an empty signature if key is empty.
func sign(key []byte, parts ...[]byte) []byte {
	if len(key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}
