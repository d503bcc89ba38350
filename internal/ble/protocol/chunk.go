// Package protocol splits GATT write payloads into packets that fit the
// negotiated ATT MTU.
package protocol

import "unicode/utf8"

// WriteHeaderBytes is the ATT header carried by every write request:
// 1 byte opcode plus a 2 byte attribute handle.
const WriteHeaderBytes = 3

// MinMTU is the ATT MTU every link supports before negotiation.
const MinMTU = 23

// PayloadSize returns the usable bytes per write for an ATT MTU. MTUs
// below the protocol minimum are treated as the minimum.
func PayloadSize(mtu int) int {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	return mtu - WriteHeaderBytes
}

// ChunkBytes splits data into consecutive packets of at most maxBytes.
// Returns nil for empty data or a non-positive limit.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > maxBytes {
		chunks = append(chunks, data[:maxBytes:maxBytes])
		data = data[maxBytes:]
	}
	return append(chunks, data)
}

// ChunkText splits text into chunks that each fit within maxBytes.
// It prefers splitting after a space and never splits inside a UTF-8
// sequence; a single rune wider than maxBytes becomes its own chunk.
// Returns nil for empty text or a non-positive limit.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}

	var chunks []string
	for len(text) > maxBytes {
		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			// The first rune alone exceeds maxBytes.
			_, size := utf8.DecodeRuneInString(text)
			split = size
		} else {
			for i := split; i > 0; i-- {
				if text[i-1] == ' ' {
					split = i
					break
				}
			}
		}
		chunks = append(chunks, text[:split])
		text = text[split:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
