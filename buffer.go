package serialkit

import "bytes"

// DefaultMaxBufferLength caps a descriptor's accumulation buffer when the
// Session config does not set one. When the cap is exceeded the oldest bytes
// are dropped; the stream keeps flowing and a suffix still anchored at the
// tail survives the truncation.
const DefaultMaxBufferLength = 4096

// incomingBuffer accumulates raw bytes for a single descriptor. Bytes are
// only appended at the tail or truncated from the head; there is no
// reordering. Each registered descriptor owns its own buffer, so descriptors
// never share extraction state and the same bytes may satisfy several of
// them.
type incomingBuffer struct {
	data []byte
	max  int
}

func newIncomingBuffer(max int) *incomingBuffer {
	if max <= 0 {
		max = DefaultMaxBufferLength
	}
	return &incomingBuffer{max: max}
}

// appendChunk adds newly received bytes. The size cap is enforced separately
// by enforceCap, after extraction, so a chunk completing a packet is never
// truncated on arrival.
func (b *incomingBuffer) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.data = append(b.data, chunk...)
}

// enforceCap drops the oldest bytes beyond the buffer's cap and returns how
// many were discarded.
func (b *incomingBuffer) enforceCap() (dropped int) {
	if len(b.data) > b.max {
		dropped = len(b.data) - b.max
		b.trim(dropped)
	}
	return dropped
}

// trim removes the first n bytes, keeping the backing array.
func (b *incomingBuffer) trim(n int) {
	kept := copy(b.data, b.data[n:])
	b.data = b.data[:kept]
}

func (b *incomingBuffer) reset() { b.data = b.data[:0] }

func (b *incomingBuffer) len() int { return len(b.data) }

// extract scans the whole buffer against d and returns every complete packet
// it can carve out, trimming consumed bytes. The scan is stateless: each
// chunk arrival re-evaluates the accumulated bytes from scratch, which
// avoids partial-match bookkeeping at the cost of re-scanning.
func (b *incomingBuffer) extract(d *PacketDescriptor) [][]byte {
	switch {
	case d.re != nil, d.eval != nil:
		// No structural boundary: the match event itself defines the packet
		// extent, so a match consumes the entire buffer.
		if b.len() > 0 && d.Matches(b.data) {
			pkt := bytes.Clone(b.data)
			b.reset()
			return [][]byte{pkt}
		}
		return nil
	case len(d.prefix) > 0 && len(d.suffix) > 0:
		return b.extractDelimited(d.prefix, d.suffix)
	case len(d.prefix) > 0:
		return b.extractPrefixed(d.prefix)
	default:
		return b.extractSuffixed(d.suffix)
	}
}

// extractDelimited carves prefix...suffix packets. Bytes preceding a prefix
// are noise and are discarded with the packet. More than one packet may
// complete in a single chunk, so the search repeats until it stalls.
func (b *incomingBuffer) extractDelimited(prefix, suffix []byte) [][]byte {
	var packets [][]byte
	for {
		p := bytes.Index(b.data, prefix)
		if p < 0 {
			break
		}
		bodyStart := p + len(prefix)
		s := bytes.Index(b.data[bodyStart:], suffix)
		if s < 0 {
			break
		}
		end := bodyStart + s + len(suffix)
		packets = append(packets, bytes.Clone(b.data[p:end]))
		b.trim(end)
	}
	return packets
}

// extractPrefixed carves packets delimited by consecutive prefix
// occurrences: a packet runs from one prefix to just before the next. The
// final packet stays buffered until the following prefix arrives.
func (b *incomingBuffer) extractPrefixed(prefix []byte) [][]byte {
	var packets [][]byte
	for {
		p := bytes.Index(b.data, prefix)
		if p < 0 {
			break
		}
		rest := p + len(prefix)
		next := bytes.Index(b.data[rest:], prefix)
		if next < 0 {
			break
		}
		end := rest + next
		packets = append(packets, bytes.Clone(b.data[p:end]))
		b.trim(end)
	}
	return packets
}

// extractSuffixed carves packets running from the last extraction point
// through each suffix occurrence, inclusive.
func (b *incomingBuffer) extractSuffixed(suffix []byte) [][]byte {
	var packets [][]byte
	for {
		s := bytes.Index(b.data, suffix)
		if s < 0 {
			break
		}
		end := s + len(suffix)
		packets = append(packets, bytes.Clone(b.data[:end]))
		b.trim(end)
	}
	return packets
}
