package serialkit

import (
	"bytes"
	"fmt"
	"regexp"
	"unicode/utf8"

	uuid "github.com/satori/go.uuid"
)

// PacketEvaluator reports whether data constitutes a complete packet.
// Implementations may capture arbitrary configuration; they must be pure and
// safe for concurrent calls, since one descriptor is evaluated against many
// buffer states over its lifetime. A panicking evaluator is treated as a
// non-match, never as an error.
type PacketEvaluator func(data []byte) bool

// PacketDescriptor describes a packet format so that a Session can
// "packetize" an incoming byte stream. Bytes from a serial device usually
// arrive a few at a time; rather than hand-writing buffering and boundary
// detection, clients register one or more descriptors and receive complete
// packets through the Session's OnPacket handler.
//
// A descriptor holds exactly one matching rule: a fixed prefix and/or suffix,
// a regular expression, or a custom evaluator. The rule is immutable after
// construction. Descriptors are intended for data a device emits on its own
// schedule; for command/response protocols see Request.
type PacketDescriptor struct {
	id       string
	prefix   []byte
	suffix   []byte
	re       *regexp.Regexp
	eval     PacketEvaluator
	userInfo any
}

// NewPacketDescriptor creates a descriptor matching packets by a fixed prefix
// and/or suffix. Either may be empty, but not both. With only a prefix, a
// packet extends from one prefix occurrence to the next; with only a suffix,
// a packet is everything up to and including the suffix. Well-designed
// protocols usually carry both.
func NewPacketDescriptor(prefix, suffix []byte, userInfo any) (*PacketDescriptor, error) {
	if len(prefix) == 0 && len(suffix) == 0 {
		return nil, fmt.Errorf("packet descriptor: %w", ErrInvalidDescriptor)
	}
	return &PacketDescriptor{
		id:       newUUID(),
		prefix:   bytes.Clone(prefix),
		suffix:   bytes.Clone(suffix),
		userInfo: userInfo,
	}, nil
}

// NewPacketDescriptorString is NewPacketDescriptor for textual protocols.
func NewPacketDescriptorString(prefix, suffix string, userInfo any) (*PacketDescriptor, error) {
	return NewPacketDescriptor([]byte(prefix), []byte(suffix), userInfo)
}

// NewRegexpPacketDescriptor creates a descriptor whose packets are buffer
// contents containing at least one match for re. The buffer is interpreted
// as UTF-8 text; content that is not valid UTF-8 never matches. Keep the
// expression as conservative (smallest match) as possible.
func NewRegexpPacketDescriptor(re *regexp.Regexp, userInfo any) (*PacketDescriptor, error) {
	if re == nil {
		return nil, fmt.Errorf("packet descriptor: %w", ErrNilRegexp)
	}
	return &PacketDescriptor{id: newUUID(), re: re, userInfo: userInfo}, nil
}

// NewEvaluatorPacketDescriptor creates a descriptor delegating packet
// recognition to eval. Use this when the format cannot be expressed as a
// prefix/suffix pair or a regular expression.
func NewEvaluatorPacketDescriptor(eval PacketEvaluator, userInfo any) (*PacketDescriptor, error) {
	if eval == nil {
		return nil, fmt.Errorf("packet descriptor: %w", ErrNilEvaluator)
	}
	return &PacketDescriptor{id: newUUID(), eval: eval, userInfo: userInfo}, nil
}

// Matches reports whether data is a complete packet under the descriptor's
// rule. It is pure and safe for concurrent use.
func (d *PacketDescriptor) Matches(data []byte) bool {
	switch {
	case d.re != nil:
		if !utf8.Valid(data) {
			return false
		}
		return d.re.Match(data)
	case d.eval != nil:
		return safeEval(d.eval, data)
	default:
		if len(data) == 0 {
			return false
		}
		if len(d.prefix) > 0 && len(d.suffix) > 0 {
			return len(data) >= len(d.prefix)+len(d.suffix) &&
				bytes.HasPrefix(data, d.prefix) &&
				bytes.HasSuffix(data, d.suffix)
		}
		if len(d.prefix) > 0 {
			return bytes.HasPrefix(data, d.prefix)
		}
		return bytes.HasSuffix(data, d.suffix)
	}
}

// UUID returns the descriptor's unique identifier, used for deregistration
// and re-registration.
func (d *PacketDescriptor) UUID() string { return d.id }

// UserInfo returns the client-owned value attached at construction. The
// engine never inspects it.
func (d *PacketDescriptor) UserInfo() any { return d.userInfo }

// Prefix returns a copy of the fixed prefix, or nil for descriptors not
// built from a prefix/suffix rule.
func (d *PacketDescriptor) Prefix() []byte { return bytes.Clone(d.prefix) }

// Suffix returns a copy of the fixed suffix, or nil for descriptors not
// built from a prefix/suffix rule.
func (d *PacketDescriptor) Suffix() []byte { return bytes.Clone(d.suffix) }

// Regexp returns the descriptor's regular expression, or nil.
func (d *PacketDescriptor) Regexp() *regexp.Regexp { return d.re }

// safeEval shields the stream processing loop from client evaluators that
// panic: a panic is a non-match for this candidate, nothing more.
func safeEval(eval func([]byte) bool, data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return eval(data)
}

func newUUID() string {
	return uuid.Must(uuid.NewV4()).String()
}
