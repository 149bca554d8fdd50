package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Wire-level errors.
var (
	ErrShortMessage   = errors.New("coap: message shorter than fixed header")
	ErrBadVersion     = errors.New("coap: unsupported version")
	ErrTokenTooLong   = errors.New("coap: token length exceeds wire maximum")
	ErrTruncatedOption = errors.New("coap: truncated option")
	ErrBadOptionLength = errors.New("coap: option length encoding not supported")
)

const (
	version     = 1
	payloadMark = 0xFF
	maxTokenLen = 8
)

// Encode serializes m into the fixed 4-byte-header wire format used by
// device firmware: version/type/token-length, code, message ID, token,
// options (sorted and delta-encoded per RFC 7252), then an optional 0xFF
// payload marker and payload.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > maxTokenLen {
		return nil, ErrTokenTooLong
	}

	buf := make([]byte, 0, 4+len(m.Token)+len(m.Payload)+16)

	header := byte(version<<6) | byte(uint8(m.Type)<<4) | byte(len(m.Token)&0x0f)
	buf = append(buf, header, byte(m.Code))
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	opts := make([]Option, len(m.Options))
	copy(opts, m.Options)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	prev := uint16(0)
	for _, opt := range opts {
		delta := uint16(opt.Number) - prev
		prev = uint16(opt.Number)
		length := len(opt.Value)

		deltaNibble, deltaExt, deltaExtLen := encodeOptionField(delta)
		lengthNibble, lengthExt, lengthExtLen := encodeOptionField(uint16(length))

		buf = append(buf, byte(deltaNibble<<4)|byte(lengthNibble))
		buf = append(buf, deltaExt[:deltaExtLen]...)
		buf = append(buf, lengthExt[:lengthExtLen]...)
		buf = append(buf, opt.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMark)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// encodeOptionField returns the 4-bit nibble value (0-12, 13, or 14) to
// place in the option header plus any extended bytes that must follow it,
// per the RFC 7252 option delta/length encoding.
func encodeOptionField(v uint16) (nibble uint8, ext [2]byte, extLen int) {
	switch {
	case v < 13:
		return uint8(v), ext, 0
	case v < 13+256:
		ext[0] = byte(v - 13)
		return 13, ext, 1
	default:
		binary.BigEndian.PutUint16(ext[:], v-269)
		return 14, ext, 2
	}
}

// Decode parses a wire-format CoAP message.
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, ErrShortMessage
	}
	if (data[0] >> 6) != version {
		return nil, ErrBadVersion
	}

	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	tokenLen := int(data[0] & 0x0f)
	if tokenLen > maxTokenLen {
		return nil, ErrTokenTooLong
	}

	pos := 4
	if pos+tokenLen > len(data) {
		return nil, ErrShortMessage
	}
	if tokenLen > 0 {
		m.Token = append([]byte(nil), data[pos:pos+tokenLen]...)
	}
	pos += tokenLen

	optNum := uint16(0)
	for pos < len(data) {
		if data[pos] == payloadMark {
			pos++
			m.Payload = append([]byte(nil), data[pos:]...)
			return m, nil
		}

		deltaNibble := data[pos] >> 4
		lengthNibble := data[pos] & 0x0f
		pos++

		delta, n, err := decodeOptionField(deltaNibble, data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		length, n, err := decodeOptionField(lengthNibble, data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		if pos+int(length) > len(data) {
			return nil, ErrTruncatedOption
		}

		optNum += delta
		value := append([]byte(nil), data[pos:pos+int(length)]...)
		m.Options = append(m.Options, Option{Number: OptionNumber(optNum), Value: value})
		pos += int(length)
	}
	return m, nil
}

func decodeOptionField(nibble uint8, rest []byte) (value uint16, consumed int, err error) {
	switch {
	case nibble < 13:
		return uint16(nibble), 0, nil
	case nibble == 13:
		if len(rest) < 1 {
			return 0, 0, ErrTruncatedOption
		}
		return uint16(rest[0]) + 13, 1, nil
	case nibble == 14:
		if len(rest) < 2 {
			return 0, 0, ErrTruncatedOption
		}
		return binary.BigEndian.Uint16(rest[:2]) + 269, 2, nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved nibble 15", ErrBadOptionLength)
	}
}
