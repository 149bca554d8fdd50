package coap

import "fmt"

// Type is the CoAP message type (RFC 7252 section 3).
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAcknowledgement Type = 2
	TypeReset          Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeConfirmable:
		return "CON"
	case TypeNonConfirmable:
		return "NON"
	case TypeAcknowledgement:
		return "ACK"
	case TypeReset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a CoAP method or response code, encoded as class.detail the same
// way RFC 7252 does: the high 3 bits are the class, the low 5 bits are the
// detail.
type Code uint8

func NewCode(class, detail uint8) Code {
	return Code((class << 5) | (detail & 0x1f))
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request (method) codes sent by a device or by the gateway.
const (
	CodeGet    Code = 1
	CodePost   Code = 2
	CodePut    Code = 3
	CodeDelete Code = 4
)

// Response codes used on ACK-type replies.
var (
	CodeCreated      = NewCode(2, 1)
	CodeDeleted      = NewCode(2, 2)
	CodeValid        = NewCode(2, 3)
	CodeChanged      = NewCode(2, 4)
	CodeContent      = NewCode(2, 5)
	CodeBadRequest   = NewCode(4, 0)
	CodeNotFound     = NewCode(4, 4)
	CodeInternalError = NewCode(5, 0)
)

// OptionNumber identifies a CoAP option. Only the handful actually used on
// the wire between a device and the gateway are named here.
type OptionNumber uint16

const (
	OptionURIPath  OptionNumber = 11
	OptionURIQuery OptionNumber = 15
)

// Option is a single CoAP option as it appears on the wire.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Message is a decoded CoAP message. The payload marker (0xFF) is implicit:
// Payload is nil when no payload was present on the wire.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// URIPath reconstructs the request path from any Uri-Path options, joined
// by "/". Returns "" if there are none.
func (m *Message) URIPath() string {
	path := ""
	for _, opt := range m.Options {
		if opt.Number != OptionURIPath {
			continue
		}
		if path != "" {
			path += "/"
		}
		path += string(opt.Value)
	}
	return path
}

// AddURIPath appends a Uri-Path option for each "/"-delimited segment.
func (m *Message) AddURIPath(path string) {
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				m.Options = append(m.Options, Option{Number: OptionURIPath, Value: []byte(path[start:i])})
			}
			start = i + 1
		}
	}
}

// AddURIQuery appends a single Uri-Query option carrying value verbatim.
// Repeatable: Chunk messages carry one query for the CRC and, in fast
// OTA, a second for the chunk index.
func (m *Message) AddURIQuery(value []byte) {
	m.Options = append(m.Options, Option{Number: OptionURIQuery, Value: value})
}

// URIQueries returns the raw values of every Uri-Query option, in
// wire order.
func (m *Message) URIQueries() [][]byte {
	var queries [][]byte
	for _, opt := range m.Options {
		if opt.Number == OptionURIQuery {
			queries = append(queries, opt.Value)
		}
	}
	return queries
}
