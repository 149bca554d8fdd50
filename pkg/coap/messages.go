package coap

import "fmt"

// Name is a symbolic message name. Every message the gateway and a device
// exchange after the handshake maps to exactly one of these, regardless of
// which side sent it.
type Name string

const (
	Hello             Name = "Hello"
	Describe          Name = "Describe"
	UpdateBegin       Name = "UpdateBegin"
	UpdateReady       Name = "UpdateReady"
	UpdateAbort       Name = "UpdateAbort"
	Chunk             Name = "Chunk"
	ChunkReceived     Name = "ChunkReceived"
	ChunkMissed       Name = "ChunkMissed"
	ChunkMissedAck    Name = "ChunkMissedAck"
	UpdateDone        Name = "UpdateDone"
	FunctionCall      Name = "FunctionCall"
	FunctionReturn    Name = "FunctionReturn"
	VariableRequest   Name = "VariableRequest"
	VariableValue     Name = "VariableValue"
	SignalStart       Name = "SignalStart"
	SignalStartReturn Name = "SignalStartReturn"
	Event             Name = "Event"
	Subscribe         Name = "Subscribe"
	KeyChange         Name = "KeyChange"
	PrivateEvent      Name = "PrivateEvent"
	PublicEvent       Name = "PublicEvent"
	GetTime           Name = "GetTime"
	Ping              Name = "Ping"
	SocketPing        Name = "SocketPing"
)

// spec describes how a symbolic name maps onto a CoAP code and, for
// request-shaped messages, a Uri-Path. Response-shaped messages (replies
// correlated by message ID rather than path) are distinguished by code
// alone; each carries a code no other response-shaped name uses, so
// IdentifyMessage below is unambiguous.
type spec struct {
	code     Code
	uriPath  string
	request  bool
}

var table = map[Name]spec{
	Hello:           {code: CodePost, uriPath: "h", request: true},
	Describe:        {code: CodeGet, uriPath: "d", request: true},
	UpdateBegin:     {code: CodePost, uriPath: "u", request: true},
	Chunk:           {code: CodePost, uriPath: "c", request: true},
	ChunkMissed:     {code: CodePost, uriPath: "cm", request: true},
	UpdateDone:      {code: CodePost, uriPath: "ud", request: true},
	FunctionCall:    {code: CodePost, uriPath: "f", request: true},
	VariableRequest: {code: CodeGet, uriPath: "v", request: true},
	SignalStart:     {code: CodePost, uriPath: "s", request: true},
	Event:           {code: CodePost, uriPath: "e", request: true},
	PrivateEvent:    {code: CodePost, uriPath: "e", request: true},
	PublicEvent:     {code: CodePost, uriPath: "e", request: true},
	Subscribe:       {code: CodeGet, uriPath: "e", request: true},
	KeyChange:       {code: CodePut, uriPath: "k", request: true},
	GetTime:         {code: CodeGet, uriPath: "t", request: true},
	Ping:            {code: CodePost, uriPath: "ping", request: true},

	UpdateReady:       {code: CodeContent},
	UpdateAbort:       {code: CodeBadRequest},
	ChunkReceived:     {code: CodeChanged},
	ChunkMissedAck:    {code: CodeValid},
	FunctionReturn:    {code: CodeCreated},
	VariableValue:     {code: CodeDeleted},
	SignalStartReturn: {code: CodeNotFound},
}

var responseByCode = func() map[Code]Name {
	m := make(map[Code]Name)
	for name, s := range table {
		if !s.request {
			m[s.code] = name
		}
	}
	return m
}()

var requestByCodeAndPath = func() map[Code]map[string]Name {
	m := make(map[Code]map[string]Name)
	for name, s := range table {
		if !s.request {
			continue
		}
		if m[s.code] == nil {
			m[s.code] = make(map[string]Name)
		}
		m[s.code][s.uriPath] = name
	}
	return m
}()

// ErrUnknownMessage is returned when a decoded message does not match any
// entry in the symbolic name table.
var ErrUnknownMessage = fmt.Errorf("coap: message does not match a known symbolic name")

// EncodeNamed builds the wire bytes for a symbolic message. SocketPing is a
// special case: deployed firmware sends it as a zero-length frame rather
// than a full CoAP message, so it cannot be produced here — callers must
// special-case it at the frame level.
func EncodeNamed(name Name, messageID uint16, token []byte, payload []byte) ([]byte, error) {
	return EncodeNamedQuery(name, messageID, token, nil, payload)
}

// EncodeNamedQuery is EncodeNamed with additional Uri-Query option values
// appended after the symbolic message's Uri-Path (request-shaped messages
// only; queries are ignored for response-shaped names since a response
// carries no path). Flasher uses this for Chunk's CRC and, in fast OTA,
// chunk-index queries.
func EncodeNamedQuery(name Name, messageID uint16, token []byte, queries [][]byte, payload []byte) ([]byte, error) {
	if name == SocketPing {
		return nil, fmt.Errorf("coap: %s is not a CoAP-framed message", name)
	}
	s, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("coap: unknown message name %q", name)
	}

	m := &Message{
		MessageID: messageID,
		Token:     token,
		Payload:   payload,
	}
	if s.request {
		m.Type = TypeConfirmable
		m.Code = s.code
		m.AddURIPath(s.uriPath)
		for _, q := range queries {
			m.AddURIQuery(q)
		}
	} else {
		m.Type = TypeAcknowledgement
		m.Code = s.code
	}
	return Encode(m)
}

// IdentifyMessage determines the symbolic name of a decoded message, using
// its code and (for request-shaped messages) Uri-Path.
func IdentifyMessage(m *Message) (Name, bool) {
	if m.Type == TypeAcknowledgement || m.Type == TypeReset {
		name, ok := responseByCode[m.Code]
		return name, ok
	}
	byPath, ok := requestByCodeAndPath[m.Code]
	if !ok {
		return "", false
	}
	name, ok := byPath[m.URIPath()]
	return name, ok
}
