// Package wire implements the netchat message codec.
//
// Messages are UTF-8 JSON objects carrying a discriminant field ("type").
// The on-wire tags are inherited from the legacy protocol: membership and
// chat messages use string tags, file transfer messages use the integer
// tags 4 (chunk) and 5 (ack). Inside the process the two schemes are
// unified behind a single Kind enumeration.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one of the five message variants.
type Kind int

const (
	KindHello Kind = iota + 1
	KindHelloAck
	KindChat
	KindFileChunk
	KindFileAck
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "helloack"
	case KindChat:
		return "chat"
	case KindFileChunk:
		return "filechunk"
	case KindFileAck:
		return "fileack"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// On-wire discriminants.
const (
	tagHello    = "hello"
	tagHelloAck = "aleykumselam"
	tagChat     = "message"

	tagFileChunk = 4
	tagFileAck   = 5
)

// Message is the closed union of everything that travels between peers.
type Message interface {
	Kind() Kind
}

// Hello is the discovery beacon. ID is the sender's instance ID, used to
// ignore our own broadcasts; peers that predate the field leave it empty.
type Hello struct {
	Name string
	ID   string
}

// HelloAck answers a Hello over the stream channel.
type HelloAck struct {
	Name string
	ID   string
}

// Chat is a one-shot text message.
type Chat struct {
	Text string
}

// FileChunk carries one slice of a file transfer. Seq 0 is the control
// chunk: Payload is empty and Count holds the total chunk count. For
// Seq > 0, Payload holds the chunk bytes and Count is zero.
type FileChunk struct {
	FileID  string
	Seq     int
	Payload []byte
	Count   int
}

// FileAck acknowledges one chunk and advertises the receiver's remaining
// window.
type FileAck struct {
	FileID string
	Seq    int
	Credit int
}

func (Hello) Kind() Kind     { return KindHello }
func (HelloAck) Kind() Kind  { return KindHelloAck }
func (Chat) Kind() Kind      { return KindChat }
func (FileChunk) Kind() Kind { return KindFileChunk }
func (FileAck) Kind() Kind   { return KindFileAck }

// MalformedError reports a datagram or stream payload that could not be
// decoded. Callers log it and drop the message; it must never take a
// listener down.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// envelope is the superset of fields across all variants.
type envelope struct {
	Type    json.RawMessage `json:"type"`
	MyName  *string         `json:"myname,omitempty"`
	ID      string          `json:"id,omitempty"`
	Content *string         `json:"content,omitempty"`
	Name    *string         `json:"name,omitempty"`
	Seq     *int            `json:"seq,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Rwnd    *int            `json:"rwnd,omitempty"`
}

// Encode serializes m to its wire form.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case Hello:
		env.Type = jsonString(tagHello)
		env.MyName = &v.Name
		env.ID = v.ID
	case HelloAck:
		env.Type = jsonString(tagHelloAck)
		env.MyName = &v.Name
		env.ID = v.ID
	case Chat:
		env.Type = jsonString(tagChat)
		env.Content = &v.Text
	case FileChunk:
		env.Type = jsonInt(tagFileChunk)
		env.Name = &v.FileID
		seq := v.Seq
		env.Seq = &seq
		var body []byte
		var err error
		if v.Seq == 0 {
			body, err = json.Marshal(v.Count)
		} else {
			body, err = json.Marshal(v.Payload)
		}
		if err != nil {
			return nil, err
		}
		env.Body = body
	case FileAck:
		env.Type = jsonInt(tagFileAck)
		env.Name = &v.FileID
		seq := v.Seq
		env.Seq = &seq
		rwnd := v.Credit
		env.Rwnd = &rwnd
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", m)
	}
	return json.Marshal(env)
}

// Decode parses a wire payload into one of the five variants. Any failure
// is reported as a *MalformedError.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if len(env.Type) == 0 {
		return nil, malformed("missing type")
	}

	var stringTag string
	if err := json.Unmarshal(env.Type, &stringTag); err == nil {
		switch stringTag {
		case tagHello:
			if env.MyName == nil {
				return nil, malformed("hello without myname")
			}
			return Hello{Name: *env.MyName, ID: env.ID}, nil
		case tagHelloAck:
			if env.MyName == nil {
				return nil, malformed("%s without myname", tagHelloAck)
			}
			return HelloAck{Name: *env.MyName, ID: env.ID}, nil
		case tagChat:
			if env.Content == nil {
				return nil, malformed("chat without content")
			}
			return Chat{Text: *env.Content}, nil
		}
		return nil, malformed("unknown type %q", stringTag)
	}

	var intTag int
	if err := json.Unmarshal(env.Type, &intTag); err != nil {
		return nil, malformed("unrecognized type %s", env.Type)
	}
	switch intTag {
	case tagFileChunk:
		if env.Name == nil || env.Seq == nil || len(env.Body) == 0 {
			return nil, malformed("file chunk missing name, seq or body")
		}
		chunk := FileChunk{FileID: *env.Name, Seq: *env.Seq}
		if chunk.Seq == 0 {
			if err := json.Unmarshal(env.Body, &chunk.Count); err != nil {
				return nil, malformed("control chunk body is not a count: %v", err)
			}
		} else if err := json.Unmarshal(env.Body, &chunk.Payload); err != nil {
			return nil, malformed("chunk body is not bytes: %v", err)
		}
		return chunk, nil
	case tagFileAck:
		if env.Name == nil || env.Seq == nil || env.Rwnd == nil {
			return nil, malformed("file ack missing name, seq or rwnd")
		}
		return FileAck{FileID: *env.Name, Seq: *env.Seq, Credit: *env.Rwnd}, nil
	}
	return nil, malformed("unknown type %d", intTag)
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func jsonInt(i int) json.RawMessage {
	b, _ := json.Marshal(i)
	return b
}
