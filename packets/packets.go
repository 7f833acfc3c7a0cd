// Package packets implements the small slice of the MQTT v3.1.1 wire format
// the connection core needs: the session handshake (CONNECT/CONNACK), the
// keep-alive pair (PINGREQ/PINGRESP) and the clean shutdown (DISCONNECT).
// Everything else decodes as a Raw packet for layers above to route.
package packets

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

type Type byte

const (
	TypeConnect     Type = 1
	TypeConnack     Type = 2
	TypePublish     Type = 3
	TypePuback      Type = 4
	TypePubrec      Type = 5
	TypePubrel      Type = 6
	TypePubcomp     Type = 7
	TypeSubscribe   Type = 8
	TypeSuback      Type = 9
	TypeUnsubscribe Type = 10
	TypeUnsuback    Type = 11
	TypePingreq     Type = 12
	TypePingresp    Type = 13
	TypeDisconnect  Type = 14
)

var typeNames = map[Type]string{
	TypeConnect:     "CONNECT",
	TypeConnack:     "CONNACK",
	TypePublish:     "PUBLISH",
	TypePuback:      "PUBACK",
	TypePubrec:      "PUBREC",
	TypePubrel:      "PUBREL",
	TypePubcomp:     "PUBCOMP",
	TypeSubscribe:   "SUBSCRIBE",
	TypeSuback:      "SUBACK",
	TypeUnsubscribe: "UNSUBSCRIBE",
	TypeUnsuback:    "UNSUBACK",
	TypePingreq:     "PINGREQ",
	TypePingresp:    "PINGRESP",
	TypeDisconnect:  "DISCONNECT",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("RESERVED(%d)", byte(t))
}

// Packet is a single MQTT control packet.
type Packet interface {
	Type() Type
	WriteTo(w io.Writer) (int64, error)
	String() string
}

var (
	ErrMalformedPacket = errors.New("packets: malformed packet")
	ErrRemainingLength = errors.New("packets: remaining length exceeds 4 bytes")
	ErrUnknownProtocol = errors.New("packets: unexpected protocol name")
)

const (
	protocolName  = "MQTT"
	protocolLevel = 4
)

func writeHeader(w io.Writer, t Type, flags byte, remaining int) (int64, error) {
	buf := []byte{byte(t)<<4 | flags}
	for {
		b := byte(remaining % 128)
		remaining /= 128
		if remaining > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if remaining == 0 {
			break
		}
	}
	n, err := w.Write(buf)
	return int64(n), err
}

func readRemainingLength(r io.Reader) (int, error) {
	var value, shift int
	b := make([]byte, 1)
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		value |= int(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, ErrRemainingLength
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func render(p Packet) string {
	b, _ := json.Marshal(p)
	return fmt.Sprintf("%s %s", p.Type(), b)
}

// Connect is the client half of the session handshake.
type Connect struct {
	ClientID         string
	Username         string
	Password         string
	CleanSession     bool
	KeepAliveSeconds uint16
}

func (p *Connect) Type() Type { return TypeConnect }

func (p *Connect) flags() byte {
	var f byte
	if p.CleanSession {
		f |= 0x02
	}
	if p.Username != "" {
		f |= 0x80
	}
	if p.Password != "" {
		f |= 0x40
	}
	return f
}

func (p *Connect) WriteTo(w io.Writer) (int64, error) {
	var body bytes.Buffer
	if err := writeString(&body, protocolName); err != nil {
		return 0, err
	}
	body.WriteByte(protocolLevel)
	body.WriteByte(p.flags())
	binary.Write(&body, binary.BigEndian, p.KeepAliveSeconds)
	if err := writeString(&body, p.ClientID); err != nil {
		return 0, err
	}
	if p.Username != "" {
		if err := writeString(&body, p.Username); err != nil {
			return 0, err
		}
	}
	if p.Password != "" {
		if err := writeString(&body, p.Password); err != nil {
			return 0, err
		}
	}
	hn, err := writeHeader(w, TypeConnect, 0, body.Len())
	if err != nil {
		return hn, err
	}
	bn, err := body.WriteTo(w)
	return hn + bn, err
}

func (p *Connect) String() string { return render(p) }

func decodeConnect(r io.Reader) (*Connect, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	if name != protocolName {
		return nil, ErrUnknownProtocol
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	flags := hdr[1]
	p := &Connect{CleanSession: flags&0x02 != 0}
	if err := binary.Read(r, binary.BigEndian, &p.KeepAliveSeconds); err != nil {
		return nil, err
	}
	if p.ClientID, err = readString(r); err != nil {
		return nil, err
	}
	if flags&0x80 != 0 {
		if p.Username, err = readString(r); err != nil {
			return nil, err
		}
	}
	if flags&0x40 != 0 {
		if p.Password, err = readString(r); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Connack is the broker's answer to Connect. ReturnCode zero means accepted.
type Connack struct {
	SessionPresent bool
	ReturnCode     uint8
}

func (p *Connack) Type() Type { return TypeConnack }

func (p *Connack) WriteTo(w io.Writer) (int64, error) {
	hn, err := writeHeader(w, TypeConnack, 0, 2)
	if err != nil {
		return hn, err
	}
	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	n, err := w.Write([]byte{ack, p.ReturnCode})
	return hn + int64(n), err
}

func (p *Connack) String() string { return render(p) }

func decodeConnack(r io.Reader) (*Connack, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return &Connack{SessionPresent: b[0]&0x01 != 0, ReturnCode: b[1]}, nil
}

// Pingreq carries no body.
type Pingreq struct{}

func (p *Pingreq) Type() Type { return TypePingreq }

func (p *Pingreq) WriteTo(w io.Writer) (int64, error) {
	return writeHeader(w, TypePingreq, 0, 0)
}

func (p *Pingreq) String() string { return render(p) }

// Pingresp carries no body.
type Pingresp struct{}

func (p *Pingresp) Type() Type { return TypePingresp }

func (p *Pingresp) WriteTo(w io.Writer) (int64, error) {
	return writeHeader(w, TypePingresp, 0, 0)
}

func (p *Pingresp) String() string { return render(p) }

// Disconnect carries no body.
type Disconnect struct{}

func (p *Disconnect) Type() Type { return TypeDisconnect }

func (p *Disconnect) WriteTo(w io.Writer) (int64, error) {
	return writeHeader(w, TypeDisconnect, 0, 0)
}

func (p *Disconnect) String() string { return render(p) }

// Raw holds a packet kind this package does not decode. The body is the
// remaining bytes after the fixed header, untouched.
type Raw struct {
	T     Type
	Flags byte
	Body  []byte
}

func (p *Raw) Type() Type { return p.T }

func (p *Raw) WriteTo(w io.Writer) (int64, error) {
	hn, err := writeHeader(w, p.T, p.Flags, len(p.Body))
	if err != nil {
		return hn, err
	}
	n, err := w.Write(p.Body)
	return hn + int64(n), err
}

func (p *Raw) String() string { return render(p) }

// ReadPacket decodes one control packet from r. Packet kinds outside the
// connection core's vocabulary come back as *Raw.
func ReadPacket(r io.Reader) (Packet, error) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	t := Type(first[0] >> 4)
	flags := first[0] & 0x0F
	remaining, err := readRemainingLength(r)
	if err != nil {
		return nil, err
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)

	switch t {
	case TypeConnect:
		return decodeConnect(br)
	case TypeConnack:
		return decodeConnack(br)
	case TypePingreq:
		return &Pingreq{}, nil
	case TypePingresp:
		return &Pingresp{}, nil
	case TypeDisconnect:
		return &Disconnect{}, nil
	case 0, 15:
		return nil, fmt.Errorf("%w: reserved packet type %d", ErrMalformedPacket, t)
	default:
		return &Raw{T: t, Flags: flags, Body: body}, nil
	}
}
