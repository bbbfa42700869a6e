// Package wire serves game clients over websocket. Each binary message is
// one CBOR packet; the protocol version negotiated on connect decides which
// packet shapes a client understands.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Protocol versions.
const (
	// ProtocolLegacy clients only understand chat packets with legacy
	// formatted text.
	ProtocolLegacy = 1
	// ProtocolComponents adds JSON components, titles, boss bars and sounds.
	ProtocolComponents = 2
	// ProtocolBooks adds books and stop-sound.
	ProtocolBooks = 3

	MaxProtocol = ProtocolBooks
)

type PacketType uint8

const (
	TypeChat PacketType = iota + 1
	TypeTitle
	TypeBossBar
	TypeSound
	TypeStopSound
	TypeBook

	// TypeSettings is sent by clients to change their locale.
	TypeSettings PacketType = 32
)

func (t PacketType) String() string {
	switch t {
	case TypeChat:
		return "chat"
	case TypeTitle:
		return "title"
	case TypeBossBar:
		return "boss_bar"
	case TypeSound:
		return "sound"
	case TypeStopSound:
		return "stop_sound"
	case TypeBook:
		return "book"
	case TypeSettings:
		return "settings"
	default:
		return fmt.Sprintf("packet(%d)", uint8(t))
	}
}

// Packet is the envelope of every message. Proto is the protocol the body
// is encoded for; bridged packets carry the bridge protocol.
type Packet struct {
	Type  PacketType      `cbor:"1,keyasint"`
	Proto int             `cbor:"2,keyasint"`
	Body  cbor.RawMessage `cbor:"3,keyasint"`
}

// Chat positions.
const (
	PositionChat      uint8 = 0
	PositionActionBar uint8 = 2
)

// ChatBody carries Text as legacy formatted text for protocol 1 and as
// component JSON otherwise.
type ChatBody struct {
	Position uint8  `cbor:"1,keyasint"`
	Text     string `cbor:"2,keyasint"`
}

type TitleAction uint8

const (
	TitleSet TitleAction = iota
	TitleSubtitle
	TitleTimes
	TitleClear
	TitleReset
)

// TitleBody times are in ticks (50ms).
type TitleBody struct {
	Action  TitleAction `cbor:"1,keyasint"`
	Text    string      `cbor:"2,keyasint,omitempty"`
	FadeIn  int32       `cbor:"3,keyasint,omitempty"`
	Stay    int32       `cbor:"4,keyasint,omitempty"`
	FadeOut int32       `cbor:"5,keyasint,omitempty"`
}

type BarAction uint8

const (
	BarAdd BarAction = iota
	BarRemove
	BarProgress
	BarName
	BarStyle
	BarFlags
)

func (a BarAction) String() string {
	switch a {
	case BarAdd:
		return "add"
	case BarRemove:
		return "remove"
	case BarProgress:
		return "progress"
	case BarName:
		return "name"
	case BarStyle:
		return "style"
	case BarFlags:
		return "flags"
	default:
		return fmt.Sprintf("bar_action(%d)", uint8(a))
	}
}

// BossBarBody fields beyond ID and Action are set according to Action:
// add carries all of them, the others only what changed.
type BossBarBody struct {
	ID       uuid.UUID `cbor:"1,keyasint"`
	Action   BarAction `cbor:"2,keyasint"`
	Name     string    `cbor:"3,keyasint,omitempty"`
	Progress float32   `cbor:"4,keyasint,omitempty"`
	Color    uint8     `cbor:"5,keyasint,omitempty"`
	Overlay  uint8     `cbor:"6,keyasint,omitempty"`
	Flags    uint8     `cbor:"7,keyasint,omitempty"`
}

type SoundBody struct {
	Key        string  `cbor:"1,keyasint"`
	Source     uint8   `cbor:"2,keyasint"`
	Volume     float32 `cbor:"3,keyasint"`
	Pitch      float32 `cbor:"4,keyasint"`
	Positioned bool    `cbor:"5,keyasint,omitempty"`
	X          float64 `cbor:"6,keyasint,omitempty"`
	Y          float64 `cbor:"7,keyasint,omitempty"`
	Z          float64 `cbor:"8,keyasint,omitempty"`
}

// StopSoundBody with neither field set stops every sound.
type StopSoundBody struct {
	Key    string `cbor:"1,keyasint,omitempty"`
	Source *uint8 `cbor:"2,keyasint,omitempty"`
}

type BookBody struct {
	Title  string   `cbor:"1,keyasint"`
	Author string   `cbor:"2,keyasint"`
	Pages  []string `cbor:"3,keyasint"`
}

type SettingsBody struct {
	Locale string `cbor:"1,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

var ErrEmptyPacket = errors.New("wire: empty packet")

// Encode builds the envelope around body and encodes it.
func Encode(typ PacketType, proto int, body any) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", typ, err)
	}
	return encMode.Marshal(Packet{Type: typ, Proto: proto, Body: raw})
}

// Decode parses one envelope. The body stays raw; see DecodeBody.
func Decode(data []byte) (Packet, error) {
	var p Packet
	if len(data) == 0 {
		return p, ErrEmptyPacket
	}
	if err := decMode.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode packet: %w", err)
	}
	return p, nil
}

// DecodeBody parses p's body into v.
func DecodeBody(p Packet, v any) error {
	if err := decMode.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", p.Type, err)
	}
	return nil
}
