package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blukai/arenarelay/internal/debug"
)

var ErrInvalidMsg = errors.New("invalid message")

type MsgType string

const (
	// NOTE(blukai): client -> server
	MsgConnect    MsgType = "connect"
	MsgDisconnect MsgType = "disconnect"

	// NOTE(blukai): server -> clients
	MsgPlayerJoined MsgType = "player_joined"
	MsgPlayerLeft   MsgType = "player_left"

	// NOTE(blukai): either direction, relayed
	MsgPlayerUpdate MsgType = "player_update"
	MsgShoot        MsgType = "shoot"
	MsgEnemyUpdate  MsgType = "enemy_update"
)

// Known reports whether t is one of the types this package has a body for.
// Unknown types are still valid frames, they decode into RawBody.
func (t MsgType) Known() bool {
	_, ok := requiredFields[t]
	return ok
}

// ServerOriginated reports whether only the relay server may emit t.
func (t MsgType) ServerOriginated() bool {
	return t == MsgPlayerJoined || t == MsgPlayerLeft
}

var requiredFields = map[MsgType][]string{
	MsgConnect:      {"player_id"},
	MsgDisconnect:   {"player_id"},
	MsgPlayerJoined: {"player_id"},
	MsgPlayerLeft:   {"player_id"},
	MsgPlayerUpdate: {"player_id", "position", "rotation", "health"},
	MsgShoot:        {"player_id", "direction"},
	MsgEnemyUpdate:  {"enemy_id", "position", "health"},
}

type MsgBody interface {
	Validate() error
}

// Msg is one decoded frame (or one to be encoded).
type Msg struct {
	Type MsgType
	// SenderID is attached by the receiving side and is never encoded.
	SenderID string
	Body     MsgBody
}

type typedBody interface {
	MsgType() MsgType
}

// Vec3 is a position or direction. It only decodes from a json array of
// exactly three numbers.
type Vec3 [3]float64

func (v *Vec3) UnmarshalJSON(data []byte) error {
	var xs []float64
	if err := json.Unmarshal(data, &xs); err != nil {
		return err
	}
	if len(xs) != 3 {
		return fmt.Errorf("%w: vector must have 3 components (got %d)", ErrInvalidMsg, len(xs))
	}
	copy(v[:], xs)
	return nil
}

// Rotation is either euler angles (3) or a quaternion (4).
type Rotation []float64

func (r Rotation) Validate() error {
	if len(r) != 3 && len(r) != 4 {
		return fmt.Errorf("%w: rotation must have 3 or 4 components (got %d)", ErrInvalidMsg, len(r))
	}
	return nil
}

func validateID(name, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidMsg, name)
	}
	return nil
}

type Connect struct {
	PlayerID string `json:"player_id"`
}

func (*Connect) MsgType() MsgType  { return MsgConnect }
func (b *Connect) Validate() error { return validateID("player_id", b.PlayerID) }

type Disconnect struct {
	PlayerID string `json:"player_id"`
}

func (*Disconnect) MsgType() MsgType  { return MsgDisconnect }
func (b *Disconnect) Validate() error { return validateID("player_id", b.PlayerID) }

type PlayerJoined struct {
	PlayerID string `json:"player_id"`
}

func (*PlayerJoined) MsgType() MsgType  { return MsgPlayerJoined }
func (b *PlayerJoined) Validate() error { return validateID("player_id", b.PlayerID) }

type PlayerLeft struct {
	PlayerID string `json:"player_id"`
}

func (*PlayerLeft) MsgType() MsgType  { return MsgPlayerLeft }
func (b *PlayerLeft) Validate() error { return validateID("player_id", b.PlayerID) }

type PlayerUpdate struct {
	PlayerID string   `json:"player_id"`
	Position Vec3     `json:"position"`
	Rotation Rotation `json:"rotation"`
	Health   float64  `json:"health"`
}

func (*PlayerUpdate) MsgType() MsgType { return MsgPlayerUpdate }

func (b *PlayerUpdate) Validate() error {
	if err := validateID("player_id", b.PlayerID); err != nil {
		return err
	}
	return b.Rotation.Validate()
}

type Shoot struct {
	PlayerID    string `json:"player_id"`
	Direction   Vec3   `json:"direction"`
	HitPosition *Vec3  `json:"hit_position,omitempty"`
}

func (*Shoot) MsgType() MsgType  { return MsgShoot }
func (b *Shoot) Validate() error { return validateID("player_id", b.PlayerID) }

type EnemyUpdate struct {
	EnemyID  string  `json:"enemy_id"`
	Position Vec3    `json:"position"`
	Health   float64 `json:"health"`
}

func (*EnemyUpdate) MsgType() MsgType  { return MsgEnemyUpdate }
func (b *EnemyUpdate) Validate() error { return validateID("enemy_id", b.EnemyID) }

// RawBody carries the fields of a message whose type this package does not
// know. It is relayed untouched.
type RawBody map[string]json.RawMessage

func (b RawBody) Validate() error {
	if _, ok := b["type"]; ok {
		return fmt.Errorf("%w: raw body must not carry its own type field", ErrInvalidMsg)
	}
	return nil
}

func newBody(t MsgType) MsgBody {
	switch t {
	case MsgConnect:
		return &Connect{}
	case MsgDisconnect:
		return &Disconnect{}
	case MsgPlayerJoined:
		return &PlayerJoined{}
	case MsgPlayerLeft:
		return &PlayerLeft{}
	case MsgPlayerUpdate:
		return &PlayerUpdate{}
	case MsgShoot:
		return &Shoot{}
	case MsgEnemyUpdate:
		return &EnemyUpdate{}
	}
	return nil
}

func NewConnect(playerID string) *Msg {
	return &Msg{Type: MsgConnect, Body: &Connect{PlayerID: playerID}}
}

func NewDisconnect(playerID string) *Msg {
	return &Msg{Type: MsgDisconnect, Body: &Disconnect{PlayerID: playerID}}
}

func NewPlayerJoined(playerID string) *Msg {
	return &Msg{Type: MsgPlayerJoined, Body: &PlayerJoined{PlayerID: playerID}}
}

func NewPlayerLeft(playerID string) *Msg {
	return &Msg{Type: MsgPlayerLeft, Body: &PlayerLeft{PlayerID: playerID}}
}

func NewPlayerUpdate(playerID string, position Vec3, rotation Rotation, health float64) *Msg {
	return &Msg{
		Type: MsgPlayerUpdate,
		Body: &PlayerUpdate{
			PlayerID: playerID,
			Position: position,
			Rotation: rotation,
			Health:   health,
		},
	}
}

// NewShoot builds a shoot event, hitPosition may be nil.
func NewShoot(playerID string, direction Vec3, hitPosition *Vec3) *Msg {
	return &Msg{
		Type: MsgShoot,
		Body: &Shoot{
			PlayerID:    playerID,
			Direction:   direction,
			HitPosition: hitPosition,
		},
	}
}

func NewEnemyUpdate(enemyID string, position Vec3, health float64) *Msg {
	return &Msg{
		Type: MsgEnemyUpdate,
		Body: &EnemyUpdate{
			EnemyID:  enemyID,
			Position: position,
			Health:   health,
		},
	}
}

// MarshalMsg encodes msg as a flat json object: the "type" tag followed by
// the body's own fields.
func MarshalMsg(msg *Msg) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMsg)
	}
	if msg.Body == nil {
		return nil, fmt.Errorf("%w: missing body for %q", ErrInvalidMsg, msg.Type)
	}
	if tb, ok := msg.Body.(typedBody); ok && tb.MsgType() != msg.Type {
		return nil, fmt.Errorf("%w: body of %q does not match type %q", ErrInvalidMsg, tb.MsgType(), msg.Type)
	}
	if err := msg.Body.Validate(); err != nil {
		return nil, err
	}

	fields, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("could not marshal body: %w", err)
	}
	// NOTE(blukai): a nil RawBody marshals to null
	if string(fields) == "null" {
		fields = []byte("{}")
	}
	debug.Assert(len(fields) >= 2 && fields[0] == '{')

	typeBytes, err := json.Marshal(string(msg.Type))
	debug.NoErr(err)

	buf := bytes.Buffer{}
	buf.WriteString(`{"type":`)
	buf.Write(typeBytes)
	if len(fields) > 2 {
		buf.WriteByte(',')
		buf.Write(fields[1:])
	} else {
		buf.WriteByte('}')
	}

	return buf.Bytes(), nil
}

// UnmarshalMsg decodes a payload produced by MarshalMsg. Required fields are
// checked here, so handlers can trust the body they get.
func UnmarshalMsg(data []byte) (*Msg, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("could not unmarshal payload: %w", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMsg)
	}
	var typeStr string
	if err := json.Unmarshal(rawType, &typeStr); err != nil || typeStr == "" {
		return nil, fmt.Errorf("%w: type must be a non-empty string", ErrInvalidMsg)
	}
	msgType := MsgType(typeStr)

	body := newBody(msgType)
	if body == nil {
		delete(fields, "type")
		return &Msg{Type: msgType, Body: RawBody(fields)}, nil
	}

	for _, name := range requiredFields[msgType] {
		if v, ok := fields[name]; !ok || string(v) == "null" {
			return nil, fmt.Errorf("%w: %q is missing required field %q", ErrInvalidMsg, msgType, name)
		}
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("could not unmarshal %q body: %w", msgType, err)
	}
	if err := body.Validate(); err != nil {
		return nil, err
	}

	return &Msg{Type: msgType, Body: body}, nil
}
