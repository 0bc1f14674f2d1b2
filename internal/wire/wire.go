package wire

import "fmt"

// MaxPayloadSize is the largest payload a frame's u16 length prefix can describe.
const MaxPayloadSize = 65535

const (
	// MaxActionSize is the encoded size of the largest action variant.
	MaxActionSize = 17

	turnHeaderSize = 7

	// MaxTurnActions is the most actions a turn can carry while always
	// fitting in one frame.
	MaxTurnActions = (MaxPayloadSize - turnHeaderSize) / MaxActionSize
)

// Message kinds, the first byte of every payload.
const (
	KindAction byte = 0x01
	KindTurn   byte = 0x02
)

// Action variant tags.
const (
	tagBuild       byte = 0x00
	tagChangeAura  byte = 0x01
	tagShootRocket byte = 0x02
)

type BuildingKind uint8

const (
	BuildingMining BuildingKind = iota
	BuildingProduction
)

func (k BuildingKind) String() string {
	switch k {
	case BuildingMining:
		return "mining"
	case BuildingProduction:
		return "production"
	default:
		return fmt.Sprintf("building(%d)", uint8(k))
	}
}

func (k BuildingKind) valid() bool { return k <= BuildingProduction }

type Aura uint8

const (
	AuraShield Aura = iota
	AuraSpeed
	AuraDamage
)

func (a Aura) String() string {
	switch a {
	case AuraShield:
		return "shield"
	case AuraSpeed:
		return "speed"
	case AuraDamage:
		return "damage"
	default:
		return fmt.Sprintf("aura(%d)", uint8(a))
	}
}

func (a Aura) valid() bool { return a <= AuraDamage }

// NullAura is an Aura that may be absent. A ChangeAura with an invalid
// NullAura clears the target's aura.
type NullAura struct {
	Aura  Aura
	Valid bool
}

// SomeAura wraps a present aura.
func SomeAura(a Aura) NullAura { return NullAura{Aura: a, Valid: true} }

type Vec2 struct {
	X float32
	Y float32
}

// PlayerAction is a unit of player intent sent toward the server. The
// concrete variants are Build, ChangeAura and ShootRocket.
type PlayerAction interface{ isPlayerAction() }

type Build struct {
	Kind     BuildingKind
	TargetID uint32
}

func (Build) isPlayerAction() {}

type ChangeAura struct {
	Aura     NullAura
	TargetID uint32
}

func (ChangeAura) isPlayerAction() {}

type ShootRocket struct {
	Origin    Vec2
	Direction Vec2
}

func (ShootRocket) isPlayerAction() {}

// ServerTurn is one server-authoritative batch of accepted actions. Number
// increases by one for every turn the server broadcasts.
type ServerTurn struct {
	Number  uint32
	Actions []PlayerAction
}

// ActionName returns a short label for logs and metrics.
func ActionName(a PlayerAction) string {
	switch a.(type) {
	case Build:
		return "build"
	case ChangeAura:
		return "change_aura"
	case ShootRocket:
		return "shoot_rocket"
	default:
		return "unknown"
	}
}
