package models

import "strings"

// TagBits is the packed set of gameplay tags a unit carries.
type TagBits uint32

const (
	TagDead TagBits = 1 << iota
	TagRooted
	TagCasting
	TagCharging
	TagIsAttacked
	TagAttack
	TagChase
	TagBuild
	TagResourceExtraction
	TagGoToResource
	TagGoToBuild
	TagGoToBase
	TagPatrolIdle
	TagPatrolRandom
	TagPatrol
	TagRun
	TagPause
	TagEvasion
	TagIdle
)

var tagNames = [...]string{
	"Dead", "Rooted", "Casting", "Charging", "IsAttacked", "Attack", "Chase", "Build",
	"ResourceExtraction", "GoToResource", "GoToBuild", "GoToBase", "PatrolIdle",
	"PatrolRandom", "Patrol", "Run", "Pause", "Evasion", "Idle",
}

func (t TagBits) Has(tag TagBits) bool { return t&tag == tag }

func (t TagBits) With(tag TagBits) TagBits { return t | tag }

func (t TagBits) Without(tag TagBits) TagBits { return t &^ tag }

func (t TagBits) String() string {
	if t == 0 {
		return "none"
	}
	parts := make([]string, 0, 4)
	for i, name := range tagNames {
		if t&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

type CombatStats struct {
	Health             float64 `msgpack:"hp"`
	MaxHealth          float64 `msgpack:"mhp"`
	Shield             float64 `msgpack:"sh"`
	MaxShield          float64 `msgpack:"msh"`
	AttackRange        float64 `msgpack:"ar"`
	AttackDamage       float64 `msgpack:"ad"`
	AttackDuration     float64 `msgpack:"adu"`
	IsAttackedDuration float64 `msgpack:"iad"`
	CastTime           float64 `msgpack:"ct"`
	RunSpeed           float64 `msgpack:"rs"`
	RotationSpeed      float64 `msgpack:"rot"`
	Armor              float64 `msgpack:"arm"`
	MagicResistance    float64 `msgpack:"mr"`
	SightRadius        float64 `msgpack:"sr"`
	LoseSightRadius    float64 `msgpack:"lsr"`
	PauseDuration      float64 `msgpack:"pd"`
	TeamID             int32   `msgpack:"team"`
	UseProjectile      bool    `msgpack:"proj"`
	Initialized        bool    `msgpack:"init"`
}

type AgentCharacteristics struct {
	Flying              bool    `msgpack:"fly"`
	Invisible           bool    `msgpack:"inv"`
	FlyHeight           float64 `msgpack:"fh"`
	CanOnlyAttackFlying bool    `msgpack:"oaf"`
	CanOnlyAttackGround bool    `msgpack:"oag"`
	CanBeInvisible      bool    `msgpack:"cbi"`
	CanDetectInvisible  bool    `msgpack:"cdi"`
	CapsuleHeight       float64 `msgpack:"ch"`
	CapsuleRadius       float64 `msgpack:"cr"`
	DespawnTime         float64 `msgpack:"dt"`
	RotatesToMovement   bool    `msgpack:"rtm"`
	RotatesToEnemy      bool    `msgpack:"rte"`
	RotationSpeed       float64 `msgpack:"rs"`
}

type AIStateSummary struct {
	StateTimer     float64 `msgpack:"st"`
	CanAttack      bool    `msgpack:"ca"`
	CanMove        bool    `msgpack:"cm"`
	HoldPosition   bool    `msgpack:"hp"`
	HasAttacked    bool    `msgpack:"ha"`
	SwitchingState bool    `msgpack:"ss"`
	BirthTime      float64 `msgpack:"bt"`
	DeathTime      float64 `msgpack:"dt"`
	StoredLocation Vec3    `msgpack:"sl"`
	Initialized    bool    `msgpack:"init"`
}

// AITargetFlags describe the validity of an AI target.
type AITargetFlags uint8

const (
	TargetHasValid AITargetFlags = 1 << iota
	TargetFocused
)

type AITarget struct {
	TargetNetID           NetID         `msgpack:"id"`
	Flags                 AITargetFlags `msgpack:"f"`
	LastKnownLocation     Vec3          `msgpack:"lk"`
	AbilityTargetLocation Vec3          `msgpack:"ab"`
}

func (t AITarget) Valid() bool { return t.Flags&TargetHasValid != 0 && t.TargetNetID.Valid() }

// MoveIntent is the replicated movement goal. ActionID is a wrapping
// version stamp bumped by the server on each new order.
type MoveIntent struct {
	HasTarget       bool    `msgpack:"ht"`
	Center          Vec3    `msgpack:"c"`
	SlackRadius     float64 `msgpack:"sr"`
	DesiredSpeed    float64 `msgpack:"ds"`
	IntentAtGoal    bool    `msgpack:"ag"`
	DistanceToGoal  float64 `msgpack:"dg"`
	ActionID        uint16  `msgpack:"a"`
	ServerStartTime float64 `msgpack:"t"`
}

// NewerThan reports whether m should replace cur on a client. An unstamped
// intent never overrides a stamped one.
func (m MoveIntent) NewerThan(cur MoveIntent) bool {
	switch {
	case m.ActionID == cur.ActionID:
		return m.ServerStartTime >= cur.ServerStartTime
	case m.ActionID == 0:
		return false
	case cur.ActionID == 0:
		return true
	default:
		return int16(m.ActionID-cur.ActionID) > 0
	}
}

// UnitState is everything besides the transform that is replicated per unit.
type UnitState struct {
	Tags   TagBits              `msgpack:"tags"`
	Combat CombatStats          `msgpack:"combat"`
	Agent  AgentCharacteristics `msgpack:"agent"`
	AI     AIStateSummary       `msgpack:"ai"`
	Target AITarget             `msgpack:"target"`
	Move   MoveIntent           `msgpack:"move"`
}
