// Package quant converts transforms to and from their fixed-point wire
// representation.
package quant

import (
	"math"

	"github.com/zeusync/rtsrep/internal/core/models"
)

const (
	angleSteps = 65536

	// AngleStep is the angular resolution of a quantized angle in degrees.
	AngleStep = 360.0 / angleSteps

	wrap32 = 1 << 32
)

// QuantizeAngle maps any angle onto [0, 65535]. Values that round up to a
// full turn wrap to zero. Non-finite input maps to zero.
func QuantizeAngle(deg float64) uint16 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	q := math.Round(w / 360 * angleSteps)
	return uint16(uint32(q) % angleSteps)
}

func DequantizeAngle(q uint16) float64 {
	return float64(q) * AngleStep
}

// QuantizeAngleSnapped snaps deg to the nearest multiple of thresholdDeg
// before quantizing, so jitter below the threshold yields identical values.
func QuantizeAngleSnapped(deg, thresholdDeg float64) uint16 {
	if thresholdDeg <= 0 {
		return QuantizeAngle(deg)
	}
	return QuantizeAngle(Snap(deg, thresholdDeg))
}

// AngleDistance returns the shortest arc between two angles in degrees.
func AngleDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Snap rounds v to the nearest multiple of step.
func Snap(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

// QuantizeScalar converts v to a fixed-point integer with the given unit.
// Values outside the int32 range wrap modulo 2^32.
func QuantizeScalar(v, unit float64) int32 {
	if unit <= 0 {
		unit = 1
	}
	r := math.Round(v / unit)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	r = math.Mod(r, wrap32)
	return int32(uint32(int64(r)))
}

func DequantizeScalar(q int32, unit float64) float64 {
	if unit <= 0 {
		unit = 1
	}
	return float64(q) * unit
}

// QVec3 is a fixed-point vector.
type QVec3 struct {
	X int32 `msgpack:"x"`
	Y int32 `msgpack:"y"`
	Z int32 `msgpack:"z"`
}

func QuantizeVector(v models.Vec3, unit float64) QVec3 {
	return QVec3{
		X: QuantizeScalar(v.X, unit),
		Y: QuantizeScalar(v.Y, unit),
		Z: QuantizeScalar(v.Z, unit),
	}
}

func (q QVec3) Dequantize(unit float64) models.Vec3 {
	return models.Vec3{
		X: DequantizeScalar(q.X, unit),
		Y: DequantizeScalar(q.Y, unit),
		Z: DequantizeScalar(q.Z, unit),
	}
}

// QRotator holds three quantized angles.
type QRotator struct {
	Pitch uint16 `msgpack:"p"`
	Yaw   uint16 `msgpack:"y"`
	Roll  uint16 `msgpack:"r"`
}

func QuantizeRotator(r models.Rotator, snapDeg float64) QRotator {
	return QRotator{
		Pitch: QuantizeAngleSnapped(r.Pitch, snapDeg),
		Yaw:   QuantizeAngleSnapped(r.Yaw, snapDeg),
		Roll:  QuantizeAngleSnapped(r.Roll, snapDeg),
	}
}

func (q QRotator) Dequantize() models.Rotator {
	return models.Rotator{
		Pitch: DequantizeAngle(q.Pitch),
		Yaw:   DequantizeAngle(q.Yaw),
		Roll:  DequantizeAngle(q.Roll),
	}
}

// Units configures the fixed-point resolution of packed transforms.
type Units struct {
	Location float64
	Scale    float64
	// AngleSnap is the snapping step for rotations in degrees; zero keeps
	// full angle resolution.
	AngleSnap float64
}

// Packed is a quantized transform.
type Packed struct {
	Location QVec3    `msgpack:"l"`
	Rotation QRotator `msgpack:"r"`
	Scale    QVec3    `msgpack:"s"`
}

func Pack(t models.Transform, u Units) Packed {
	return Packed{
		Location: QuantizeVector(t.Location, u.Location),
		Rotation: QuantizeRotator(t.Rotation, u.AngleSnap),
		Scale:    QuantizeVector(t.Scale, u.Scale),
	}
}

func (p Packed) Unpack(u Units) models.Transform {
	return models.Transform{
		Location: p.Location.Dequantize(u.Location),
		Rotation: p.Rotation.Dequantize(),
		Scale:    p.Scale.Dequantize(u.Scale),
	}
}
