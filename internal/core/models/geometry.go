package models

import "math"

type Vec3 struct {
	X float64 `msgpack:"x" yaml:"x"`
	Y float64 `msgpack:"y" yaml:"y"`
	Z float64 `msgpack:"z" yaml:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(f float64) Vec3 { return Vec3{v.X * f, v.Y * f, v.Z * f} }

func (v Vec3) LengthSquared() float64 { return v.X*v.X + v.Y*v.Y + v.Z*v.Z }

func (v Vec3) Length() float64 { return math.Sqrt(v.LengthSquared()) }

func (v Vec3) DistanceSquared(o Vec3) float64 { return v.Sub(o).LengthSquared() }

func (v Vec3) Distance(o Vec3) float64 { return math.Sqrt(v.DistanceSquared(o)) }

// NearlyZero reports whether every component is within tolerance of zero.
func (v Vec3) NearlyZero(tolerance float64) bool {
	return math.Abs(v.X) <= tolerance && math.Abs(v.Y) <= tolerance && math.Abs(v.Z) <= tolerance
}

func (v Vec3) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// Rotator holds Euler angles in degrees.
type Rotator struct {
	Pitch float64 `msgpack:"p" yaml:"pitch"`
	Yaw   float64 `msgpack:"y" yaml:"yaw"`
	Roll  float64 `msgpack:"r" yaml:"roll"`
}

type Transform struct {
	Location Vec3    `msgpack:"l"`
	Rotation Rotator `msgpack:"r"`
	Scale    Vec3    `msgpack:"s"`
}

// IdentityTransform is a transform at the origin with unit scale.
func IdentityTransform() Transform {
	return Transform{Scale: Vec3{1, 1, 1}}
}

// Degenerate reports a location that cannot be trusted as a snapshot:
// the origin or non-finite coordinates.
func (t Transform) Degenerate() bool {
	return !t.Location.Finite() || t.Location.NearlyZero(1e-3)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
