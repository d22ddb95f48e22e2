package geom

import "math"

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

func (v Vec3) ToArray() [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func V3(x, y, z float64) Vec3 { return Vec3{X: x, Y: y, Z: z} }

// Quat is a unit rotation quaternion. The zero value is treated as identity.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

func IdentityQuat() Quat { return Quat{W: 1} }

// Transform is a cell's placement relative to its parent.
type Transform struct {
	Translation Vec3 `json:"translation"`
	Rotation    Quat `json:"rotation"`
	Scale       Vec3 `json:"scale"`
}

func Identity() Transform {
	return Transform{Rotation: IdentityQuat(), Scale: Vec3{X: 1, Y: 1, Z: 1}}
}

func At(x, y, z float64) Transform {
	t := Identity()
	t.Translation = Vec3{X: x, Y: y, Z: z}
	return t
}

// Normalize fills zero rotation/scale with identity values.
func (t Transform) Normalize() Transform {
	if t.Rotation == (Quat{}) {
		t.Rotation = IdentityQuat()
	}
	if t.Scale == (Vec3{}) {
		t.Scale = Vec3{X: 1, Y: 1, Z: 1}
	}
	return t
}

func (t Transform) Valid() bool {
	for _, f := range []float64{
		t.Translation.X, t.Translation.Y, t.Translation.Z,
		t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W,
		t.Scale.X, t.Scale.Y, t.Scale.Z,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// AABB is a closed axis-aligned box. Min <= Max on every axis for valid boxes.
type AABB struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func Box(minX, minY, minZ, maxX, maxY, maxZ float64) AABB {
	return AABB{Min: Vec3{X: minX, Y: minY, Z: minZ}, Max: Vec3{X: maxX, Y: maxY, Z: maxZ}}
}

func (b AABB) Valid() bool {
	if !(b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z) {
		return false
	}
	for _, f := range []float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (b AABB) Translate(v Vec3) AABB {
	return AABB{Min: b.Min.Add(v), Max: b.Max.Add(v)}
}

func (b AABB) Union(o AABB) AABB {
	return AABB{
		Min: Vec3{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: Vec3{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// Expand grows the box by m on every side. Negative m shrinks it.
func (b AABB) Expand(m float64) AABB {
	d := Vec3{X: m, Y: m, Z: m}
	return AABB{Min: b.Min.Sub(d), Max: b.Max.Add(d)}
}

func (b AABB) Intersects(o AABB) bool {
	return b.Min.X <= o.Max.X && o.Min.X <= b.Max.X &&
		b.Min.Y <= o.Max.Y && o.Min.Y <= b.Max.Y &&
		b.Min.Z <= o.Max.Z && o.Min.Z <= b.Max.Z
}

func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Around returns the cube of half-extent r centered on p.
func Around(p Vec3, r float64) AABB {
	return AABB{Min: p.Sub(Vec3{X: r, Y: r, Z: r}), Max: p.Add(Vec3{X: r, Y: r, Z: r})}
}
