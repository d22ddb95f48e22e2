package cellstore

import (
	"github.com/fxamacker/cbor/v2"

	"cellworld.ai/internal/sim/geom"
	"cellworld.ai/internal/sim/graph"
)

// Core deterministic encoding: the same record always produces the same
// bytes, so unchanged rows compare equal.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cellstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cellstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// recordV1 is the stored form of a graph.Record.
type recordV1 struct {
	ID        string      `cbor:"1,keyasint"`
	ParentID  string      `cbor:"2,keyasint,omitempty"`
	TypeTag   string      `cbor:"3,keyasint"`
	Transform [10]float64 `cbor:"4,keyasint"` // translation, rotation xyzw, scale
	Bounds    [6]float64  `cbor:"5,keyasint"` // min, max
	State     []byte      `cbor:"6,keyasint,omitempty"`
}

func encodeRecord(r graph.Record) ([]byte, error) {
	t := r.Transform
	b := r.Bounds
	return encMode.Marshal(recordV1{
		ID:       string(r.ID),
		ParentID: string(r.ParentID),
		TypeTag:  r.TypeTag,
		Transform: [10]float64{
			t.Translation.X, t.Translation.Y, t.Translation.Z,
			t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W,
			t.Scale.X, t.Scale.Y, t.Scale.Z,
		},
		Bounds: [6]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z},
		State:  r.State,
	})
}

func decodeRecord(data []byte) (graph.Record, error) {
	var v recordV1
	if err := decMode.Unmarshal(data, &v); err != nil {
		return graph.Record{}, err
	}
	tf := v.Transform
	bb := v.Bounds
	return graph.Record{
		ID:       graph.CellID(v.ID),
		ParentID: graph.CellID(v.ParentID),
		TypeTag:  v.TypeTag,
		Transform: geom.Transform{
			Translation: geom.V3(tf[0], tf[1], tf[2]),
			Rotation:    geom.Quat{X: tf[3], Y: tf[4], Z: tf[5], W: tf[6]},
			Scale:       geom.V3(tf[7], tf[8], tf[9]),
		},
		Bounds: geom.AABB{Min: geom.V3(bb[0], bb[1], bb[2]), Max: geom.V3(bb[3], bb[4], bb[5])},
		State:  v.State,
	}, nil
}
