package unit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// VByte expresses a transaction size in virtual bytes. One virtual byte is
// four weight units, rounded up.
type VByte int64

// ToWU converts the size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit(v * blockchain.WitnessScaleFactor)
}

// String returns a human-readable string of the size.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", int64(v))
}

// WeightUnit expresses a transaction size in weight units. The weight of a
// transaction is `base size * 3 + total size`, where the base size excludes
// the witness data.
type WeightUnit int64

// ToVB converts the weight to virtual bytes, rounding up.
func (wu WeightUnit) ToVB() VByte {
	return VByte(
		(wu + blockchain.WitnessScaleFactor - 1) /
			blockchain.WitnessScaleFactor,
	)
}

// String returns a human-readable string of the weight.
func (wu WeightUnit) String() string {
	return fmt.Sprintf("%d wu", int64(wu))
}
