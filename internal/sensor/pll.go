package sensor

import (
	"fmt"
	"slices"
)

const (
	pllReference = 24000000
	vcoMin       = 600000000
	vcoMax       = 1200000000
	sscBit       = 0x8000
)

// PLLRegisters returns the pinned table entry for frequency when there is
// one and synthesizes the setting otherwise. SSC sets the top bit of the
// last register.
func (r *Reference) PLLRegisters(frequency uint32, ssc bool) ([]uint16, error) {
	if frequency < r.minFrequency || frequency > r.limits.MaxModulationFrequency {
		return nil, fmt.Errorf("%w: %d Hz outside [%d, %d]", ErrPLLInfeasible, frequency, r.minFrequency, r.limits.MaxModulationFrequency)
	}
	if ssc && !r.limits.SSC {
		return nil, fmt.Errorf("%w: spread spectrum not supported", ErrPLLInfeasible)
	}

	regs, ok := r.pllTable[frequency]
	if ok {
		regs = slices.Clone(regs)
	} else {
		var err error
		if regs, err = synthesize(frequency); err != nil {
			return nil, err
		}
	}
	if ssc {
		regs[len(regs)-1] |= sscBit
	}
	return regs, nil
}

// synthesize picks the output divider that puts the VCO in range and splits
// the feedback ratio into integer and 16-bit fractional parts.
func synthesize(frequency uint32) ([]uint16, error) {
	for shift := uint(0); shift <= 8; shift++ {
		vco := uint64(frequency) << shift
		if vco < vcoMin || vco > vcoMax {
			continue
		}
		n := vco / pllReference
		frac := (vco % pllReference) << 16 / pllReference
		return []uint16{uint16(shift<<8 | uint(n)), uint16(frac), 0}, nil
	}
	return nil, fmt.Errorf("%w: no divider for %d Hz", ErrPLLInfeasible, frequency)
}
