package imager

import (
	"fmt"

	"github.com/banshee-data/tofseq/internal/sensor"
	"github.com/banshee-data/tofseq/internal/usecase"
)

func frequencyOf(rf usecase.RawFrame, l sensor.Limits) uint32 {
	if rf.Grayscale {
		return l.GrayscaleFrequency
	}
	return rf.ModulationFrequency
}

// assignLUT gives every distinct frequency of p a PLL lookup-table slot, in
// order of first use.
func assignLUT(p usecase.Plan, l sensor.Limits) (sensor.LUT, error) {
	lut := make(sensor.LUT)
	for _, rf := range p.RawFrames {
		f := frequencyOf(rf, l)
		if _, ok := lut[f]; ok {
			continue
		}
		if len(lut) == l.LUTSlots {
			return nil, fmt.Errorf("more than %d modulation frequencies", l.LUTSlots)
		}
		lut[f] = len(lut)
	}
	return lut, nil
}
