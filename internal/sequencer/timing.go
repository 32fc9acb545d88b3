package sequencer

import (
	"fmt"

	"github.com/banshee-data/tofseq/internal/usecase"
)

// DurationFunc returns the time in seconds one raw frame occupies on the
// sensor. It is supplied by the sensor-specific layer.
type DurationFunc func(p *usecase.Plan, exposureTime, modulationFrequency uint32, linkedStart bool) float64

// Timings returns the interval each raw frame occupies, in raw frame order.
//
// Clock aligned frames are granted the full master interval (1/targetRate).
// A start aligned frame takes over what is left of the previous slot once the
// previous frame's own duration is subtracted; the previous slot shrinks to
// exactly that duration. The remainder may go negative, which marks the use
// case as infeasible at this rate. Stop and next-stop aligned frames always
// get their own duration, which is taken from the closest preceding clock or
// start aligned anchor. A next-stop frame directly after its anchor is placed
// in the following master period instead, so the gap is added to the anchor.
func Timings(p usecase.Plan, dur DurationFunc) ([]float64, error) {
	frames := p.RawFrames
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no raw frames", ErrLogic)
	}
	if p.TargetRate == 0 {
		return nil, fmt.Errorf("%w: target rate is zero", ErrLogic)
	}
	if frames[0].Alignment != usecase.ClockAligned {
		return nil, fmt.Errorf("%w: first raw frame is %s aligned", ErrLogic, frames[0].Alignment)
	}

	master := 1 / float64(p.TargetRate)
	frameTime := func(i int) float64 {
		rf := frames[i]
		return dur(&p, rf.ExposureTime, rf.ModulationFrequency, rf.StartOfLinkedRawFrames)
	}

	times := make([]float64, len(frames))
	for i, rf := range frames {
		switch rf.Alignment {
		case usecase.ClockAligned:
			times[i] = master

		case usecase.StartAligned:
			if prev := frames[i-1].Alignment; prev == usecase.StopAligned || prev == usecase.NextStopAligned {
				return nil, fmt.Errorf("%w: raw frame %d is start aligned after a %s aligned frame", ErrLogic, i, prev)
			}
			tPrev := frameTime(i - 1)
			times[i] = times[i-1] - tPrev
			times[i-1] = tPrev

		case usecase.StopAligned, usecase.NextStopAligned:
			if rf.Alignment == usecase.StopAligned && frames[i-1].Alignment == usecase.NextStopAligned {
				return nil, fmt.Errorf("%w: raw frame %d is stop aligned after a nextstop aligned frame", ErrLogic, i)
			}
			ref := i - 1
			for ref > 0 && frames[ref].Alignment != usecase.StartAligned && frames[ref].Alignment != usecase.ClockAligned {
				ref--
			}
			t := frameTime(i)
			times[i] = t
			if rf.Alignment == usecase.NextStopAligned && i-ref == 1 {
				times[ref] += master - t
			} else {
				times[ref] -= t
			}

		default:
			return nil, fmt.Errorf("%w: raw frame %d has unknown alignment %d", ErrLogic, i, int(rf.Alignment))
		}
	}
	return times, nil
}
