package imager

import (
	"maps"
	"slices"

	"github.com/banshee-data/tofseq/internal/bridge"
)

// shadow mirrors the register values the imager last wrote, so a program
// only sends what actually changes.
type shadow map[uint16]uint16

// resolve turns a register program into absolute values. Masked writes to a
// register the shadow does not know yet read it from the sensor first. Later
// writes to an address override earlier ones, and values already held by
// the shadow are dropped. The result is sorted by address.
func (s shadow) resolve(t bridge.Transport, program []bridge.Register) ([]bridge.Register, error) {
	pending := make(map[uint16]uint16, len(program))
	for _, r := range program {
		current, ok := pending[r.Address]
		if !ok {
			current, ok = s[r.Address]
		}
		if !ok && r.Mask != 0 {
			v, err := t.ReadRegister(r.Address)
			if err != nil {
				return nil, err
			}
			current = v
		}
		pending[r.Address] = r.Apply(current)
	}

	out := make([]bridge.Register, 0, len(pending))
	for _, addr := range slices.Sorted(maps.Keys(pending)) {
		v := pending[addr]
		if old, ok := s[addr]; ok && old == v {
			continue
		}
		out = append(out, bridge.Register{Address: addr, Value: v})
	}
	return out, nil
}

type burst struct {
	addr   uint16
	values []uint16
}

// coalesce groups address-sorted registers into runs of consecutive
// addresses.
func coalesce(regs []bridge.Register) []burst {
	var out []burst
	for _, r := range regs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if int(last.addr)+len(last.values) == int(r.Address) {
				last.values = append(last.values, r.Value)
				continue
			}
		}
		out = append(out, burst{addr: r.Address, values: []uint16{r.Value}})
	}
	return out
}

// write sends the changed registers of program and updates the shadow after
// every successful transfer. It returns the number of registers written.
func (s shadow) write(t bridge.Transport, program []bridge.Register) (registers, bursts int, err error) {
	regs, err := s.resolve(t, program)
	if err != nil {
		return 0, 0, err
	}
	for _, b := range coalesce(regs) {
		if len(b.values) == 1 {
			err = t.WriteRegister(b.addr, b.values[0])
		} else {
			err = t.WriteBurst(b.addr, b.values)
		}
		if err != nil {
			return registers, bursts, err
		}
		if len(b.values) > 1 {
			bursts++
		}
		for i, v := range b.values {
			s[b.addr+uint16(i)] = v
		}
		registers += len(b.values)
	}
	return registers, bursts, nil
}
