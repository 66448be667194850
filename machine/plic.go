package machine

import (
	"github.com/blacktop/go-rvvisor/plic"
)

const plicSources = 32

// PLIC models the supervisor context of hart 0 on a platform-level
// interrupt controller. Sources are level-triggered: a source attached with
// Attach becomes pending whenever its line is asserted and it is neither
// pending nor claimed.
type PLIC struct {
	priority  [plicSources]uint32
	enable    uint32
	threshold uint32
	pending   uint32
	claimed   uint32
	lines     [plicSources]func() bool
	notify    func()
}

// Attach connects a source line. asserted reports the current line level.
func (p *PLIC) Attach(id uint32, asserted func() bool) {
	p.lines[id] = asserted
}

// Update samples every attached line and signals the hart if an interrupt
// can be delivered.
func (p *PLIC) Update() {
	for id, line := range p.lines {
		bit := uint32(1) << id
		if line != nil && p.claimed&bit == 0 && line() {
			p.pending |= bit
		}
	}
	if p.notify != nil && p.Pending() {
		p.notify()
	}
}

// Pending reports whether the external interrupt line to the hart is high.
func (p *PLIC) Pending() bool { return p.best() != 0 }

// best returns the deliverable source with the highest priority, lowest id
// first on ties, or 0.
func (p *PLIC) best() uint32 {
	var id, prio uint32
	for i := uint32(1); i < plicSources; i++ {
		bit := uint32(1) << i
		if p.pending&p.enable&bit == 0 {
			continue
		}
		if pr := p.priority[i]; pr > p.threshold && pr > prio {
			id, prio = i, pr
		}
	}
	return id
}

// Load implements physmem.Device.
func (p *PLIC) Load(off uint64, width int) uint64 {
	switch {
	case off < 4*plicSources:
		return uint64(p.priority[off/4])
	case off == plic.EnableBase:
		return uint64(p.enable)
	case off == plic.Threshold:
		return uint64(p.threshold)
	case off == plic.Claim:
		id := p.best()
		if id != 0 {
			p.pending &^= 1 << id
			p.claimed |= 1 << id
		}
		return uint64(id)
	}
	return 0
}

// Store implements physmem.Device.
func (p *PLIC) Store(off uint64, width int, v uint64) {
	switch {
	case off < 4*plicSources:
		if off != 0 {
			p.priority[off/4] = uint32(v)
		}
	case off == plic.EnableBase:
		p.enable = uint32(v) &^ 1
	case off == plic.Threshold:
		p.threshold = uint32(v)
	case off == plic.Claim:
		if v < plicSources {
			p.claimed &^= 1 << v
		}
	default:
		return
	}
	p.Update()
}
