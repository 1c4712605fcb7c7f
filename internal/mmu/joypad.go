package mmu

// Joypad button bits, ORed together to form the pressed-button mask passed
// to SetJoypadState. These are canonical bit positions independent of which
// P1 nibble a button lands in.
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState replaces the pressed-button mask wholesale. Safe to call
// from a goroutine other than the one driving Tick/Read/Write: the frontend
// calls this on its own input-polling goroutine while the core steps on the
// clock worker, so the mask is held in an atomic word rather than a plain
// field.
func (m *MMU) SetJoypadState(mask byte) { m.joypState.Store(uint32(mask)) }

// readJOYP composes the P1 register from the two group-select bits latched
// by the last write to FF00 and the current pressed-button mask. Bit 4
// selects the direction-key nibble, bit 5 the button nibble; either can be
// active at once and their contributions OR together in the low nibble.
func (m *MMU) readJOYP() byte {
	state := byte(m.joypState.Load())
	lower := byte(0x0F)
	if m.joypSelect&0x10 == 0 {
		if state&JoypRight != 0 {
			lower &^= 0x01
		}
		if state&JoypLeft != 0 {
			lower &^= 0x02
		}
		if state&JoypUp != 0 {
			lower &^= 0x04
		}
		if state&JoypDown != 0 {
			lower &^= 0x08
		}
	}
	if m.joypSelect&0x20 == 0 {
		if state&JoypA != 0 {
			lower &^= 0x01
		}
		if state&JoypB != 0 {
			lower &^= 0x02
		}
		if state&JoypSelectBtn != 0 {
			lower &^= 0x04
		}
		if state&JoypStart != 0 {
			lower &^= 0x08
		}
	}
	return 0xC0 | m.joypSelect | lower
}
