package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC2 supports up to 256KB ROM and has 512x4 bits of built-in RAM (no
// external RAM chip). 0000-3FFF: if addr bit 8 (0x0100) is clear, the write
// toggles RAM enable; if set, it selects the ROM bank (low 4 bits, 0 mapped
// to 1). RAM is addressed 0xA000-0xA1FF and mirrors every 0x200 bytes through
// 0xA000-0xBFFF; only the low nibble of each byte is meaningful and reads OR
// the upper nibble with 0xF0.
type MBC2 struct {
	rom []byte
	ram [512]byte

	ramEnabled bool
	romBank    byte // 1..15

	banks int
}

func NewMBC2(rom []byte) *MBC2 {
	m := &MBC2{rom: rom, banks: bankCount(rom)}
	m.romBank = 1
	return m
}

func (m *MBC2) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank) % m.banks
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		idx := int(addr-0xA000) & 0x1FF
		return m.ram[idx] | 0xF0
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value byte) {
	switch {
	case addr < 0x4000:
		if addr&0x0100 == 0 {
			m.ramEnabled = (value & 0x0F) == 0x0A
		} else {
			bank := value & 0x0F
			if bank == 0 {
				bank = 1
			}
			m.romBank = bank
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		idx := int(addr-0xA000) & 0x1FF
		m.ram[idx] = value & 0x0F
	}
}

func (m *MBC2) SaveRAM() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram[:])
	return out
}

func (m *MBC2) LoadRAM(data []byte) {
	copy(m.ram[:], data)
}

type mbc2State struct {
	RAM        [512]byte
	RamEnabled bool
	RomBank    byte
}

func (m *MBC2) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(mbc2State{RAM: m.ram, RamEnabled: m.ramEnabled, RomBank: m.romBank})
	return buf.Bytes()
}

func (m *MBC2) LoadState(data []byte) {
	var s mbc2State
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.ram, m.ramEnabled, m.romBank = s.RAM, s.RamEnabled, s.RomBank
}
