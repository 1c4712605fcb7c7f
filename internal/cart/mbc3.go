package cart

import (
	"bytes"
	"encoding/gob"
)

// MBC3 implements ROM/RAM banking plus the RTC register file.
//
// 0000-1FFF: RAM enable. 2000-3FFF: 7-bit ROM bank (0 remapped to 1).
// 4000-5FFF: RAM bank 0..3, or select an RTC register (08..0C). 6000-7FFF:
// on a 0->1 edge, latches the RTC registers (the RTC clock itself is never
// advanced by this core; see spec Open Questions).
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramOrRTC   byte // 0..3 RAM bank, or 0x08..0x0C RTC register select

	latchState byte // last byte written to 6000-7FFF, for edge detection
	rtc        [5]byte
	rtcLatched [5]byte

	banks int
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, banks: bankCount(rom)}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank&0x7F) % m.banks
		if bank == 0 {
			bank = 1 % m.banks
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramOrRTC >= 0x08 && m.ramOrRTC <= 0x0C {
			if !m.ramEnabled {
				return 0xFF
			}
			return m.rtcLatched[m.ramOrRTC-0x08]
		}
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramOrRTC & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		if value <= 0x03 || (value >= 0x08 && value <= 0x0C) {
			m.ramOrRTC = value
		} else {
			m.ramOrRTC = 0
		}
	case addr < 0x8000:
		if m.latchState == 0x00 && value == 0x01 {
			m.rtcLatched = m.rtc
		}
		m.latchState = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if m.ramOrRTC >= 0x08 && m.ramOrRTC <= 0x0C {
			if m.ramEnabled {
				m.rtc[m.ramOrRTC-0x08] = value
			}
			return
		}
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		rb := int(m.ramOrRTC & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

func (m *MBC3) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}

type mbc3State struct {
	RAM        []byte
	RamEnabled bool
	RomBank    byte
	RamOrRTC   byte
	LatchState byte
	RTC        [5]byte
	RTCLatched [5]byte
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := mbc3State{
		RAM: append([]byte(nil), m.ram...), RamEnabled: m.ramEnabled, RomBank: m.romBank,
		RamOrRTC: m.ramOrRTC, LatchState: m.latchState, RTC: m.rtc, RTCLatched: m.rtcLatched,
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	if len(m.ram) > 0 && len(s.RAM) > 0 {
		copy(m.ram, s.RAM)
	}
	m.ramEnabled, m.romBank, m.ramOrRTC = s.RamEnabled, s.RomBank, s.RamOrRTC
	m.latchState, m.rtc, m.rtcLatched = s.LatchState, s.RTC, s.RTCLatched
}
