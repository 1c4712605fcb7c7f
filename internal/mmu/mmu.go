// Package mmu implements the DMG address bus: cartridge, work RAM, echo
// RAM, high RAM, the PPU/APU register windows, timers, joypad, serial and
// OAM DMA all live behind the single Read/Write surface the CPU drives.
package mmu

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync/atomic"

	"github.com/tempest-emu/gbcore/internal/apu"
	"github.com/tempest-emu/gbcore/internal/cart"
	"github.com/tempest-emu/gbcore/internal/ppu"
)

// Interrupt bits for IF/IE, in priority order.
const (
	IntVBlank = 1 << 0
	IntSTAT   = 1 << 1
	IntTimer  = 1 << 2
	IntSerial = 1 << 3
	IntJoypad = 1 << 4
)

// MMU wires the cartridge to work RAM, the PPU and APU register windows,
// and the small peripherals (timer, joypad, serial, OAM DMA).
type MMU struct {
	cart cart.Cartridge
	ppu  *ppu.PPU
	apu  *apu.APU

	wram [0x2000]byte
	hram [0x7F]byte

	ifReg byte
	ieReg byte

	// timer
	divInternal uint16
	tima        byte
	tma         byte
	tac         byte
	timerReloadDelay int // >0 while a TIMA overflow reload is pending; counts down to 0
	timerReloadPending bool

	// joypad
	joypSelect byte // bits 4-5 as written (0 = group selected), only touched by the CPU goroutine
	joypState  atomic.Uint32 // pressed-button mask (JoypX constants); written from the UI goroutine via SetJoypadState

	// serial
	sb           byte
	sc           byte
	serialWriter io.Writer

	dma dmaState
}

type dmaState struct {
	active   bool
	src      uint16
	progress int // 0..159, bytes copied so far
}

// New creates an MMU wired to the given cartridge, with a fresh PPU and an
// APU sampling at sampleRate.
func New(c cart.Cartridge, sampleRate int) *MMU {
	m := &MMU{cart: c, joypSelect: 0x30}
	m.ppu = ppu.New(m.requestInterrupt)
	m.apu = apu.New(sampleRate)
	return m
}

func (m *MMU) requestInterrupt(bit int) {
	m.ifReg |= byte(1 << uint(bit))
}

// PPU exposes the owned PPU for the machine's renderer.
func (m *MMU) PPU() *ppu.PPU { return m.ppu }

// APU exposes the owned APU for audio pulls.
func (m *MMU) APU() *apu.APU { return m.apu }

// Cart exposes the cartridge for battery save/load.
func (m *MMU) Cart() cart.Cartridge { return m.cart }

// SetSerialWriter connects an io.Writer that receives bytes shifted out over
// the serial port with the internal clock (used by test ROMs).
func (m *MMU) SetSerialWriter(w io.Writer) { m.serialWriter = w }

// RequestInterrupt sets an IF bit directly. Nothing in this core calls it;
// a joypad press does not raise an interrupt.
func (m *MMU) RequestInterrupt(bit int) { m.requestInterrupt(bit) }

func (m *MMU) Read(addr uint16) byte {
	if m.dma.active && addr >= 0xFE00 && addr <= 0xFE9F {
		return 0xFF
	}
	switch {
	case addr < 0x8000:
		return m.cart.Read(addr)
	case addr < 0xA000:
		return m.ppu.CPURead(addr)
	case addr < 0xC000:
		return m.cart.Read(addr)
	case addr < 0xE000:
		return m.wram[addr-0xC000]
	case addr < 0xFE00:
		return m.wram[addr-0xE000]
	case addr < 0xFEA0:
		return m.ppu.CPURead(addr)
	case addr < 0xFF00:
		return 0xFF
	case addr == 0xFF00:
		return m.readJOYP()
	case addr == 0xFF01:
		return m.sb
	case addr == 0xFF02:
		return m.sc | 0x7E
	case addr == 0xFF04:
		return byte(m.divInternal >> 8)
	case addr == 0xFF05:
		return m.tima
	case addr == 0xFF06:
		return m.tma
	case addr == 0xFF07:
		return 0xF8 | (m.tac & 0x07)
	case addr == 0xFF0F:
		return 0xE0 | (m.ifReg & 0x1F)
	case addr == 0xFF46:
		return byte(m.dma.src >> 8)
	case (addr >= 0xFF10 && addr <= 0xFF26) || (addr >= 0xFF30 && addr <= 0xFF3F):
		return m.apu.CPURead(addr)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		return m.ppu.CPURead(addr)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return m.hram[addr-0xFF80]
	case addr == 0xFFFF:
		return m.ieReg
	default:
		return 0xFF
	}
}

func (m *MMU) Write(addr uint16, value byte) {
	if m.dma.active && addr >= 0xFE00 && addr <= 0xFE9F {
		return
	}
	switch {
	case addr < 0x8000:
		m.cart.Write(addr, value)
	case addr < 0xA000:
		m.ppu.CPUWrite(addr, value)
	case addr < 0xC000:
		m.cart.Write(addr, value)
	case addr < 0xE000:
		m.wram[addr-0xC000] = value
	case addr < 0xFE00:
		m.wram[addr-0xE000] = value
	case addr < 0xFEA0:
		m.ppu.CPUWrite(addr, value)
	case addr < 0xFF00:
		// unusable
	case addr == 0xFF00:
		m.joypSelect = value & 0x30
	case addr == 0xFF01:
		m.sb = value
	case addr == 0xFF02:
		m.sc = value & 0x81
		if m.sc&0x81 == 0x81 { // internal clock, transfer starts immediately (no shift-clock timing)
			if m.serialWriter != nil {
				_, _ = m.serialWriter.Write([]byte{m.sb})
			}
			m.sc &^= 0x80
			m.requestInterrupt(3)
		}
	case addr == 0xFF04:
		m.writeDIV()
	case addr == 0xFF05:
		m.tima = value
		m.timerReloadPending = false
		m.timerReloadDelay = 0
	case addr == 0xFF06:
		m.tma = value
	case addr == 0xFF07:
		m.writeTAC(value)
	case addr == 0xFF0F:
		m.ifReg = value & 0x1F
	case addr == 0xFF46:
		m.startDMA(value)
	case (addr >= 0xFF10 && addr <= 0xFF26) || (addr >= 0xFF30 && addr <= 0xFF3F):
		m.apu.CPUWrite(addr, value)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		m.ppu.CPUWrite(addr, value)
	case addr >= 0xFF80 && addr <= 0xFFFE:
		m.hram[addr-0xFF80] = value
	case addr == 0xFFFF:
		m.ieReg = value
	}
}

// Tick advances every peripheral by the given number of T-cycles. The CPU
// calls this once per Step() with the cycles it consumed.
func (m *MMU) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		m.tickTimer(1)
		m.tickDMA(1)
	}
	m.ppu.Tick(cycles)
	m.apu.Tick(cycles)
}

// --- save state ---

type mmuState struct {
	Cart  []byte
	PPU   []byte
	APU   []byte
	WRAM  [0x2000]byte
	HRAM  [0x7F]byte
	IF    byte
	IE    byte
	Div   uint16
	Tima  byte
	Tma   byte
	Tac   byte
	ReloadDelay   int
	ReloadPending bool
	JoypSelect byte
	JoypState  byte
	SB, SC     byte
	DMAActive  bool
	DMASrc     uint16
	DMAProgress int
}

func (m *MMU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := mmuState{
		Cart: m.cart.SaveState(), PPU: m.ppu.SaveState(), APU: m.apu.SaveState(),
		WRAM: m.wram, HRAM: m.hram, IF: m.ifReg, IE: m.ieReg,
		Div: m.divInternal, Tima: m.tima, Tma: m.tma, Tac: m.tac,
		ReloadDelay: m.timerReloadDelay, ReloadPending: m.timerReloadPending,
		JoypSelect: m.joypSelect, JoypState: byte(m.joypState.Load()),
		SB: m.sb, SC: m.sc,
		DMAActive: m.dma.active, DMASrc: m.dma.src, DMAProgress: m.dma.progress,
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (m *MMU) LoadState(data []byte) {
	var s mmuState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return
	}
	m.cart.LoadState(s.Cart)
	m.ppu.LoadState(s.PPU)
	m.apu.LoadState(s.APU)
	m.wram, m.hram = s.WRAM, s.HRAM
	m.ifReg, m.ieReg = s.IF, s.IE
	m.divInternal, m.tima, m.tma, m.tac = s.Div, s.Tima, s.Tma, s.Tac
	m.timerReloadDelay, m.timerReloadPending = s.ReloadDelay, s.ReloadPending
	m.joypSelect = s.JoypSelect
	m.joypState.Store(uint32(s.JoypState))
	m.sb, m.sc = s.SB, s.SC
	m.dma = dmaState{active: s.DMAActive, src: s.DMASrc, progress: s.DMAProgress}
}
