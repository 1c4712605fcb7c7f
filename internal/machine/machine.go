// Package machine wires the cartridge, MMU, CPU and clock into a single
// steppable DMG core, exposing the two boundaries a frontend needs: a
// framebuffer sink and an audio sink, plus button/volume setters that are
// safe to call from a goroutine other than the one stepping the core.
package machine

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tempest-emu/gbcore/internal/cart"
	"github.com/tempest-emu/gbcore/internal/clock"
	"github.com/tempest-emu/gbcore/internal/cpu"
	"github.com/tempest-emu/gbcore/internal/mmu"
	"github.com/tempest-emu/gbcore/internal/ppu"
)

const (
	screenW = 160
	screenH = 144

	frameSinkDepth = 2
	audioSinkDepth = 8
)

// Buttons is the pressed/released state of all eight DMG buttons.
type Buttons struct {
	Right, Left, Up, Down bool
	A, B, Select, Start   bool
}

// Machine owns one DMG cartridge session: cartridge, MMU, CPU and the clock
// that paces them. All CPU/MMU/PPU/APU state is touched only from the
// goroutine that calls Step/StepFrame (normally the Clock's worker); the
// exceptions are SetButtons and SetVolume, which are safe to call from any
// goroutine.
type Machine struct {
	mmu *mmu.MMU
	cpu *cpu.CPU

	fb   []byte // BGRA8888, screenW*screenH*4 bytes
	bgci []byte // BG/window color index (0..3) per pixel, for sprite priority

	lastROM        []byte
	lastSampleRate int

	log *logrus.Logger

	clock *clock.Clock

	buttonsMu sync.Mutex
	buttons   Buttons

	volumeMu sync.RWMutex
	volume   float64

	frameSink chan []byte
	audioSink chan []float32
}

// New creates an unloaded Machine. Call LoadROM before Start/StepFrame.
// A nil logger installs a default logrus.Logger.
func New(log *logrus.Logger) *Machine {
	if log == nil {
		log = logrus.New()
	}
	m := &Machine{
		fb:        make([]byte, screenW*screenH*4),
		bgci:      make([]byte, screenW*screenH),
		log:       log,
		volume:    1.0,
		frameSink: make(chan []byte, frameSinkDepth),
		audioSink: make(chan []float32, audioSinkDepth),
	}
	m.clock = clock.New(m)
	m.clock.SetFrameHook(m.EmitToSinks)
	return m
}

// LoadROM parses rom's header, selects the matching cartridge controller and
// resets the CPU to DMG post-boot state at $0100. External RAM is fresh
// (empty) after LoadROM; callers that need to preserve a save must read it
// via SaveBatteryRAM beforehand and restore it via LoadBatteryRAM after.
func (m *Machine) LoadROM(rom []byte, sampleRate int) error {
	hdr, err := cart.ParseHeader(rom)
	if err != nil {
		return fmt.Errorf("machine: load ROM: %w", err)
	}

	c := cart.NewCartridge(rom)
	mm := mmu.New(c, sampleRate)
	cp := cpu.New(mm)
	cp.ResetNoBoot()
	cp.SetPC(0x0100)
	applyPostBootIO(mm)

	m.mmu = mm
	m.cpu = cp
	m.lastROM = rom
	m.lastSampleRate = sampleRate

	m.log.WithFields(logrus.Fields{
		"title":     hdr.Title,
		"cart_type": hdr.CartTypeStr,
		"rom_banks": hdr.ROMBanks,
		"ram_bytes": hdr.RAMSizeBytes,
	}).Info("cartridge loaded")
	return nil
}

// Reset reloads the most recently loaded ROM from scratch, discarding CPU,
// MMU and cartridge banking state (external RAM is also reset, since a
// fresh cart.Cartridge is constructed). Two successive Reset calls produce
// identical internal state, since LoadROM is deterministic in the ROM
// bytes and sample rate alone.
func (m *Machine) Reset() error {
	if m.lastROM == nil {
		return fmt.Errorf("machine: reset called before any LoadROM")
	}
	return m.LoadROM(m.lastROM, m.lastSampleRate)
}

// applyPostBootIO sets the IO registers to their DMG post-boot defaults, the
// state the real boot ROM leaves behind just before jumping to $0100. This
// core never executes a boot ROM (spec.md carries no boot ROM model), so
// every load starts here directly.
func applyPostBootIO(m *mmu.MMU) {
	m.Write(0xFF00, 0xCF) // JOYP: no group selected
	m.Write(0xFF05, 0x00) // TIMA
	m.Write(0xFF06, 0x00) // TMA
	m.Write(0xFF07, 0x00) // TAC: disabled
	m.Write(0xFF40, 0x91) // LCDC: LCD on, tile data 8000, BG map 9800, BG on; sprites and window off
	m.Write(0xFF42, 0x00) // SCY
	m.Write(0xFF43, 0x00) // SCX
	m.Write(0xFF45, 0x00) // LYC
	m.Write(0xFF47, 0xFC) // BGP
	m.Write(0xFF48, 0xFF) // OBP0
	m.Write(0xFF49, 0xFF) // OBP1
	m.Write(0xFF4A, 0x00) // WY
	m.Write(0xFF4B, 0x00) // WX
	m.Write(0xFFFF, 0x00) // IE: none enabled
	m.Write(0xFF26, 0x80) // NR52: power on
	m.Write(0xFF24, 0x77) // NR50: Vin off, L=7, R=7
	m.Write(0xFF25, 0xF3) // NR51: all four channels left, ch1/ch2 right
}

// SetButtons replaces the pressed-button state wholesale. Safe to call from
// any goroutine; takes effect on the core's next Step.
func (m *Machine) SetButtons(b Buttons) {
	m.buttonsMu.Lock()
	m.buttons = b
	m.buttonsMu.Unlock()

	if m.mmu == nil {
		return
	}
	var mask byte
	if b.Right {
		mask |= mmu.JoypRight
	}
	if b.Left {
		mask |= mmu.JoypLeft
	}
	if b.Up {
		mask |= mmu.JoypUp
	}
	if b.Down {
		mask |= mmu.JoypDown
	}
	if b.A {
		mask |= mmu.JoypA
	}
	if b.B {
		mask |= mmu.JoypB
	}
	if b.Select {
		mask |= mmu.JoypSelectBtn
	}
	if b.Start {
		mask |= mmu.JoypStart
	}
	m.mmu.SetJoypadState(mask)
}

// Buttons returns the last state passed to SetButtons.
func (m *Machine) Buttons() Buttons {
	m.buttonsMu.Lock()
	defer m.buttonsMu.Unlock()
	return m.buttons
}

// SetVolume sets a host-side gain applied to samples pulled into the audio
// sink, independent of the emulated NR50/NR51 mixing. Safe to call from any
// goroutine. Values outside [0,1] are clamped.
func (m *Machine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	m.volumeMu.Lock()
	m.volume = v
	m.volumeMu.Unlock()
}

// Volume returns the current host-side gain.
func (m *Machine) Volume() float64 {
	m.volumeMu.RLock()
	defer m.volumeMu.RUnlock()
	return m.volume
}

// Start spawns the clock's frame-pacing worker, pacing StepFrame calls at
// the DMG's ~59.73Hz refresh rate until ctx is canceled or Stop is called.
func (m *Machine) Start(ctx context.Context) { m.clock.Start(ctx) }

// Stop requests the worker to exit at the next frame boundary and blocks
// until it has.
func (m *Machine) Stop() { m.clock.Stop() }

// StepFrame advances the core by one video frame (~70,224 T-cycles) and
// renders the resulting framebuffer. Implements clock.Stepper. Safe to call
// directly (bypassing Start/Stop) for headless, unpaced stepping.
func (m *Machine) StepFrame() {
	if m.cpu == nil {
		return
	}
	acc := 0
	for acc < clock.TCyclesPerFrame {
		acc += m.cpu.Step()
	}
	m.renderFrame()
}

// EmitToSinks copies the current framebuffer and drains buffered audio into
// FrameSink/AudioSink. It is the clock's frame hook, called automatically on
// the worker goroutine after every StepFrame while Start is running; callers
// stepping the machine directly (headless tooling) call it themselves after
// StepFrame to populate the sinks.
func (m *Machine) EmitToSinks() {
	frame := make([]byte, len(m.fb))
	copy(frame, m.fb)
	sendDropOldest(m.frameSink, frame)

	if m.mmu == nil {
		return
	}
	samples := m.mmu.APU().PullStereo(4096)
	if len(samples) == 0 {
		return
	}
	gain := float32(m.Volume())
	if gain != 1 {
		for i := range samples {
			samples[i] *= gain
		}
	}
	sendDropOldest(m.audioSink, samples)
}

// FrameSink returns the channel on which finished framebuffers are
// delivered. Each value is a fresh copy safe to retain; backpressure drops
// the oldest buffered frame rather than blocking the worker.
func (m *Machine) FrameSink() <-chan []byte { return m.frameSink }

// AudioSink returns the channel on which interleaved stereo sample batches
// are delivered; backpressure drops the oldest buffered batch.
func (m *Machine) AudioSink() <-chan []float32 { return m.audioSink }

// Framebuffer returns the live BGRA8888 framebuffer for synchronous callers
// (headless tooling) that step the machine themselves and don't need the
// channel-based sinks.
func (m *Machine) Framebuffer() []byte { return m.fb }

// SetSerialWriter connects a sink for bytes clocked out over SB/SC, the
// channel blargg-style test ROMs use to report pass/fail.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.mmu != nil {
		m.mmu.SetSerialWriter(w)
	}
}

// SaveBatteryRAM returns a copy of the cartridge's external RAM, if the
// loaded cartridge has any (ok is false otherwise).
func (m *Machine) SaveBatteryRAM() (data []byte, ok bool) {
	if m.mmu == nil {
		return nil, false
	}
	bb, isBattery := m.mmu.Cart().(cart.BatteryBacked)
	if !isBattery {
		return nil, false
	}
	data = bb.SaveRAM()
	return data, len(data) > 0
}

// LoadBatteryRAM restores external RAM bytes into the loaded cartridge, if
// it supports battery-backed RAM.
func (m *Machine) LoadBatteryRAM(data []byte) bool {
	if m.mmu == nil {
		return false
	}
	bb, ok := m.mmu.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

type machineState struct {
	MMU []byte
	CPU []byte
}

// SaveState serializes MMU and CPU state (which recursively covers the
// cartridge, PPU and APU) via gob.
func (m *Machine) SaveState() []byte {
	if m.mmu == nil || m.cpu == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(machineState{MMU: m.mmu.SaveState(), CPU: m.cpu.SaveState()})
	return buf.Bytes()
}

// LoadState restores state written by SaveState into the currently loaded
// machine. The cartridge must already be loaded (via LoadROM) with the same
// ROM the state was captured from.
func (m *Machine) LoadState(data []byte) error {
	if m.mmu == nil || m.cpu == nil {
		return fmt.Errorf("machine: load state before LoadROM")
	}
	var s machineState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return fmt.Errorf("machine: decode state: %w", err)
	}
	m.mmu.LoadState(s.MMU)
	m.cpu.LoadState(s.CPU)
	return nil
}

// vramAdapter adapts the PPU's CPU-access-restriction-free VRAM read to the
// ppu.VRAMReader interface the fetcher-based scanline renderers use.
type vramAdapter struct{ p *ppu.PPU }

func (a vramAdapter) Read(addr uint16) byte { return a.p.RawVRAM(addr) }

// shade maps a two-bit DMG palette entry to its BGRA8888 gray level.
func shade(paletteEntry byte) byte {
	switch paletteEntry {
	case 0:
		return 0xFF
	case 1:
		return 0xAA
	case 2:
		return 0x55
	default:
		return 0x00
	}
}

func (m *Machine) setPixel(x, y int, gray byte) {
	i := (y*screenW + x) * 4
	m.fb[i+0] = gray // B
	m.fb[i+1] = gray // G
	m.fb[i+2] = gray // R
	m.fb[i+3] = 0xFF // A
}

// renderFrame composes BG, window and sprites for all 144 scanlines from
// the PPU's per-line register snapshots, using the fetcher-based renderers
// as the sole rendering path (there is no CGB or classic per-pixel
// fallback: DMG-only, one path, matching what the fetcher already covers).
func (m *Machine) renderFrame() {
	p := m.mmu.PPU()
	vr := vramAdapter{p: p}

	for y := 0; y < screenH; y++ {
		lr := p.LineRegs(y)
		lcdc := lr.LCDC
		scx, scy, bgp := lr.SCX, lr.SCY, lr.BGP
		wy, wx := lr.WY, lr.WX
		obp0, obp1 := lr.OBP0, lr.OBP1
		if lcdc == 0 {
			// No snapshot captured yet for this line (LCD just turned on
			// mid-frame, or this is frame 1); fall back to live registers.
			lcdc, scx, scy, bgp = p.LCDC(), p.SCX(), p.SCY(), p.BGP()
			wy, wx = p.WY(), p.WX()
			obp0, obp1 = p.OBP0(), p.OBP1()
		}

		rowOff := y * screenW
		if lcdc&0x80 == 0 || lcdc&0x01 == 0 {
			for x := 0; x < screenW; x++ {
				m.bgci[rowOff+x] = 0
				m.setPixel(x, y, shade(0))
			}
			continue
		}

		bgMapBase := uint16(0x9800)
		if lcdc&0x08 != 0 {
			bgMapBase = 0x9C00
		}
		tileData8000 := lcdc&0x10 != 0

		line := ppu.RenderBGScanlineUsingFetcher(vr, bgMapBase, tileData8000, scx, scy, byte(y))
		for x := 0; x < screenW; x++ {
			ci := line[x]
			m.bgci[rowOff+x] = ci
			m.setPixel(x, y, shade((bgp>>(ci*2))&0x03))
		}

		if lcdc&0x20 != 0 && y >= int(wy) && int(wy) < screenH {
			winXStart := int(wx) - 7
			if winXStart < screenW {
				winMapBase := uint16(0x9800)
				if lcdc&0x40 != 0 {
					winMapBase = 0x9C00
				}
				start := winXStart
				if start < 0 {
					start = 0
				}
				wline := ppu.RenderWindowScanlineUsingFetcher(vr, winMapBase, tileData8000, byte(start), lr.WinLine)
				for x := start; x < screenW; x++ {
					ci := wline[x]
					m.bgci[rowOff+x] = ci
					m.setPixel(x, y, shade((bgp>>(ci*2))&0x03))
				}
			}
		}

		if lcdc&0x02 != 0 {
			tall := lcdc&0x04 != 0
			sprites := ppu.ScanOAM(p.OAMSnapshot(), byte(y), tall)
			if len(sprites) > 0 {
				var bgciLine [160]byte
				copy(bgciLine[:], m.bgci[rowOff:rowOff+screenW])
				sline, palSel := ppu.ComposeSpriteLineExt(vr, sprites, byte(y), bgciLine, tall)
				for x := 0; x < screenW; x++ {
					ci := sline[x]
					if ci == 0 {
						continue
					}
					pal := obp0
					if palSel[x] == 1 {
						pal = obp1
					}
					m.setPixel(x, y, shade((pal>>(ci*2))&0x03))
				}
			}
		}
	}
}

// sendDropOldest sends v on ch without blocking; if ch is full, the oldest
// buffered value is discarded to make room, matching the "worker never
// blocks on a slow consumer" contract for frame and audio sinks.
func sendDropOldest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
