package ppu

// VRAMReader provides read-only access for the scanline fetchers below. It
// abstracts how VRAM bytes are read (a plain map in tests, the live PPU's
// RawVRAM in machine.renderFrame).
type VRAMReader interface {
	Read(addr uint16) byte
}

// fifo is a ring buffer of 2-bit BG/window color indices. Real DMG hardware
// keeps a running FIFO that the pixel-transfer state machine drains one dot
// at a time; this renderer refills it a whole tile row at a time, and only
// once the previous row has been fully popped (see
// RenderBGScanlineUsingFetcher).
type fifo struct {
	buf  [32]byte // room for several tiles
	head int
	tail int
	size int
}

func (q *fifo) Clear()   { q.head, q.tail, q.size = 0, 0, 0 }
func (q *fifo) Len() int { return q.size }
func (q *fifo) Push(ci byte) bool {
	if q.size == len(q.buf) {
		return false
	}
	q.buf[q.tail] = ci & 0x03
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	return true
}
func (q *fifo) Pop() (byte, bool) {
	if q.size == 0 {
		return 0, false
	}
	v := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// interleaveTable[lo][hi] holds the 8 packed 2-bit color indices a tile
// row's low/high bitplane byte pair decodes to, leftmost pixel (bit 7 of
// each plane) first. Bitplane interleaving runs once per tile fetched by
// every BG, window and sprite line, so it is precomputed here instead of
// re-run as an 8-iteration bit-shift loop on every fetch.
var interleaveTable = buildInterleaveTable()

func buildInterleaveTable() [256][256][8]byte {
	var t [256][256][8]byte
	for lo := 0; lo < 256; lo++ {
		for hi := 0; hi < 256; hi++ {
			for px := 0; px < 8; px++ {
				bit := 7 - uint(px)
				t[lo][hi][px] = ((byte(hi)>>bit)&1)<<1 | ((byte(lo) >> bit) & 1)
			}
		}
	}
	return t
}

// decodeTileRow returns the 8 color indices for one tile row given its two
// bitplane bytes, leftmost pixel first.
func decodeTileRow(lo, hi byte) [8]byte {
	return interleaveTable[lo][hi]
}

// bgFetcher pulls one tile row (8 pixels) into the FIFO. It backs both the
// BG and window scanline renderers below; a window fetch is a BG fetch
// against the window's own tile map with the window's own fine-Y.
type bgFetcher struct {
	mem           VRAMReader
	fifo          *fifo
	mapBase       uint16 // 0x9800 or 0x9C00
	tileData8000  bool   // true: 0x8000 addressing; false: 0x8800 signed
	tileIndexAddr uint16 // tile index address within map
	fineY         byte   // 0..7 within tile
}

func newBGFetcher(mem VRAMReader, f *fifo) *bgFetcher { return &bgFetcher{mem: mem, fifo: f} }

// Configure sets tilemap and addressing mode for the next fetch.
func (fch *bgFetcher) Configure(mapBase uint16, tileData8000 bool, tileIndexAddr uint16, fineY byte) {
	fch.mapBase = mapBase
	fch.tileData8000 = tileData8000
	fch.tileIndexAddr = tileIndexAddr
	fch.fineY = fineY & 7
}

// Fetch pushes 8 pixels (color indices) for the current tile row to the FIFO.
func (fch *bgFetcher) Fetch() {
	tileNum := fch.mem.Read(fch.tileIndexAddr)
	var base uint16
	if fch.tileData8000 {
		base = 0x8000 + uint16(tileNum)*16 + uint16(fch.fineY)*2
	} else {
		base = 0x9000 + uint16(int8(tileNum))*16 + uint16(fch.fineY)*2
	}
	lo := fch.mem.Read(base)
	hi := fch.mem.Read(base + 1)
	row := decodeTileRow(lo, hi)
	for _, ci := range row {
		_ = fch.fifo.Push(ci)
	}
}

// RenderBGScanlineUsingFetcher renders 160 BG pixels for the given LY. It is
// the sole BG rendering path wired into machine.renderFrame: this core has
// no CGB or per-pixel fallback, so every frame goes through this fetcher.
// Inputs:
// - mem: VRAM reader
// - mapBase: 0x9800 or 0x9C00
// - tileData8000: true -> 0x8000 addressing; false -> 0x8800 signed addressing
// - scx, scy: scroll registers
// - ly: current scanline (0..143)
// Output: 160 color indices (0..3)
func RenderBGScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, scx, scy, ly byte) [160]byte {
	var out [160]byte

	// Compute BG coordinates.
	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31 // 0..31 rows

	startX := uint16(scx)
	tileX := (startX >> 3) & 31
	fineX := int(startX & 7)

	// Map index address for the first tile column.
	tileIndexAddr := mapBase + mapY*32 + tileX

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
	f.Fetch()
	// Discard scx fractional pixels.
	for i := 0; i < fineX; i++ {
		_, _ = q.Pop()
	}

	// Produce 160 pixels, fetching new tiles as the FIFO empties.
	for x := 0; x < 160; x++ {
		if q.Len() == 0 {
			// Advance to next tile in map row (wrap at 32 tiles).
			tileX = (tileX + 1) & 31
			tileIndexAddr = mapBase + mapY*32 + tileX
			f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
			f.Fetch()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}

// RenderWindowScanlineUsingFetcher renders the window layer for one scanline
// starting at winXStart (WX-7, clamped to 0). Pixels left of winXStart are
// left at 0 for the caller to leave the BG layer showing through. fineY is
// the window's internal line counter: its upper bits select the tile-map
// row and its low three bits the row within the tile. The counter only
// advances on scanlines where the window was actually drawn, which
// machine.renderFrame tracks separately via the PPU's per-line register
// snapshots.
func RenderWindowScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, winXStart byte, fineY byte) [160]byte {
	var out [160]byte

	tileX := uint16(0)
	mapY := uint16(fineY>>3) & 31
	tileIndexAddr := mapBase + mapY*32 + tileX

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
	f.Fetch()

	for x := int(winXStart); x < 160; x++ {
		if q.Len() == 0 {
			tileX++
			tileIndexAddr = mapBase + mapY*32 + tileX
			f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
			f.Fetch()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}
