// Package uiapp is the windowed ebiten frontend: it drives a machine.Machine
// via its channel-backed frame and audio sinks rather than stepping the core
// itself, and turns keyboard state into machine.Buttons each Update.
package uiapp

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/tempest-emu/gbcore/internal/config"
	"github.com/tempest-emu/gbcore/internal/machine"
)

const (
	screenW = 160
	screenH = 144
)

// App is an ebiten.Game that renders a machine.Machine's frame sink and
// plays its audio sink through ebiten's oto-backed audio context.
type App struct {
	cfg config.Config
	m   *machine.Machine
	tex *ebiten.Image

	cancel context.CancelFunc

	audioCtx    *audio.Context
	audioPlayer *audio.Player
	audioSrc    *sinkStream

	paused   bool
	showMenu bool
	menuIdx  int // 0: Save, 1: Load, 2: Reset, 3: Close

	lastFrame []byte
}

// NewApp creates a frontend for m using cfg's key bindings and window title,
// and starts m's clock worker in the background.
func NewApp(cfg config.Config, m *machine.Machine) *App {
	if cfg.Scale <= 0 {
		cfg.Scale = 3
	}
	ebiten.SetWindowTitle(cfg.Title)
	ebiten.SetWindowSize(screenW*cfg.Scale, screenH*cfg.Scale)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{cfg: cfg, m: m, cancel: cancel, audioCtx: audio.NewContext(44100)}

	a.audioSrc = &sinkStream{m: m}
	if p, err := a.audioCtx.NewPlayer(a.audioSrc); err == nil {
		a.audioPlayer = p
		a.audioPlayer.SetBufferSize(40 * time.Millisecond)
		a.audioPlayer.Play()
	}

	m.Start(ctx)
	return a
}

// Run blocks running the ebiten game loop until the window closes.
func (a *App) Run() error { return ebiten.RunGame(a) }

// Close stops the machine's clock worker.
func (a *App) Close() { a.cancel() }

func (a *App) Update() error {
	var btn machine.Buttons
	kb := a.cfg.Keys
	btn.Right = ebiten.IsKeyPressed(kb.Right)
	btn.Left = ebiten.IsKeyPressed(kb.Left)
	btn.Up = ebiten.IsKeyPressed(kb.Up)
	btn.Down = ebiten.IsKeyPressed(kb.Down)
	btn.A = ebiten.IsKeyPressed(kb.A)
	btn.B = ebiten.IsKeyPressed(kb.B)
	btn.Start = ebiten.IsKeyPressed(kb.Start)
	btn.Select = ebiten.IsKeyPressed(kb.Select)
	a.m.SetButtons(btn)

	if inpututil.IsKeyJustPressed(ebiten.KeyP) {
		a.paused = !a.paused
	}
	if a.paused && inpututil.IsKeyJustPressed(ebiten.KeyN) {
		a.m.StepFrame()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		a.showMenu = !a.showMenu
	}
	if a.showMenu {
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) && a.menuIdx > 0 {
			a.menuIdx--
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) && a.menuIdx < 3 {
			a.menuIdx++
		}
		if inpututil.IsKeyJustPressed(ebiten.KeyEnter) {
			switch a.menuIdx {
			case 0:
				_ = saveStateFile(a.m, "slot0.savestate")
			case 1:
				_ = loadStateFile(a.m, "slot0.savestate")
			case 2:
				_ = a.m.Reset()
			case 3:
				a.showMenu = false
			}
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		_ = a.saveScreenshot()
	}
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	select {
	case fb := <-a.m.FrameSink():
		a.lastFrame = fb
	default:
	}
	if a.lastFrame == nil {
		return
	}
	if a.tex == nil {
		a.tex = ebiten.NewImage(screenW, screenH)
	}
	a.tex.WritePixels(bgraToRGBA(a.lastFrame))
	screen.DrawImage(a.tex, nil)

	if a.showMenu {
		overlay := ebiten.NewImage(screenW, screenH)
		overlay.Fill(color.RGBA{0, 0, 0, 128})
		screen.DrawImage(overlay, nil)
		lines := []string{"Menu:", "  Save state (slot 0)", "  Load state (slot 0)", "  Reset", "  Close"}
		for i, s := range lines {
			prefix := "  "
			if i == a.menuIdx+1 {
				prefix = "> "
			}
			ebitenutil.DebugPrintAt(screen, prefix+s, 10, 10+i*14)
		}
	}
}

func (a *App) Layout(outW, outH int) (int, int) { return screenW, screenH }

// bgraToRGBA converts the machine's BGRA8888 framebuffer to the RGBA8888
// layout ebiten.Image.WritePixels expects.
func bgraToRGBA(bgra []byte) []byte {
	out := make([]byte, len(bgra))
	for i := 0; i+3 < len(bgra); i += 4 {
		out[i+0] = bgra[i+2]
		out[i+1] = bgra[i+1]
		out[i+2] = bgra[i+0]
		out[i+3] = bgra[i+3]
	}
	return out
}

func (a *App) saveScreenshot() error {
	if a.lastFrame == nil {
		return nil
	}
	rgba := bgraToRGBA(a.lastFrame)
	img := &image.RGBA{Pix: rgba, Stride: 4 * screenW, Rect: image.Rect(0, 0, screenW, screenH)}
	ts := time.Now().Format("20060102_150405")
	f, err := os.Create(fmt.Sprintf("screenshot_%s.png", ts))
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func saveStateFile(m *machine.Machine, path string) error {
	return os.WriteFile(path, m.SaveState(), 0644)
}

func loadStateFile(m *machine.Machine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
