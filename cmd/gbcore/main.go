// Command gbcore is the CLI front door for the emulator core: it can launch
// the windowed frontend, step a ROM headlessly for automation, print
// cartridge header info, capture audio to a WAV file, dump live machine
// state as a Graphviz graph, or drive a ROM from a Lua script.
package main

import (
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bradleyjkemp/memviz"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/tempest-emu/gbcore/internal/cart"
	"github.com/tempest-emu/gbcore/internal/config"
	"github.com/tempest-emu/gbcore/internal/machine"
	"github.com/tempest-emu/gbcore/internal/uiapp"
)

const (
	screenW = 160
	screenH = 144
)

type runCmd struct {
	ROM   string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
	Scale int    `help:"window scale" default:"3"`
	Title string `help:"window title"`
}

type headlessCmd struct {
	ROM    string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
	Frames int    `help:"frames to run" default:"300"`
	OutPNG string `help:"write the final framebuffer to this PNG path"`
	Expect string `help:"assert the final framebuffer's CRC32 (hex)"`
}

type rominfoCmd struct {
	ROM string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
}

type recordAudioCmd struct {
	ROM        string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
	Frames     int    `help:"frames to run" default:"600"`
	Out        string `help:"output WAV path" default:"capture.wav"`
	SampleRate int    `help:"APU sample rate" default:"44100"`
}

type debugDumpCmd struct {
	ROM    string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
	Frames int    `help:"frames to run before dumping" default:"60"`
	Out    string `help:"output .dot path" default:"machine.dot"`
}

type scriptCmd struct {
	ROM    string `arg:"" name:"rom" help:"path to a .gb ROM" type:"existingfile"`
	Script string `arg:"" name:"script" help:"Lua automation script" type:"existingfile"`
	Frames int    `help:"frame budget reported when the script ends; the script's step calls decide how many frames run" default:"3600"`
}

var cli struct {
	Trace bool `help:"raise the log level to debug (no per-instruction trace is logged)" default:"false"`

	Run         runCmd         `cmd:"" help:"Launch the windowed frontend against a ROM."`
	Headless    headlessCmd    `cmd:"" help:"Run N frames without a window."`
	Rominfo     rominfoCmd     `cmd:"" help:"Parse and print cartridge header fields." name:"rominfo"`
	RecordAudio recordAudioCmd `cmd:"" help:"Capture N frames of audio to a WAV file." name:"record-audio"`
	DebugDump   debugDumpCmd   `cmd:"" help:"Dump live machine state as a Graphviz .dot file." name:"debug-dump"`
	Script      scriptCmd      `cmd:"" help:"Drive a ROM headlessly from a Lua automation script."`
}

func newLogger(trace bool) *logrus.Logger {
	log := logrus.New()
	if trace {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func loadMachine(romPath string, sampleRate int, log *logrus.Logger) (*machine.Machine, error) {
	rom, err := os.ReadFile(romPath)
	if err != nil {
		return nil, fmt.Errorf("read ROM: %w", err)
	}
	m := machine.New(log)
	if err := m.LoadROM(rom, sampleRate); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *runCmd) Run(cfg config.Config, log *logrus.Logger) error {
	m, err := loadMachine(c.ROM, cfg.SampleRate, log)
	if err != nil {
		return err
	}
	if c.Scale > 0 {
		cfg.Scale = c.Scale
	}
	if c.Title != "" {
		cfg.Title = c.Title
	}
	app := uiapp.NewApp(cfg, m)
	defer app.Close()
	return app.Run()
}

func (c *headlessCmd) Run(cfg config.Config, log *logrus.Logger) error {
	m, err := loadMachine(c.ROM, cfg.SampleRate, log)
	if err != nil {
		return err
	}

	frames := c.Frames
	if frames <= 0 {
		frames = 1
	}
	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}
	elapsed := time.Since(start)

	fb := m.Framebuffer()
	crc := crc32.ChecksumIEEE(fb)
	log.WithFields(logrus.Fields{
		"frames": frames,
		"elapsed": elapsed.Truncate(time.Millisecond),
		"fps": float64(frames) / elapsed.Seconds(),
		"fb_crc32": fmt.Sprintf("%08x", crc),
	}).Info("headless run complete")

	if c.OutPNG != "" {
		if err := writeFramePNG(fb, c.OutPNG); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
	}
	if c.Expect != "" {
		want := strings.TrimPrefix(strings.ToLower(c.Expect), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func writeFramePNG(bgra []byte, path string) error {
	img := &image.RGBA{Pix: make([]byte, len(bgra)), Stride: 4 * screenW, Rect: image.Rect(0, 0, screenW, screenH)}
	for i := 0; i+3 < len(bgra); i += 4 {
		img.Pix[i+0] = bgra[i+2]
		img.Pix[i+1] = bgra[i+1]
		img.Pix[i+2] = bgra[i+0]
		img.Pix[i+3] = bgra[i+3]
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func (c *rominfoCmd) Run() error {
	rom, err := os.ReadFile(c.ROM)
	if err != nil {
		return fmt.Errorf("read ROM: %w", err)
	}
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	fmt.Printf("title:         %s\n", h.Title)
	fmt.Printf("cart type:     %s\n", h.CartTypeStr)
	fmt.Printf("rom banks:     %d\n", h.ROMBanks)
	fmt.Printf("rom bytes:     %d\n", h.ROMSizeBytes)
	fmt.Printf("ram bytes:     %d\n", h.RAMSizeBytes)
	fmt.Printf("cgb flag:      %#02x\n", h.CGBFlag)
	fmt.Printf("sgb flag:      %#02x\n", h.SGBFlag)
	fmt.Printf("rom version:   %d\n", h.ROMVersion)
	fmt.Printf("header cksum:  %#02x\n", h.HeaderChecksum)
	fmt.Printf("global cksum:  %#04x\n", h.GlobalChecksum)
	return nil
}

func (c *recordAudioCmd) Run(log *logrus.Logger) error {
	m, err := loadMachine(c.ROM, c.SampleRate, log)
	if err != nil {
		return err
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, c.SampleRate, 16, 2, 1)
	defer enc.Close()

	buf := &audio.IntBuffer{Format: &audio.Format{SampleRate: c.SampleRate, NumChannels: 2}}

	frames := c.Frames
	if frames <= 0 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		m.StepFrame()
		m.EmitToSinks()
		select {
		case samples := <-m.AudioSink():
			buf.Data = buf.Data[:0]
			for _, s := range samples {
				v := int(s * 32767)
				if v > 32767 {
					v = 32767
				} else if v < -32768 {
					v = -32768
				}
				buf.Data = append(buf.Data, v)
			}
			if len(buf.Data) > 0 {
				if err := enc.Write(buf); err != nil {
					return fmt.Errorf("write WAV: %w", err)
				}
			}
		default:
		}
	}
	log.WithField("out", c.Out).Info("audio capture complete")
	return nil
}

func (c *debugDumpCmd) Run(log *logrus.Logger) error {
	m, err := loadMachine(c.ROM, 44100, log)
	if err != nil {
		return err
	}
	frames := c.Frames
	if frames <= 0 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	defer f.Close()

	memviz.Map(f, m)
	log.WithField("out", c.Out).Info("machine state dumped")
	return nil
}

// Run executes a Lua automation script against the ROM. The script drives
// the machine via global functions bound into the interpreter:
// press(name)/release(name) and step(n).
func (c *scriptCmd) Run(log *logrus.Logger) error {
	m, err := loadMachine(c.ROM, 44100, log)
	if err != nil {
		return err
	}

	L := lua.NewState()
	defer L.Close()

	buttons := machine.Buttons{}
	applyButtons := func() { m.SetButtons(buttons) }

	setButtonField := func(name string, v bool) bool {
		switch strings.ToLower(name) {
		case "right":
			buttons.Right = v
		case "left":
			buttons.Left = v
		case "up":
			buttons.Up = v
		case "down":
			buttons.Down = v
		case "a":
			buttons.A = v
		case "b":
			buttons.B = v
		case "start":
			buttons.Start = v
		case "select":
			buttons.Select = v
		default:
			return false
		}
		return true
	}

	L.SetGlobal("press", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		setButtonField(name, true)
		applyButtons()
		return 0
	}))
	L.SetGlobal("release", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		setButtonField(name, false)
		applyButtons()
		return 0
	}))
	L.SetGlobal("step", L.NewFunction(func(L *lua.LState) int {
		n := L.OptInt(1, 1)
		for i := 0; i < n; i++ {
			m.StepFrame()
		}
		return 0
	}))

	if err := L.DoFile(c.Script); err != nil {
		return fmt.Errorf("run script: %w", err)
	}

	log.WithField("frames_budget", c.Frames).Info("script finished")
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("gbcore"),
		kong.Description("Game Boy emulator core CLI."),
		kong.UsageOnError(),
	)

	cfg := config.LoadOrDefault()
	cfg.Trace = cfg.Trace || cli.Trace
	log := newLogger(cfg.Trace)

	var err error
	switch ctx.Command() {
	case "run <rom>":
		err = cli.Run.Run(cfg, log)
	case "headless <rom>":
		err = cli.Headless.Run(cfg, log)
	case "rominfo <rom>":
		err = cli.Rominfo.Run()
	case "record-audio <rom>":
		err = cli.RecordAudio.Run(log)
	case "debug-dump <rom>":
		err = cli.DebugDump.Run(log)
	case "script <rom> <script>":
		err = cli.Script.Run(log)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		log.Fatal(err)
	}
}
