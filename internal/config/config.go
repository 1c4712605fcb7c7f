// Package config loads and saves TOML settings shared by the CLI and the
// windowed frontend: key bindings, sample rate and trace flag. There is no
// boot ROM path here — this core never executes a boot ROM.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/hajimehoshi/ebiten/v2"
)

// KeyBindings maps each DMG button to the ebiten key that presses it.
type KeyBindings struct {
	Right ebiten.Key `toml:"right"`
	Left  ebiten.Key `toml:"left"`
	Up    ebiten.Key `toml:"up"`
	Down  ebiten.Key `toml:"down"`
	A     ebiten.Key `toml:"a"`
	B     ebiten.Key `toml:"b"`
	Start ebiten.Key `toml:"start"`
	Select ebiten.Key `toml:"select"`
}

// DefaultKeyBindings mirrors the layout most DMG emulator frontends ship
// with out of the box: arrow keys plus Z/X for A/B.
func DefaultKeyBindings() KeyBindings {
	return KeyBindings{
		Right:  ebiten.KeyArrowRight,
		Left:   ebiten.KeyArrowLeft,
		Up:     ebiten.KeyArrowUp,
		Down:   ebiten.KeyArrowDown,
		A:      ebiten.KeyZ,
		B:      ebiten.KeyX,
		Start:  ebiten.KeyEnter,
		Select: ebiten.KeyShiftRight,
	}
}

// Config is the full set of persisted settings.
type Config struct {
	Keys       KeyBindings `toml:"keys"`
	SampleRate int         `toml:"sample_rate"`
	Trace      bool        `toml:"trace"`
	Scale      int         `toml:"scale"`
	Title      string      `toml:"title"`
}

// Default returns the configuration used when no config file exists yet.
func Default() Config {
	return Config{
		Keys:       DefaultKeyBindings(),
		SampleRate: 44100,
		Trace:      false,
		Scale:      3,
		Title:      "gbcore",
	}
}

const (
	dirName  = "gbcore"
	fileName = "config.toml"
	fileMode = os.FileMode(0644)
	dirMode  = os.FileMode(0755)
)

// Dir returns (and creates, if missing) the per-user config directory.
var Dir = sync.OnceValue(func() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	dir := filepath.Join(base, dirName)
	_ = os.MkdirAll(dir, dirMode)
	return dir
})

// LoadOrDefault loads config.toml from Dir, falling back to Default when the
// file is missing or malformed.
func LoadOrDefault() Config {
	var cfg Config
	if _, err := toml.DecodeFile(filepath.Join(Dir(), fileName), &cfg); err != nil {
		return Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 3
	}
	return cfg
}

// Save writes cfg to config.toml in Dir.
func Save(cfg Config) error {
	f, err := os.OpenFile(filepath.Join(Dir(), fileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
