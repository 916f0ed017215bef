package regime

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/paycore/internal/config"
)

//go:embed presets.yaml
var presetsYAML []byte

// presets is decoded once; a malformed embedded file is a build defect.
var presets = mustLoadPresets(presetsYAML)

func mustLoadPresets(data []byte) map[string]config.RegimeDef {
	var defs map[string]config.RegimeDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		panic(fmt.Sprintf("regime: embedded presets: %v", err))
	}
	for name, def := range defs {
		d := def
		if _, err := Build(&d); err != nil {
			panic(fmt.Sprintf("regime: preset %s: %v", name, err))
		}
	}
	return defs
}

// Presets returns the built-in preset names, sorted.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetDef returns the definition of a built-in preset.
func PresetDef(name string) (config.RegimeDef, bool) {
	def, ok := presets[name]
	return def, ok
}

// BuildPreset compiles a built-in preset by name.
func BuildPreset(name string) (*Regime, error) {
	def, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("regime: unknown preset %q (have %v)", name, Presets())
	}
	return Build(&def)
}

// FromConfig builds the regime selected by a pipeline config: the custom
// definition when present, otherwise the named preset.
func FromConfig(c config.RegimeConf) (*Regime, error) {
	if c.Custom != nil {
		return Build(c.Custom)
	}
	return BuildPreset(c.Preset)
}
