package assistant

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

type Preset struct {
	Name   string `yaml:"name" json:"name"`
	Label  string `yaml:"label" json:"label"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

var loadPresets = sync.OnceValue(func() []Preset {
	var presets []Preset
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		panic(fmt.Sprintf("assistant: embedded presets: %v", err))
	}
	return presets
})

// Presets lists the canned prompts in display order.
func Presets() []Preset {
	return append([]Preset(nil), loadPresets()...)
}

func LookupPreset(name string) (Preset, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer("-", "", "_", "").Replace(name)
	for _, p := range loadPresets() {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
