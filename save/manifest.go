package save

import (
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"strzcam.com/blackbox/retention"
	"strzcam.com/blackbox/store"
)

// Manifest describes one recording. It is written next to the recording
// as recording_<epoch>.yaml.
type Manifest struct {
	SessionID   string          `yaml:"session_id"`
	Reason      string          `yaml:"reason"`
	TriggeredAt time.Time       `yaml:"triggered_at"`
	Window      string          `yaml:"window"`
	Recording   string          `yaml:"recording"`
	FrameRate   float64         `yaml:"frame_rate"`
	Width       uint32          `yaml:"width"`
	Height      uint32          `yaml:"height"`
	Merged      bool            `yaml:"merged"`
	Sources     []SourceSummary `yaml:"sources"`
}

// SourceSummary is the content of one snapshot.
type SourceSummary struct {
	Name    string    `yaml:"name"`
	Samples int       `yaml:"samples"`
	First   time.Time `yaml:"first,omitempty"`
	Last    time.Time `yaml:"last,omitempty"`
}

func summarize[T any](name string, samples []retention.Sample[T]) SourceSummary {
	s := SourceSummary{Name: name, Samples: len(samples)}
	if len(samples) > 0 {
		s.First = samples[0].At.UTC()
		s.Last = samples[len(samples)-1].At.UTC()
	}
	return s
}

func writeManifest(fsys afero.Fs, dir string, epoch int64, m Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", err
	}
	name := store.Name(epoch, store.ManifestExt)
	if err := afero.WriteFile(fsys, filepath.Join(dir, name), data, 0644); err != nil {
		return "", err
	}
	return name, nil
}

// ReadManifest loads a manifest written by the coordinator.
func ReadManifest(fsys afero.Fs, path string) (Manifest, error) {
	var m Manifest
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return m, err
	}
	err = yaml.Unmarshal(data, &m)
	return m, err
}
