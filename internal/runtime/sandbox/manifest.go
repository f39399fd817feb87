package sandbox

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// PortSpec declares one port in a widget manifest.
type PortSpec struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ManifestIO declares the widget's pipeline surface.
type ManifestIO struct {
	Inputs  []PortSpec `json:"inputs"`
	Outputs []PortSpec `json:"outputs"`
}

// Manifest describes a widget build: identity, pipeline ports, and the
// capabilities it wants up front.
type Manifest struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	IO           ManifestIO `json:"io"`
	Capabilities []string   `json:"capabilities,omitempty"`
}

// ParseManifest parses and validates a widget manifest.
func ParseManifest(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := sonic.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse widget manifest: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("parse widget manifest: missing id")
	}
	seen := make(map[string]struct{})
	for _, p := range append(append([]PortSpec{}, m.IO.Inputs...), m.IO.Outputs...) {
		if p.ID == "" {
			return nil, fmt.Errorf("parse widget manifest %s: port with empty id", m.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("parse widget manifest %s: duplicate port id %q", m.ID, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return &m, nil
}
