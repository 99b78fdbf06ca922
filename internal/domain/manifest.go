package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeploymentManifest is the optional minienv.json a repository may carry to
// control how its editor and proxy tabs are presented.
type DeploymentManifest struct {
	Editor EditorSection `json:"editor"`
	Proxy  ProxySection  `json:"proxy"`
}

type EditorSection struct {
	Hide   bool   `json:"hide"`
	SrcDir string `json:"srcDir"`
}

type ProxySection struct {
	Ports []ProxyPortRule `json:"ports"`
}

// ProxyPortRule overrides the default tab of one compose port. Rules are applied
// in file order.
type ProxyPortRule struct {
	Port ManifestPort  `json:"port"`
	Hide bool          `json:"hide"`
	Name *string       `json:"name"`
	Path *string       `json:"path"`
	Tabs []ProxySubTab `json:"tabs"`
}

type ProxySubTab struct {
	Name *string `json:"name"`
}

// ManifestPort accepts both 8080 and "8080". Anything else decodes to 0, which
// never matches a compose port.
type ManifestPort int

func (p *ManifestPort) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n != float64(int(n)) {
		*p = 0
		return nil
	}
	*p = ManifestPort(int(n))
	return nil
}

// ParseManifest decodes a manifest. Empty input yields an empty manifest.
func ParseManifest(data []byte) (DeploymentManifest, error) {
	var m DeploymentManifest
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return DeploymentManifest{}, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}
	return m, nil
}

// Source is what a deployment needs from a repository, retrieved before any
// slot or stack is touched.
type Source struct {
	Repo     string
	Compose  ComposeFile
	Manifest DeploymentManifest
}
