package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// ComposeFile is the subset of a repository's docker-compose file that drives
// tab derivation. Services keep their file order.
type ComposeFile struct {
	Services []ComposeService
}

// ComposeService lists the ports one service publishes. For "host:container"
// specs the host side is recorded, since that is the port reachable behind the
// environment proxy.
type ComposeService struct {
	Name  string
	Ports []int
}

// ParseComposeFile parses compose YAML. A file without a services section is valid
// and yields no services.
func ParseComposeFile(data []byte) (ComposeFile, error) {
	var doc struct {
		Services yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ComposeFile{}, fmt.Errorf("failed to parse compose yaml: %w", err)
	}

	var file ComposeFile
	if doc.Services.Kind != yaml.MappingNode {
		return file, nil
	}

	content := doc.Services.Content
	for i := 0; i+1 < len(content); i += 2 {
		svc := ComposeService{Name: content[i].Value}

		var body struct {
			Ports []yaml.Node `yaml:"ports"`
		}
		// A service body that is not a mapping has no ports we can use.
		if err := content[i+1].Decode(&body); err == nil {
			for j := range body.Ports {
				svc.Ports = append(svc.Ports, portsFromNode(&body.Ports[j])...)
			}
		}
		file.Services = append(file.Services, svc)
	}
	return file, nil
}

// Ports returns every distinct port declared across all services, in
// declaration order.
func (f ComposeFile) Ports() []int {
	seen := make(map[int]bool)
	var ports []int
	for _, svc := range f.Services {
		for _, p := range svc.Ports {
			if p <= 0 || seen[p] {
				continue
			}
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports
}

func portsFromNode(n *yaml.Node) []int {
	switch n.Kind {
	case yaml.ScalarNode:
		return portsFromShortSyntax(n.Value)
	case yaml.MappingNode:
		var long struct {
			Target    yaml.Node `yaml:"target"`
			Published yaml.Node `yaml:"published"`
		}
		if err := n.Decode(&long); err != nil {
			return nil
		}
		if v := strings.TrimSpace(long.Published.Value); v != "" {
			return expandRange(v)
		}
		return expandRange(strings.TrimSpace(long.Target.Value))
	default:
		return nil
	}
}

// portsFromShortSyntax handles "8080", "8080:80", "127.0.0.1:8080:80",
// "8000-8001:8000-8001" and protocol suffixes.
func portsFromShortSyntax(spec string) []int {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil
	}
	ports := make([]int, 0, len(mappings))
	for _, m := range mappings {
		if m.Binding.HostPort != "" {
			if p, err := strconv.Atoi(m.Binding.HostPort); err == nil {
				ports = append(ports, p)
			}
			continue
		}
		if p := m.Port.Int(); p > 0 {
			ports = append(ports, p)
		}
	}
	return ports
}

func expandRange(raw string) []int {
	if raw == "" {
		return nil
	}
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	start, end, err := nat.ParsePortRangeToInt(raw)
	if err != nil || start <= 0 {
		return nil
	}
	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return ports
}
