package scanner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeFile models the few parts of a compose file the catalog cares
// about. Everything else in the document is ignored on purpose: compose
// files in the wild carry arbitrary extra keys and we never want to carry
// untyped blobs past this point.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image string        `yaml:"image"`
	Ports []composePort `yaml:"ports"`
}

// composePort accepts the short string syntax ("8080:80",
// "127.0.0.1:8080:80", "8080"), a bare scalar, and the long map syntax
// ({published: 8080, target: 80}). Anything unparseable is recorded as
// "no published port" rather than an error.
type composePort struct {
	host int
}

func (p *composePort) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		p.host = hostPortFromShort(value.Value)
	case yaml.MappingNode:
		var long struct {
			Published string `yaml:"published"`
		}
		if err := value.Decode(&long); err == nil {
			p.host = leadingInt(long.Published)
		}
	}
	return nil
}

// hostPortFromShort extracts the published host port from the short port
// syntax. A lone container port ("8080") publishes an ephemeral host port,
// so it yields nothing.
func hostPortFromShort(s string) int {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	// "127.0.0.1:8080:80" and "8080:80" both keep the host port at -2.
	return leadingInt(parts[len(parts)-2])
}

// leadingInt parses the leading digits of s, tolerating suffixes such as
// "/tcp" or a range "8000-8010" (the first port wins).
func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

// parseCompose extracts the service->host-port map and the declared image
// references from a compose document.
func parseCompose(data []byte) (map[string]int, []string, error) {
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	services := make(map[string]int)
	seen := make(map[string]struct{})
	var images []string
	for name, svc := range cf.Services {
		for _, port := range svc.Ports {
			if port.host > 0 {
				services[name] = port.host
				break // first published port represents the service
			}
		}
		if svc.Image != "" {
			if _, dup := seen[svc.Image]; !dup {
				seen[svc.Image] = struct{}{}
				images = append(images, svc.Image)
			}
		}
	}
	sort.Strings(images)
	return services, images, nil
}
