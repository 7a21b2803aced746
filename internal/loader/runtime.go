package loader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Env is what an executing entry may touch. There is no ambient global
// state: containers and elements are published only through these
// registries.
type Env struct {
	Containers *ContainerRegistry
	Elements   *ElementRegistry
}

// Runtime executes a fetched entry script.
type Runtime interface {
	Execute(ctx context.Context, scriptID string, src []byte, env Env) error
}

// Manifest is the declarative entry format understood by ManifestRuntime.
// JSON documents are accepted as well since they parse as YAML.
type Manifest struct {
	Container *struct {
		Scope   string                  `yaml:"scope"`
		Shared  []string                `yaml:"shared"`
		Modules map[string]ManifestPart `yaml:"modules"`
	} `yaml:"container"`
	Elements map[string]ManifestPart `yaml:"elements"`
}

type ManifestPart struct {
	HTML string `yaml:"html"`
}

func (p ManifestPart) Render(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, p.HTML)
	return err
}

// ManifestRuntime executes manifest entries.
type ManifestRuntime struct{}

func (ManifestRuntime) Execute(_ context.Context, scriptID string, src []byte, env Env) error {
	var m Manifest
	if err := yaml.Unmarshal(src, &m); err != nil {
		return fmt.Errorf("%s: parse entry: %w", scriptID, err)
	}
	if m.Container == nil && len(m.Elements) == 0 {
		return fmt.Errorf("%s: entry declares neither a container nor elements", scriptID)
	}
	if c := m.Container; c != nil {
		if strings.TrimSpace(c.Scope) == "" {
			return fmt.Errorf("%s: container scope is empty", scriptID)
		}
		env.Containers.Register(c.Scope, &manifestContainer{scope: c.Scope, requires: c.Shared, modules: c.Modules})
	}
	tags := make([]string, 0, len(m.Elements))
	for tag := range m.Elements {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if env.Elements.Defined(tag) {
			continue
		}
		if err := env.Elements.Define(tag, m.Elements[tag]); err != nil {
			return err
		}
	}
	return nil
}

type manifestContainer struct {
	scope    string
	requires []string
	modules  map[string]ManifestPart
}

func (c *manifestContainer) Init(_ context.Context, shared SharedScope) error {
	var missing []string
	for _, dep := range c.requires {
		if _, ok := shared[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return structuralf("container %q needs shared %s", c.scope, strings.Join(missing, ", "))
	}
	return nil
}

func (c *manifestContainer) Get(_ context.Context, module string) (Factory, error) {
	part, ok := c.modules[module]
	if !ok {
		return nil, structuralf("container %q does not expose %q", c.scope, module)
	}
	return func() (Module, error) {
		if strings.TrimSpace(part.HTML) == "" {
			return Module{}, nil
		}
		return Module{Default: part}, nil
	}, nil
}
