package tool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pivotagent/pivot/pkg/registry"
)

const maxNameLength = 100

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Registry is the name-indexed tool catalog.
type Registry struct {
	tools *registry.Store[Definition]
}

func NewRegistry() *Registry {
	return &Registry{tools: registry.NewStore[Definition]()}
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLength {
		return fmt.Errorf("tool name %q must be 1-%d characters", name, maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("tool name %q is not a valid identifier", name)
	}
	return nil
}

func (r *Registry) Register(def Definition) error {
	if err := validateName(def.Name); err != nil {
		return err
	}
	if _, exists := r.tools.Get(def.Name); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	return r.tools.Register(def.Name, def)
}

func (r *Registry) Get(name string) (Definition, bool) {
	return r.tools.Get(name)
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	defs := r.tools.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Remove(name string) error {
	return r.tools.Remove(name)
}

func (r *Registry) Count() int {
	return r.tools.Count()
}

// Snapshot exposes the current contents for executors, decoupling dispatch
// from concurrent discovery.
func (r *Registry) Snapshot() map[string]Definition {
	return r.tools.Snapshot()
}

// Discover clears the registry, re-registers the built-ins, then loads tool
// manifests (*.json) from each directory. Files whose basename starts with
// "_" are skipped; manifests that fail to parse are logged and skipped.
func (r *Registry) Discover(dirs ...string) error {
	r.tools.Clear()

	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("failed to register builtin: %w", err)
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("tool discovery: cannot read directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			path := filepath.Join(dir, name)
			def, err := loadManifest(path)
			if err != nil {
				slog.Warn("tool discovery: skipping manifest", "file", path, "error", err)
				continue
			}
			if err := r.Register(def); err != nil {
				slog.Warn("tool discovery: skipping tool", "file", path, "error", err)
			}
		}
	}

	return nil
}

func loadManifest(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := validateName(def.Name); err != nil {
		return Definition{}, err
	}
	if len(def.Command) == 0 {
		return Definition{}, fmt.Errorf("manifest %q has no command", def.Name)
	}
	return def, nil
}

// Catalog renders a deterministic human-readable dump, one tool per section.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, def := range r.List() {
		b.WriteString("## ")
		b.WriteString(def.Name)
		b.WriteString("\n")
		b.WriteString(def.Description)
		b.WriteString("\n")
		if def.Parameters != nil {
			params, err := json.Marshal(def.Parameters)
			if err == nil {
				b.WriteString("Parameters: ")
				b.Write(params)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// OpenAITools renders every tool in the OpenAI function-calling structure.
// The engine never puts these on the wire (tools stay null there); the
// rendering exists for catalog symmetry and for callers that do use native
// tool calling.
func (r *Registry) OpenAITools() []map[string]interface{} {
	defs := r.List()
	out := make([]map[string]interface{}, 0, len(defs))
	for _, def := range defs {
		parameters := def.Parameters
		if parameters == nil {
			parameters = map[string]interface{}{
				"type":                 "object",
				"properties":           map[string]interface{}{},
				"additionalProperties": false,
			}
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  parameters,
				"strict":      true,
			},
		})
	}
	return out
}
