// Package prompts loads named prompt definitions from disk. Each prompt
// lives in its own directory:
//
//	<dir>/<name>/prompt.json   system_prompt, user_prompt_template, model, temperature
//	<dir>/<name>/schema.json   function definitions (array or single object)
//
// prompt.yaml is read when prompt.json is absent.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/completion"
	apperrors "github.com/Adithya-Monish-Kumar-K/extraction-relay/pkg/errors"
)

// Definition is a loaded prompt.
type Definition struct {
	Name         string
	SystemPrompt string
	UserTemplate string
	Functions    []completion.Function
	Model        string
	// Temperature is nil when the prompt leaves it to configuration.
	Temperature *float64
}

// Render substitutes message into the user template. Doubled braces render
// as literal braces.
func (d Definition) Render(message string) string {
	return strings.NewReplacer("{{", "{", "}}", "}", "{message}", message).Replace(d.UserTemplate)
}

// Registry is an immutable set of prompt definitions.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry from in-memory definitions.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// Get returns the definition called name.
func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", apperrors.ErrPromptNotFound, name)
	}
	return d, nil
}

// Names lists the registered prompts in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type promptFile struct {
	SystemPrompt       string   `json:"system_prompt" yaml:"system_prompt"`
	UserPromptTemplate string   `json:"user_prompt_template" yaml:"user_prompt_template"`
	Model              string   `json:"model" yaml:"model"`
	Temperature        *float64 `json:"temperature" yaml:"temperature"`
}

// Load reads every prompt directory under dir. An unreadable dir is an
// error; a broken prompt is logged and left out.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading prompts dir %s: %w", dir, err)
	}
	logger := slog.Default().With("component", "prompts")
	r := NewRegistry()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		def, err := loadOne(filepath.Join(dir, name), name)
		if err != nil {
			logger.Error("skipping prompt", "prompt", name, "error", err)
			continue
		}
		r.defs[name] = def
		logger.Info("loaded prompt", "prompt", name, "functions", len(def.Functions))
	}
	return r, nil
}

func loadOne(path, name string) (Definition, error) {
	pf, err := readPromptFile(path)
	if err != nil {
		return Definition{}, err
	}
	if pf.SystemPrompt == "" && pf.UserPromptTemplate == "" {
		return Definition{}, errors.New("prompt has neither system_prompt nor user_prompt_template")
	}
	fns, err := readSchema(filepath.Join(path, "schema.json"))
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Name:         name,
		SystemPrompt: pf.SystemPrompt,
		UserTemplate: pf.UserPromptTemplate,
		Functions:    fns,
		Model:        pf.Model,
		Temperature:  pf.Temperature,
	}, nil
}

func readPromptFile(path string) (promptFile, error) {
	var pf promptFile
	data, err := os.ReadFile(filepath.Join(path, "prompt.json"))
	if err == nil {
		if err := json.Unmarshal(data, &pf); err != nil {
			return pf, fmt.Errorf("parsing prompt.json: %w", err)
		}
		return pf, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return pf, fmt.Errorf("reading prompt.json: %w", err)
	}
	data, err = os.ReadFile(filepath.Join(path, "prompt.yaml"))
	if err != nil {
		return pf, fmt.Errorf("reading prompt definition: %w", err)
	}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("parsing prompt.yaml: %w", err)
	}
	return pf, nil
}

// readSchema accepts a list of functions or a single function object. A
// missing schema means the prompt answers in prose only.
func readSchema(path string) ([]completion.Function, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schema.json: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	var fns []completion.Function
	if strings.HasPrefix(trimmed, "{") {
		var fn completion.Function
		if err := json.Unmarshal(data, &fn); err != nil {
			return nil, fmt.Errorf("parsing schema.json: %w", err)
		}
		fns = []completion.Function{fn}
	} else if err := json.Unmarshal(data, &fns); err != nil {
		return nil, fmt.Errorf("parsing schema.json: %w", err)
	}
	for i, fn := range fns {
		if fn.Name == "" {
			return nil, fmt.Errorf("schema.json: function %d has no name", i)
		}
	}
	return fns, nil
}
