// Package skills loads operator-authored skill and tool definitions from
// directories of Markdown files with YAML frontmatter. Definitions are data:
// operators add skills and tools without a redeploy.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/core"
)

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// LoadSkillsDir scans a directory for skill subdirectories with SKILL.md.
func LoadSkillsDir(root string) ([]core.Skill, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []core.Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillPath := filepath.Join(root, entry.Name(), "SKILL.md")
		if _, err := os.Stat(skillPath); err != nil {
			continue
		}
		skill, err := LoadSkillFile(skillPath)
		if err != nil {
			return nil, err
		}
		out = append(out, skill)
	}
	return out, nil
}

// LoadSkillFile parses a single SKILL.md file. The frontmatter carries the
// skill metadata; the body is the skill's free-text instruction prompt.
func LoadSkillFile(path string) (core.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Skill{}, err
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return core.Skill{}, fmt.Errorf("%s: %w", path, err)
	}
	var parsed skillFrontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return core.Skill{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	tools, err := normalizeNameList(parsed.Tools)
	if err != nil {
		return core.Skill{}, fmt.Errorf("%s: tools: %w", path, err)
	}
	credentials, err := normalizeNameList(parsed.Credentials)
	if err != nil {
		return core.Skill{}, fmt.Errorf("%s: credentials: %w", path, err)
	}
	skill := core.Skill{
		Name:        strings.TrimSpace(parsed.Name),
		Description: strings.TrimSpace(parsed.Description),
		Prompt:      strings.TrimSpace(body),
		Tools:       tools,
		Inputs:      parsed.Inputs,
		Credentials: credentials,
	}
	if err := validateNamed(skill.Name, skill.Description, filepath.Dir(path)); err != nil {
		return core.Skill{}, fmt.Errorf("%s: %w", path, err)
	}
	return skill, nil
}

// LoadToolsDir scans a directory for tool subdirectories with TOOL.md.
func LoadToolsDir(root string) ([]core.Tool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []core.Tool
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		toolPath := filepath.Join(root, entry.Name(), "TOOL.md")
		if _, err := os.Stat(toolPath); err != nil {
			continue
		}
		tool, err := LoadToolFile(toolPath)
		if err != nil {
			return nil, err
		}
		out = append(out, tool)
	}
	return out, nil
}

// LoadToolFile parses a single TOOL.md file. The body is operator notes and
// is not sent to the model.
func LoadToolFile(path string) (core.Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Tool{}, err
	}
	fm, _, err := splitFrontmatter(string(data))
	if err != nil {
		return core.Tool{}, fmt.Errorf("%s: %w", path, err)
	}
	var parsed toolFrontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return core.Tool{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	tool := core.Tool{
		Name:        strings.TrimSpace(parsed.Name),
		Description: strings.TrimSpace(parsed.Description),
		Parameters:  parsed.Parameters,
		Handler:     strings.TrimSpace(parsed.Handler),
		MaxCalls:    parsed.MaxCalls,
	}
	if err := validateNamed(tool.Name, tool.Description, filepath.Dir(path)); err != nil {
		return core.Tool{}, fmt.Errorf("%s: %w", path, err)
	}
	if tool.Handler == "" {
		return core.Tool{}, fmt.Errorf("%s: handler is required", path)
	}
	for _, param := range tool.Parameters {
		if err := validateParam(param); err != nil {
			return core.Tool{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return tool, nil
}

type skillFrontmatter struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Tools       any          `yaml:"tools"`
	Inputs      []core.Param `yaml:"inputs"`
	Credentials any          `yaml:"credentials"`
}

type toolFrontmatter struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Handler     string       `yaml:"handler"`
	MaxCalls    int          `yaml:"max-calls"`
	Parameters  []core.Param `yaml:"parameters"`
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", errors.New("missing frontmatter")
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return "", "", errors.New("invalid frontmatter")
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

func validateNamed(name, description, dir string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	dirName := filepath.Base(dir)
	if dirName != name {
		return fmt.Errorf("name must match directory name (%s)", dirName)
	}
	if strings.TrimSpace(description) == "" {
		return errors.New("description is required")
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	return nil
}

func validateParam(param core.Param) error {
	if strings.TrimSpace(param.Name) == "" {
		return errors.New("parameter name is required")
	}
	switch param.Type {
	case core.TypeString, core.TypeNumber, core.TypeBoolean, core.TypeArray, core.TypeObject:
		return nil
	default:
		return fmt.Errorf("parameter %s: unknown type %q", param.Name, param.Type)
	}
}

func normalizeNameList(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.(type) {
	case string:
		return dedupe(strings.Fields(v)), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, errors.New("must be string list")
			}
			out = append(out, strings.TrimSpace(str))
		}
		return dedupe(out), nil
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, strings.TrimSpace(item))
		}
		return dedupe(out), nil
	default:
		return nil, errors.New("must be string or list")
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
