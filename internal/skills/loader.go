package skills

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadSkill parses a Markdown file with YAML frontmatter.
// The file must start with "---", followed by YAML frontmatter,
// then another "---", and finally the markdown content.
func LoadSkill(reader io.Reader) (*SkillDescriptor, error) {
	// Use a large buffer to support skills >64KB
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read skill file: %w", err)
		}
		return nil, fmt.Errorf("skill file is empty")
	}

	firstLine := strings.TrimSpace(scanner.Text())
	if firstLine != "---" {
		return nil, fmt.Errorf("skill file must start with YAML frontmatter (---), got: %q", firstLine)
	}

	var frontmatter bytes.Buffer
	foundEnd := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundEnd = true
			break
		}
		frontmatter.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading frontmatter: %w", err)
	}
	if !foundEnd {
		return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
	}

	var skill SkillDescriptor
	if err := yaml.Unmarshal(frontmatter.Bytes(), &skill); err != nil {
		return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
	}

	var content bytes.Buffer
	for scanner.Scan() {
		content.WriteString(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading markdown content: %w", err)
	}
	skill.Content = strings.TrimSpace(content.String())

	if err := ValidateSkill(&skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

// ValidateSkill checks required fields, applies defaults, and links each
// workflow back to its skill.
func ValidateSkill(skill *SkillDescriptor) error {
	if skill.ID == "" {
		return fmt.Errorf("skill id is required")
	}
	for _, r := range skill.ID {
		if !isValidIDChar(r) {
			return fmt.Errorf("skill id contains invalid character: %q (allowed: a-z, 0-9, -, _)", r)
		}
	}
	if len(skill.Workflows) == 0 {
		return fmt.Errorf("skill %q declares no workflows", skill.ID)
	}

	seen := make(map[string]bool, len(skill.Workflows))
	for i, wf := range skill.Workflows {
		if wf == nil || wf.ID == "" {
			return fmt.Errorf("skill %q: workflow #%d has no id", skill.ID, i+1)
		}
		if seen[wf.ID] {
			return fmt.Errorf("skill %q: duplicate workflow %q", skill.ID, wf.ID)
		}
		seen[wf.ID] = true
		wf.SkillID = skill.ID

		if len(wf.Modes) == 0 {
			return fmt.Errorf("workflow %s declares no modes", wf.Key())
		}
		for name, p := range wf.Modes {
			p = p.Normalize()
			if err := p.Validate(); err != nil {
				return fmt.Errorf("workflow %s mode %q: %w", wf.Key(), name, err)
			}
			wf.Modes[name] = p
		}
		if wf.DefaultMode == "" {
			if len(wf.Modes) != 1 {
				return fmt.Errorf("workflow %s has %d modes and no default_mode", wf.Key(), len(wf.Modes))
			}
			for name := range wf.Modes {
				wf.DefaultMode = name
			}
		}
		if _, ok := wf.Modes[wf.DefaultMode]; !ok {
			return fmt.Errorf("workflow %s default_mode %q is not a declared mode", wf.Key(), wf.DefaultMode)
		}
	}
	return nil
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}

// CalculateContentHash computes SHA256 hash of skill file content.
func CalculateContentHash(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("%x", hash)
}
