package types

import "strings"

// FileDescription is the Narrator's per-file summary within a
// PRDescription.
type FileDescription struct {
	FilePath    string `json:"file_path"`
	Category    string `json:"category"` // features | refactoring | tests | configuration | docs
	Description string `json:"description"`
}

// PRDescription is the Narrator agent's output.
type PRDescription struct {
	PlanID          string            `json:"plan_id"`
	Title           string            `json:"title"`
	Summary         string            `json:"summary"`
	FileDescriptions []FileDescription `json:"file_descriptions,omitempty"`
	BreakingChanges  []string          `json:"breaking_changes,omitempty"`
	MigrationGuide   string            `json:"migration_guide,omitempty"`
	TestingNotes     string            `json:"testing_notes,omitempty"`
}

// Markdown renders the PRDescription to a markdown string on demand.
func (p PRDescription) Markdown() string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(p.Title)
	b.WriteString("\n\n")
	b.WriteString(p.Summary)
	b.WriteString("\n")

	if len(p.FileDescriptions) > 0 {
		b.WriteString("\n## Changes\n\n")
		for _, fd := range p.FileDescriptions {
			b.WriteString("- **")
			b.WriteString(fd.FilePath)
			b.WriteString("** (")
			b.WriteString(fd.Category)
			b.WriteString("): ")
			b.WriteString(fd.Description)
			b.WriteString("\n")
		}
	}

	if len(p.BreakingChanges) > 0 {
		b.WriteString("\n## Breaking Changes\n\n")
		for _, c := range p.BreakingChanges {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	if p.MigrationGuide != "" {
		b.WriteString("\n## Migration Guide\n\n")
		b.WriteString(p.MigrationGuide)
		b.WriteString("\n")
	}

	if p.TestingNotes != "" {
		b.WriteString("\n## Testing\n\n")
		b.WriteString(p.TestingNotes)
		b.WriteString("\n")
	}

	return b.String()
}
