package interactions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotPlanReview = errors.New("interaction is not a plan review")
	ErrNoPlanContent = errors.New("plan review has no plan content")
	ErrNoDestination = errors.New("no export destination: pass a path or configure a workspace root")
)

// ExportToFile writes the plan review id as Markdown. With an empty path the
// file goes into workspaceRoot under a generated name. It returns the path
// written.
func (s *Store) ExportToFile(ctx context.Context, id, path, workspaceRoot string) (string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Type != TypePlanReview {
		return "", ErrNotPlanReview
	}
	if strings.TrimSpace(rec.Plan) == "" {
		return "", ErrNoPlanContent
	}

	path = strings.TrimSpace(path)
	if path == "" {
		root := strings.TrimSpace(workspaceRoot)
		if root == "" {
			return "", ErrNoDestination
		}
		path = filepath.Join(root, exportFileName(rec))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(RenderMarkdown(rec)), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// RenderMarkdown renders a plan review and its revision comments.
func RenderMarkdown(rec Interaction) string {
	var b strings.Builder
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		title = "Plan Review"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if rec.Status != "" {
		fmt.Fprintf(&b, "- **Status:** %s\n", rec.Status)
	}
	if rec.Mode != "" {
		fmt.Fprintf(&b, "- **Mode:** %s\n", rec.Mode)
	}
	fmt.Fprintf(&b, "- **Created:** %s\n\n", rec.CreatedAt().Format(time.RFC3339))

	b.WriteString("## Plan\n\n")
	b.WriteString(strings.TrimRight(rec.Plan, "\n"))
	b.WriteString("\n")

	if len(rec.RequiredRevisions) > 0 {
		b.WriteString("\n## Revision Comments\n")
		for i, c := range rec.RequiredRevisions {
			fmt.Fprintf(&b, "\n### %d.\n\n", i+1)
			if part := strings.TrimSpace(c.RevisedPart); part != "" {
				for _, line := range strings.Split(part, "\n") {
					fmt.Fprintf(&b, "> %s\n", line)
				}
				b.WriteString("\n")
			}
			b.WriteString(strings.TrimSpace(c.RevisorInstructions))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func exportFileName(rec Interaction) string {
	slug := slugify(rec.Title)
	if slug == "" {
		slug = "plan-review"
	}
	return fmt.Sprintf("%s-%s.md", slug, rec.CreatedAt().Format("20060102-150405"))
}

func slugify(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	var b strings.Builder
	dash := false
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 60 {
		out = strings.TrimSuffix(out[:60], "-")
	}
	return out
}
