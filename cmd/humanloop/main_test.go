package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

func init() {
	color.NoColor = true
}

func TestSummaryCollapsesAndTruncates(t *testing.T) {
	rec := interactions.Interaction{Question: "first line\n\n" + strings.Repeat("word ", 20)}
	got := summary(rec)
	if strings.Contains(got, "\n") {
		t.Fatalf("summary kept newlines: %q", got)
	}
	if len([]rune(got)) != 60 || !strings.HasSuffix(got, "...") {
		t.Fatalf("summary = %q, want 60 runes ending in ...", got)
	}
	if got := summary(interactions.Interaction{Title: "Deploy plan", Plan: "ignored"}); got != "Deploy plan" {
		t.Fatalf("summary = %q, want title", got)
	}
}

func TestStatusLabel(t *testing.T) {
	cases := []struct {
		rec  interactions.Interaction
		want string
	}{
		{interactions.Interaction{Type: interactions.TypeAskUser, Response: "yes"}, "answered"},
		{interactions.Interaction{Type: interactions.TypeAskUser, Cancelled: true}, "cancelled"},
		{interactions.Interaction{Type: interactions.TypeAskUser}, "unanswered"},
		{interactions.Interaction{Type: interactions.TypePlanReview, Status: interactions.StatusPending}, "pending"},
		{interactions.Interaction{Type: interactions.TypePlanReview, Status: interactions.StatusClosed}, "closed"},
	}
	for _, tc := range cases {
		if got := statusLabel(tc.rec); got != tc.want {
			t.Fatalf("statusLabel(%+v) = %q, want %q", tc.rec, got, tc.want)
		}
	}
}

func TestPrintInteractions(t *testing.T) {
	var out bytes.Buffer
	printInteractions(&out, []interactions.Interaction{{
		ID:        "ask_1",
		Type:      interactions.TypeAskUser,
		Timestamp: time.Now().UnixMilli(),
		Question:  "Which DB?",
		Response:  "sqlite",
	}})
	text := out.String()
	for _, want := range []string{"ID", "ask_1", "ask_user", "answered", "Which DB?"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintSession(t *testing.T) {
	var out bytes.Buffer
	printSession(&out, tasklist.Session{
		ID:    "list_1",
		Title: "Deploy",
		Tasks: []tasklist.TaskItem{
			{ID: "a", Title: "build", Status: tasklist.TaskStatusCompleted},
			{ID: "b", Title: "ship", Status: tasklist.TaskStatusPending, Breakpoint: true, Comments: []tasklist.TaskComment{
				{ID: "c", RevisorInstructions: "use blue-green", Status: tasklist.CommentStatusPending},
			}},
		},
	})
	text := out.String()
	for _, want := range []string{"Deploy  (1/2)", "[x] build", "[ ] ship (breakpoint)", "[pending] use blue-green"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}
