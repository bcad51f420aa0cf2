package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageAnswer(t *testing.T) {
	raw := []byte(`{"type":"answer_question","id":"ask_1","response":"yes","attachments":["a.png"]}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	answer, ok := msg.(AnswerQuestion)
	if !ok {
		t.Fatalf("message type = %T, want AnswerQuestion", msg)
	}
	if answer.ID != "ask_1" || answer.Response != "yes" || len(answer.Attachments) != 1 {
		t.Fatalf("unexpected answer: %+v", answer)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadEnvelope(t *testing.T) {
	_, err := ParseClientMessage([]byte(`not json`))
	if err == nil || !strings.Contains(err.Error(), "invalid envelope") {
		t.Fatalf("error = %v, want invalid envelope", err)
	}
}

func TestParseClientMessageCancelByText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"cancel_question","question":"Which DB?","title":"Setup"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cancel := msg.(CancelQuestion)
	if cancel.ID != "" || cancel.Question != "Which DB?" {
		t.Fatalf("unexpected cancel: %+v", cancel)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"cancel_question"}`)); err == nil {
		t.Fatalf("expected error for cancel without id or question")
	}
}

func TestParseClientMessageReviewComment(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"review_comment","id":"review_1","op":"edit","index":2,"revisorInstructions":"tighten"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	c := msg.(ReviewComment)
	if c.Index != 2 || c.Op != "edit" {
		t.Fatalf("unexpected comment: %+v", c)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"review_comment","id":"review_1","op":"rewrite"}`)); err == nil {
		t.Fatalf("expected error for unknown op")
	}
}

func TestParseClientMessageTaskCommentVariants(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "add", raw: `{"type":"task_comment","listId":"l","taskId":"t","revisorInstructions":"redo"}`},
		{name: "add without text", raw: `{"type":"task_comment","listId":"l","taskId":"t"}`, wantErr: true},
		{name: "edit without comment id", raw: `{"type":"task_comment_edit","listId":"l","taskId":"t","revisorInstructions":"x"}`, wantErr: true},
		{name: "delete", raw: `{"type":"task_comment_delete","listId":"l","taskId":"t","commentId":"c"}`},
		{name: "missing list", raw: `{"type":"task_breakpoint","taskId":"t","breakpoint":true}`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseClientMessagePromptAnswer(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"prompt_answer","id":"prompt_1","dismissed":true}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if !msg.(PromptAnswer).Dismissed {
		t.Fatalf("Dismissed = false, want true")
	}
}
