// Package dialog asks questions on the controlling terminal when no UI is
// attached. It reads /dev/tty so it works while stdin and stdout carry the
// agent protocol.
package dialog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/ent0n29/humanloop/internal/askuser"
)

const ttyPath = "/dev/tty"

var ErrNoTerminal = errors.New("no terminal available")

// Prompter implements orchestrator.Prompter. Only one dialog is shown at a
// time; concurrent callers queue.
type Prompter struct {
	mu   sync.Mutex
	open func() (io.Reader, io.Writer, func() error, error)
}

// NewTTY returns a Prompter bound to the controlling terminal.
func NewTTY() *Prompter {
	return &Prompter{open: openTTY}
}

// New returns a Prompter reading from in and writing to out.
func New(in io.Reader, out io.Writer) *Prompter {
	r := bufio.NewReader(in)
	return &Prompter{open: func() (io.Reader, io.Writer, func() error, error) {
		return r, out, func() error { return nil }, nil
	}}
}

// Available reports whether a terminal can be opened.
func (p *Prompter) Available() bool {
	if p == nil || p.open == nil {
		return false
	}
	_, _, closeFn, err := p.open()
	if err != nil {
		return false
	}
	_ = closeFn()
	return true
}

// Ask shows the question and reads a one-line answer. Declining the
// confirmation or entering an empty answer leaves the question unanswered.
func (p *Prompter) Ask(ctx context.Context, req askuser.Request) (askuser.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, out, closeFn, err := p.open()
	if err != nil {
		return askuser.Response{}, err
	}
	defer closeFn()

	header := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	title := req.Title
	if title == "" {
		title = "Question"
	}
	fmt.Fprintln(out)
	header.Fprintf(out, "? %s\n", title)
	if req.AgentName != "" {
		dim.Fprintf(out, "  from %s\n", req.AgentName)
	}
	fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(req.Question, "\n", "\n  "))

	reader := bufio.NewReader(in)

	fmt.Fprint(out, color.YellowString("Answer now? [Y/n] "))
	confirm, err := readLine(ctx, reader, closeFn)
	if err != nil {
		return unanswered("cancelled"), err
	}
	if v := strings.ToLower(confirm); v == "n" || v == "no" {
		return unanswered("declined on terminal"), nil
	}

	fmt.Fprint(out, color.GreenString("> "))
	answer, err := readLine(ctx, reader, closeFn)
	if err != nil {
		return unanswered("cancelled"), err
	}
	if answer == "" {
		return unanswered("empty answer"), nil
	}
	return askuser.Response{Responded: true, Response: answer, Attachments: []string{}}, nil
}

type lineResult struct {
	text string
	err  error
}

func readLine(ctx context.Context, r *bufio.Reader, closeFn func() error) (string, error) {
	lines := make(chan lineResult, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			lines <- lineResult{err: err}
			return
		}
		lines <- lineResult{text: strings.TrimSpace(line)}
	}()
	select {
	case <-ctx.Done():
		// Closing the tty unblocks the pending read.
		_ = closeFn()
		return "", ctx.Err()
	case res := <-lines:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return "", ErrNoTerminal
			}
			return "", res.err
		}
		return res.text, nil
	}
}

func unanswered(reason string) askuser.Response {
	return askuser.Response{Responded: false, Attachments: []string{}, Reason: reason}
}

func openTTY() (io.Reader, io.Writer, func() error, error) {
	f, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNoTerminal, err)
	}
	if !term.IsTerminal(int(f.Fd())) {
		_ = f.Close()
		return nil, nil, nil, ErrNoTerminal
	}
	var once sync.Once
	return f, f, func() error {
		var err error
		once.Do(func() { err = f.Close() })
		return err
	}, nil
}
