package askuser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitResolvesWaiter(t *testing.T) {
	r := NewRegistry()
	req, err := r.Register(Request{Question: "Which database?", Title: "Setup"})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, r.Submit(req.ID, "postgres", []string{"schema.sql"}))
	}()

	resp, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Responded)
	assert.Equal(t, "postgres", resp.Response)
	assert.Equal(t, []string{"schema.sql"}, resp.Attachments)
	assert.Equal(t, 0, r.Len(), "resolved entries are removed")

	require.ErrorIs(t, r.Submit(req.ID, "again", nil), ErrNotFound)
}

func TestContextCancellationCancelsEntry(t *testing.T) {
	r := NewRegistry()
	req, err := r.Register(Request{Question: "Continue?"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := req.Wait(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	assert.False(t, resp.Responded)
	assert.Empty(t, r.Pending())
}

func TestUICancelResolvesNotResponded(t *testing.T) {
	r := NewRegistry()
	req, err := r.Register(Request{Question: "Continue?"})
	require.NoError(t, err)
	require.True(t, r.Cancel(req.ID, "dismissed"))
	require.False(t, r.Cancel(req.ID, "dismissed"), "entry is gone once cancelled")

	resp, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Responded)
	assert.Equal(t, "dismissed", resp.Reason)
}

func TestIdenticalQuestionsCancelIndependently(t *testing.T) {
	r := NewRegistry()
	first, err := r.Register(Request{Question: "Proceed?", Title: "Deploy"})
	require.NoError(t, err)
	second, err := r.Register(Request{Question: "Proceed?", Title: "Deploy"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan Response, 1)
	go func() {
		resp, _ := first.Wait(firstCtx)
		firstDone <- resp
	}()
	secondDone := make(chan Response, 1)
	go func() {
		resp, _ := second.Wait(context.Background())
		secondDone <- resp
	}()

	cancelFirst()
	resp := <-firstDone
	assert.False(t, resp.Responded)

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	require.NoError(t, r.Submit(second.ID, "yes", nil))
	resp = <-secondDone
	assert.True(t, resp.Responded)
	assert.Equal(t, "yes", resp.Response)
}

func TestCancelMatchingPicksOldest(t *testing.T) {
	r := NewRegistry()
	first, err := r.Register(Request{Question: "Proceed?", Title: "Deploy"})
	require.NoError(t, err)
	second, err := r.Register(Request{Question: "Proceed?", Title: "Deploy"})
	require.NoError(t, err)

	id, ok := r.CancelMatching("Proceed?", "Deploy", "dismissed")
	require.True(t, ok)
	assert.Equal(t, first.ID, id)

	_, stillThere := r.Get(second.ID)
	assert.True(t, stillThere)

	_, ok = r.CancelMatching("Other?", "Deploy", "dismissed")
	assert.False(t, ok)
}

func TestPendingOrdersSelectedFirst(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register(Request{Question: "a"})
	require.NoError(t, err)
	b, err := r.Register(Request{Question: "b"})
	require.NoError(t, err)
	c, err := r.Register(Request{Question: "c"})
	require.NoError(t, err)

	require.NoError(t, r.Select(c.ID))
	pending := r.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{pending[0].ID, pending[1].ID, pending[2].ID})
	assert.True(t, pending[0].Selected)
	assert.False(t, pending[1].Selected)

	require.ErrorIs(t, r.Select("ask_missing"), ErrNotFound)
}

func TestRegisterRejectsDuplicatesAndEmpty(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(Request{ID: "ask_1", Question: "q"})
	require.NoError(t, err)
	_, err = r.Register(Request{ID: "ask_1", Question: "q"})
	require.ErrorIs(t, err, ErrDuplicateID)
	_, err = r.Register(Request{Question: "   "})
	require.Error(t, err)
}
