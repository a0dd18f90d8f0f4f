package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelClosesDone(t *testing.T) {
	tok := New(context.Background())

	select {
	case <-tok.Done():
		t.Fatal("token should not be done yet")
	default:
	}

	tok.Cancel()

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token did not become done after Cancel")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	tok := New(context.Background())
	assert.NotPanics(t, func() {
		tok.Cancel()
		tok.Cancel()
	})
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	tok := New(parent)
	parentCancel()

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token did not observe parent cancellation")
	}
}
