package shutdown

import (
	"context"
	"testing"
	"time"
)

func TestScope_CloseUnblocksDone(t *testing.T) {
	s := NewRoot(context.Background())
	select {
	case <-s.Done():
		t.Fatal("scope should not be done before Close")
	default:
	}
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("scope should be done after Close")
	}
}

func TestScope_ParentCascadesToChild(t *testing.T) {
	parent := NewRoot(context.Background())
	child := parent.NewChild()

	select {
	case <-child.Done():
		t.Fatal("child should not be done before parent closes")
	default:
	}

	parent.Close()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child should observe parent close")
	}
}

func TestScope_CloseWaitsForWorkers(t *testing.T) {
	s := NewRoot(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	s.Go(func() {
		close(started)
		<-release
	})

	go func() {
		s.Close()
		close(done)
	}()

	<-started
	select {
	case <-done:
		t.Fatal("Close returned before worker finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after worker finished")
	}
}

func TestScope_CloseIdempotent(t *testing.T) {
	s := NewRoot(context.Background())
	s.Close()
	s.Close() // must not panic or block
}
