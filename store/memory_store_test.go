package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_ProducerDuplicateSuppressed(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	epoch := int64(0)
	seq := int64(0)

	first, err := store.Append("/test", []byte("hello"), AppendOptions{
		ProducerId: "p1", ProducerEpoch: &epoch, ProducerSeq: &seq,
	})
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if first.ProducerResult != ProducerResultAccepted {
		t.Fatalf("expected accepted, got %v", first.ProducerResult)
	}

	// A second producer's append lands between the original accept and the
	// retry, so the stream head moves on - the retry must still report the
	// offset the duplicate itself committed at, not the new head.
	otherEpoch, otherSeq := int64(0), int64(0)
	if _, err := store.Append("/test", []byte("from another producer"), AppendOptions{
		ProducerId: "p2", ProducerEpoch: &otherEpoch, ProducerSeq: &otherSeq,
	}); err != nil {
		t.Fatalf("unrelated append failed: %v", err)
	}

	result, err := store.Append("/test", []byte("hello"), AppendOptions{
		ProducerId: "p1", ProducerEpoch: &epoch, ProducerSeq: &seq,
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.ProducerResult != ProducerResultDuplicate {
		t.Errorf("expected duplicate, got %v", result.ProducerResult)
	}
	if !result.Offset.Equal(first.Offset) {
		t.Errorf("retry should report the offset it originally committed at %v, got %v", first.Offset, result.Offset)
	}

	messages, _, err := store.Read("/test", ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("duplicate retry should not have appended a message of its own, got %d", len(messages))
	}
}

func TestMemoryStore_ProducerStaleEpochRejected(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	e0, e1, s0 := int64(0), int64(1), int64(0)
	store.Append("/test", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &e1, ProducerSeq: &s0})

	_, err := store.Append("/test", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &e0, ProducerSeq: &s0})
	if err != ErrStaleEpoch {
		t.Errorf("expected ErrStaleEpoch, got %v", err)
	}
}

func TestMemoryStore_PartialProducerHeadersRejected(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	seq := int64(0)
	_, err := store.Append("/test", []byte("a"), AppendOptions{ProducerId: "p1", ProducerSeq: &seq})
	if err != ErrPartialProducer {
		t.Errorf("expected ErrPartialProducer, got %v", err)
	}
}

func TestMemoryStore_CloseStreamIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})
	store.Append("/test", []byte("a"), AppendOptions{})

	result, err := store.CloseStream("/test")
	if err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
	if result.AlreadyClosed {
		t.Error("expected AlreadyClosed=false on first close")
	}

	result, err = store.CloseStream("/test")
	if err != nil {
		t.Fatalf("second CloseStream failed: %v", err)
	}
	if !result.AlreadyClosed {
		t.Error("expected AlreadyClosed=true on second close")
	}

	_, err = store.Append("/test", []byte("b"), AppendOptions{})
	if err != ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestMemoryStore_WaitForMessagesReportsStreamClosed(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})
	offset, _ := store.GetCurrentOffset("/test")

	done := make(chan struct{})
	var streamClosed bool
	go func() {
		_, _, streamClosed, _ = store.WaitForMessages(context.Background(), "/test", offset, 2*time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	store.CloseStream("/test")

	select {
	case <-done:
		if !streamClosed {
			t.Error("expected streamClosed=true after close woke the waiter")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMessages did not return after close")
	}
}
