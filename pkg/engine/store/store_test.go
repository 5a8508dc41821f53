package store

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"AgentTide/pkg/engine/api"
)

func TestFileSessionStoreRoundTrip(t *testing.T) {
	s, err := NewFileSessionStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	session := &api.Session{
		SessionID: "s1",
		CreatedAt: time.Now(),
		Messages: []api.LLMMessage{
			{Role: "user", Content: "hello"},
		},
	}

	if err := s.Put(ctx, "s1", session); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" || len(got.Messages) != 1 {
		t.Fatalf("got %+v", got)
	}

	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("ids = %v", ids)
	}

	if err := s.Del(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileSessionStorePathEscape(t *testing.T) {
	s, err := NewFileSessionStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "../escape", &api.Session{}); !errors.Is(err, ErrWorkspaceEscape) {
		t.Fatalf("expected ErrWorkspaceEscape, got %v", err)
	}
}

func TestJSONLEventLogAppendAndStream(t *testing.T) {
	l, err := NewJSONLEventLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := api.Event{
			SessionID: "s1",
			Seq:       int64(i),
			Type:      api.EventDelta,
			Delta:     &api.DeltaPayload{Text: "chunk"},
		}
		if err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stream, err := l.Stream(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var seqs []int64
	for {
		e, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if e.Ts.IsZero() {
			t.Fatal("timestamp not stamped on append")
		}
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[2] != 2 {
		t.Fatalf("seqs = %v", seqs)
	}
}

func TestJSONLEventLogStreamMissingSession(t *testing.T) {
	l, err := NewJSONLEventLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	stream, err := l.Stream(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := stream.Recv(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChannelEventStream(t *testing.T) {
	s := NewChannelEventStream(4)

	if err := s.Send(api.Event{Type: api.EventDone}); err != nil {
		t.Fatal(err)
	}

	e, err := s.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != api.EventDone {
		t.Fatalf("type = %s", e.Type)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Recv(context.Background()); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if err := s.Send(api.Event{}); err == nil {
		t.Fatal("expected error sending on closed stream")
	}
}
