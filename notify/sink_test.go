package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestDispatcher_SwallowsAndLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	d := NewDispatcher(&failingSink{err: errors.New("chat api down")}, log)
	d.Send(context.Background(), "acct-1", "hello")

	if !bytes.Contains(buf.Bytes(), []byte("notification dropped")) {
		t.Fatal("expected dropped notification to be logged")
	}
}

func TestDispatcher_NilSinkAndEmptyTarget(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Send(context.Background(), "acct-1", "hello")

	var nilDispatcher *Dispatcher
	nilDispatcher.Send(context.Background(), "acct-1", "hello")

	sink := &failingSink{}
	d = NewDispatcher(sink, nil)
	d.Send(context.Background(), "", "hello")
	if sink.calls != 0 {
		t.Fatal("empty account id must not reach the sink")
	}
}

func TestDispatcher_BroadcastDeliversEach(t *testing.T) {
	sink := &failingSink{}
	d := NewDispatcher(sink, nil)

	d.Broadcast(context.Background(), []string{"a", "b", "c"}, "notice")
	if sink.calls != 3 {
		t.Fatalf("expected 3 deliveries, got %d", sink.calls)
	}
}

func TestDispatcher_BroadcastContinuesPastFailures(t *testing.T) {
	sink := &failingSink{err: errors.New("boom")}
	d := NewDispatcher(sink, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	d.Broadcast(context.Background(), []string{"a", "b"}, "notice")
	if sink.calls != 2 {
		t.Fatalf("expected both deliveries attempted, got %d", sink.calls)
	}
}

type failingSink struct {
	err   error
	calls int
}

func (f *failingSink) Notify(_ context.Context, _, _ string) error {
	f.calls++
	return f.err
}
