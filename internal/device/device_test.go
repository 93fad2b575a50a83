package device

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeDelegate struct {
	transports int
	states     []string
}

func (f *fakeDelegate) CreateServerSideTransport(ctx context.Context, kind TransportKind, rtpCapabilities json.RawMessage) (CreateTransportOptions, error) {
	f.transports++
	return CreateTransportOptions{ID: string(kind) + "-transport"}, nil
}

func (f *fakeDelegate) ConnectTransport(ctx context.Context, kind TransportKind, id string, dtlsParameters json.RawMessage) error {
	return nil
}

func (f *fakeDelegate) ConnectProducer(ctx context.Context, id string, kind MediaKind, rtpParameters json.RawMessage) (string, error) {
	return "producer-" + string(kind), nil
}

func (f *fakeDelegate) ConnectDataProducer(ctx context.Context, id string, sctpParameters json.RawMessage, label, protocol string) (string, error) {
	return "dataproducer-" + label, nil
}

func (f *fakeDelegate) OnConnectionStateChange(kind TransportKind, id string, state string) {
	f.states = append(f.states, state)
}

func TestLoadRejectsSecondCall(t *testing.T) {
	d := New(&fakeDelegate{})
	if err := d.Load(json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first load should succeed: %v", err)
	}
	if err := d.Load(json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected second load to be rejected")
	}
}

func TestCanProduceRequiresLoadForMediaButNotData(t *testing.T) {
	d := New(&fakeDelegate{})
	if d.CanProduce(KindVideo) {
		t.Fatal("expected CanProduce(video) to be false before Load")
	}
	if !d.CanProduce(KindData) {
		t.Fatal("expected CanProduce(data) to be true regardless of Load")
	}
	_ = d.Load(json.RawMessage(`{}`))
	if !d.CanProduce(KindVideo) {
		t.Fatal("expected CanProduce(video) to be true after Load")
	}
}

func TestEnsureTransportIsIdempotentPerKind(t *testing.T) {
	delegate := &fakeDelegate{}
	d := New(delegate)
	ctx := context.Background()

	if err := d.EnsureTransport(ctx, TransportSend); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.EnsureTransport(ctx, TransportSend); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if delegate.transports != 1 {
		t.Fatalf("expected exactly one transport creation, got %d", delegate.transports)
	}
}

func TestCloseSinkRemovesEntry(t *testing.T) {
	d := New(&fakeDelegate{})
	closed := false
	d.sinks = append(d.sinks, sinkEntry{userConsumer: "tok", close: func() { closed = true }})

	d.CloseSink("tok")

	if !closed {
		t.Fatal("expected sink's close function to be called")
	}
	if len(d.sinks) != 0 {
		t.Fatal("expected sink to be removed from the slice")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	d := New(&fakeDelegate{})
	d.Stop()
	d.Stop()
}
