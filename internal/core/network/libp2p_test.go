package network

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newLocalPair(t *testing.T) (*Libp2pSession, *Libp2pSession) {
	t.Helper()
	ctx := context.Background()
	opts := Libp2pOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Namespace:   "test-" + t.Name(),
		Logger:      zaptest.NewLogger(t),
	}
	a, err := NewLibp2pSession(ctx, opts)
	if err != nil {
		t.Fatalf("create node a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewLibp2pSession(ctx, opts)
	if err != nil {
		t.Fatalf("create node b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Connect(ctx, a.ListenAddrs()[0]); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.BusPeers()) > 0 && len(b.BusPeers()) > 0 {
			if !slices.Contains(a.ConnectedPeers(), b.PeerID()) || !slices.Contains(b.ConnectedPeers(), a.PeerID()) {
				t.Fatalf("bus peers without a connection: a=%v b=%v", a.ConnectedPeers(), b.ConnectedPeers())
			}
			return a, b
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("peers did not discover each other's bus topics")
	return nil, nil
}

func TestLibp2pPutAcrossPeers(t *testing.T) {
	a, b := newLocalPair(t)

	got := make(chan Sample, 1)
	if _, err := b.DeclareSubscriber("up/car/**", func(s Sample) { got <- s }); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := a.Put(context.Background(), "up/car/door/1/state", []byte("open"), PutOptions{
		Encoding:   "application/custom;6",
		Attachment: []byte{9},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case s := <-got:
		if string(s.Payload) != "open" || s.Key != "up/car/door/1/state" || s.Attachment[0] != 9 {
			t.Fatalf("unexpected sample %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sample not delivered across peers")
	}
}

func TestLibp2pQueryAcrossPeers(t *testing.T) {
	a, b := newLocalPair(t)

	if _, err := b.DeclareQueryable("up/car/hvac/1/rpc.get", func(q *Query) {
		data, _, _ := q.Payload()
		_ = q.Reply(Sample{Payload: append([]byte("re:"), data...), Encoding: "text"})
	}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	replies, err := a.Get(context.Background(), "up/car/hvac/1/rpc.get", GetOptions{
		Payload: []byte("temp"),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	select {
	case r, ok := <-replies:
		if !ok {
			t.Fatal("stream closed without reply")
		}
		if !r.OK() || string(r.Sample.Payload) != "re:temp" || r.Sample.Encoding != "text" {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("no reply across peers")
	}
}

func TestLibp2pIdentityKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")
	first, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	second, err := loadOrCreateIdentityKey(path)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if !first.Equals(second) {
		t.Fatal("identity key not reloaded from disk")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := envelope{Key: "a/b", Payload: []byte{1}, HasPayload: true, QueryID: "q", ReplyTo: "r", Target: int(TargetAll)}
	b, err := marshalEnvelope(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := unmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Key != in.Key || !out.HasPayload || out.QueryID != "q" || out.ReplyTo != "r" || out.Target != int(TargetAll) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
