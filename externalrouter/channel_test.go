package externalrouter

import (
	"net"
	"testing"
)

type fakeBackend struct {
	snapshot Snapshot
	commands []Command
	queries  []Query
}

func (f *fakeBackend) Snapshot() Snapshot { return f.snapshot }

func (f *fakeBackend) ApplyCommand(cmd Command) error {
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeBackend) Query(q Query) QueryResult {
	f.queries = append(f.queries, q)
	return QueryResult{Kind: q.Kind, Cumulative: TrafficCounters{Received: 1}}
}

func TestChannelHandshakeAndFullReport(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	backend := &fakeBackend{snapshot: Snapshot{Bundles: []BundleRecord{{GBoF: "gbof-1"}}}}
	ch := NewChannel(serverConn, backend, nil, nil)

	go ch.Serve()

	if err := WriteHandshake(clientConn); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, ok, err := ReadHandshake(clientConn); err != nil || !ok {
		t.Fatalf("read handshake: ok=%v err=%v", ok, err)
	}

	f, err := readFrame(clientConn)
	if err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if f.Kind != KindSnapshot {
		t.Fatalf("expected snapshot frame, got %v", f.Kind)
	}
	var snap Snapshot
	if err := decode(f.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Bundles) != 1 || snap.Bundles[0].GBoF != "gbof-1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	_ = clientConn.Close()
}

func TestChannelAppliesCommand(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	backend := &fakeBackend{}
	ch := NewChannel(serverConn, backend, nil, nil)

	go ch.Serve()

	if err := WriteHandshake(clientConn); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	if _, _, err := ReadHandshake(clientConn); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if _, err := readFrame(clientConn); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}

	payload, err := encode(Command{Kind: CommandSetLinkEnabled, LinkID: "link-1", Enabled: true})
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := writeFrame(clientConn, KindCommand, payload); err != nil {
		t.Fatalf("write command frame: %v", err)
	}

	// Give the channel's inbound loop a moment to process; the loop runs
	// concurrently with this goroutine, so the command isn't guaranteed
	// applied the instant writeFrame returns. A second request/response
	// round trip (the query below) happens-after the command on the same
	// connection, so by the time its result arrives the command has long
	// been applied.
	qPayload, err := encode(Query{Kind: QueryStorageQuota})
	if err != nil {
		t.Fatalf("encode query: %v", err)
	}
	if err := writeFrame(clientConn, KindQuery, qPayload); err != nil {
		t.Fatalf("write query frame: %v", err)
	}
	resultFrame, err := readFrame(clientConn)
	if err != nil {
		t.Fatalf("read query result: %v", err)
	}
	if resultFrame.Kind != KindQueryResult {
		t.Fatalf("expected query-result frame, got %v", resultFrame.Kind)
	}

	if len(backend.commands) != 1 || backend.commands[0].LinkID != "link-1" {
		t.Fatalf("expected command to be applied, got %+v", backend.commands)
	}

	_ = clientConn.Close()
}
