package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

// newTestNode starts a node on an ephemeral localhost port.
func newTestNode(t *testing.T) *Node {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	node, err := NewNode(Config{
		PrivateKey: priv,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// TestSendMessage tests one-way delivery between two nodes.
func TestSendMessage(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	received := make(chan []byte, 1)

	b.OnMessage(func(_ *Peer, data []byte) {
		received <- data
	})

	if err := a.Send(b.Addr(), []byte("hello directory")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, []byte("hello directory")) {
			t.Errorf("received %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

// TestRequestResponse tests the bidirectional stream path.
func TestRequestResponse(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	b.OnRequest(func(_ *Peer, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})

	peer, err := a.Connect(b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, []byte("blocks"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if !bytes.Equal(resp, []byte("echo:blocks")) {
		t.Errorf("response %q", resp)
	}
}

// TestDuplicateSuppression tests that the same payload is delivered only
// once within the dedup TTL.
func TestDuplicateSuppression(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	received := make(chan []byte, 4)

	b.OnMessage(func(_ *Peer, data []byte) {
		received <- data
	})

	for i := 0; i < 3; i++ {
		if err := a.Send(b.Addr(), []byte("same payload")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("first copy not delivered")
	}

	select {
	case <-received:
		t.Fatal("duplicate delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestFrameCodec tests the length-prefixed framing.
func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte("framed message")

	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	decoded, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(decoded, payload) {
		t.Errorf("decoded %q", decoded)
	}
}

// TestFrameCodec_TooLarge tests the frame size bound.
func TestFrameCodec_TooLarge(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, make([]byte, maxFrameSize+1)); err == nil {
		t.Fatal("oversized frame written")
	}

	// A forged oversized length prefix must be rejected on read.
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("oversized frame length accepted")
	}
}

// TestDedup tests hash-based duplicate detection directly.
func TestDedup(t *testing.T) {
	d := NewDedup()
	defer d.Close()

	if !d.Check([]byte("a")) {
		t.Fatal("first sighting reported as duplicate")
	}

	if d.Check([]byte("a")) {
		t.Fatal("duplicate not detected")
	}

	if !d.Check([]byte("b")) {
		t.Fatal("distinct payload reported as duplicate")
	}
}
