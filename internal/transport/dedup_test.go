package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestContentHashUsesPrefixForLargePayloads(t *testing.T) {
	a := bytes.Repeat([]byte{1}, 4096)
	b := append(bytes.Repeat([]byte{1}, 1024), bytes.Repeat([]byte{2}, 3072)...)
	if contentHash(Message{Kind: KindImage, Payload: a}) != contentHash(Message{Kind: KindImage, Payload: b}) {
		t.Fatalf("large payloads sharing a prefix and length should collide")
	}
	c := bytes.Repeat([]byte{1}, 4097)
	if contentHash(Message{Kind: KindImage, Payload: a}) == contentHash(Message{Kind: KindImage, Payload: c}) {
		t.Fatalf("length should be part of the key")
	}
	small1 := []byte("abc")
	small2 := []byte("abd")
	if contentHash(Message{Kind: KindImage, Payload: small1}) == contentHash(Message{Kind: KindImage, Payload: small2}) {
		t.Fatalf("small payloads should hash their full content")
	}
	if contentHash(Message{Kind: KindServoStandard, Payload: small1}) == contentHash(Message{Kind: KindServo9G, Payload: small1}) {
		t.Fatalf("kind should be part of the key")
	}
}

func TestDedupWindow(t *testing.T) {
	c := newDedupCache(2 * time.Second)
	t0 := time.Unix(1000, 0)
	msg := Message{Kind: KindServoStandard, Payload: []byte("90")}

	if c.duplicate(msg, t0) {
		t.Fatalf("first send flagged as duplicate")
	}
	if !c.duplicate(msg, t0.Add(1500*time.Millisecond)) {
		t.Fatalf("repeat within window not flagged")
	}
	if !c.duplicate(msg, t0.Add(2*time.Second)) {
		t.Fatalf("repeat exactly at the window edge not flagged")
	}
	if c.duplicate(msg, t0.Add(2*time.Second+time.Nanosecond)) {
		t.Fatalf("repeat after window flagged")
	}
}

func TestDedupPurgeKeepsEntryAtWindowEdge(t *testing.T) {
	c := newDedupCache(time.Second)
	t0 := time.Unix(1000, 0)
	c.duplicate(Message{Kind: KindImage, Payload: []byte{1}}, t0)
	c.purge(t0.Add(time.Second))
	if c.size() != 1 {
		t.Fatalf("entry purged at the window edge")
	}
	c.purge(t0.Add(time.Second + time.Nanosecond))
	if c.size() != 0 {
		t.Fatalf("entry kept past the window")
	}
}

func TestDedupPurge(t *testing.T) {
	c := newDedupCache(time.Second)
	t0 := time.Unix(1000, 0)
	c.duplicate(Message{Kind: KindImage, Payload: []byte{1}}, t0)
	c.duplicate(Message{Kind: KindImage, Payload: []byte{2}}, t0.Add(500*time.Millisecond))
	c.purge(t0.Add(1200 * time.Millisecond))
	if c.size() != 1 {
		t.Fatalf("entries after purge = %d", c.size())
	}
	c.purge(t0.Add(2 * time.Second))
	if c.size() != 0 || len(c.entries) != 0 {
		t.Fatalf("entries after full purge = %d/%d", c.size(), len(c.entries))
	}
}

func TestDedupPurgeKeepsRefreshedEntry(t *testing.T) {
	c := newDedupCache(time.Second)
	t0 := time.Unix(1000, 0)
	msg := Message{Kind: KindImage, Payload: []byte{7}}
	c.duplicate(msg, t0)
	c.duplicate(msg, t0.Add(1500*time.Millisecond))
	c.purge(t0.Add(1600 * time.Millisecond))
	if !c.duplicate(msg, t0.Add(1700*time.Millisecond)) {
		t.Fatalf("refreshed entry was purged")
	}
}
