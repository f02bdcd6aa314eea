package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sap-123iit/homevideorecord/internal/logging"
)

func sampleEvent() Event {
	return Event{
		Version:   "1.0",
		EventType: "segment_uploaded",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Segment: SegmentInfo{
			Root:     "cams",
			Name:     "recording_20240101_120000.mp4",
			Key:      "cams/20240101/recording_20240101_120000.mp4",
			URI:      "mem://recordings/cams/20240101/recording_20240101_120000.mp4",
			Checksum: "sha256:abc123",
			ByteSize: 1234,
		},
		Producer: ProducerInfo{Name: "homevideorecord", Version: "v0.1.0", GitSHA: "abcdef"},
	}
}

func link(t *testing.T, e *Event, prev string) {
	t.Helper()
	if err := e.Link(prev); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
}

func TestEventLinkStartsChain(t *testing.T) {
	event := sampleEvent()
	link(t, &event, "")

	if event.Chain.EventHash == "" {
		t.Error("EventHash should be computed")
	}
	if len(event.Chain.EventHash) < 7 || event.Chain.EventHash[:7] != "sha256:" {
		t.Errorf("EventHash should start with 'sha256:', got: %s", event.Chain.EventHash)
	}
	if event.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", event.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	event1 := sampleEvent()
	link(t, &event1, "prev_hash_123")

	event2 := sampleEvent()
	link(t, &event2, "prev_hash_123")

	// Same content + same prev_hash = same event_hash (deterministic)
	if event1.Chain.EventHash != event2.Chain.EventHash {
		t.Errorf("Identical events should produce identical hashes.\n  Event1: %s\n  Event2: %s",
			event1.Chain.EventHash, event2.Chain.EventHash)
	}
}

func TestHashChainDifferentPrevHash(t *testing.T) {
	event1 := sampleEvent()
	link(t, &event1, "prev_hash_A")

	event2 := sampleEvent()
	link(t, &event2, "prev_hash_B")

	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different prev_hash should produce different event_hash")
	}
}

func TestHashChainDifferentContent(t *testing.T) {
	event1 := sampleEvent()
	link(t, &event1, "")

	event2 := sampleEvent()
	event2.Segment.Checksum = "sha256:tampered"
	link(t, &event2, "")

	// Different content = different event_hash (tamper evident)
	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different content should produce different event_hash")
	}
}

func TestChainKey(t *testing.T) {
	if got := (SegmentInfo{Root: "cams"}).ChainKey(); got != "cams" {
		t.Errorf("ChainKey() = %s, want cams", got)
	}
	if got := (SegmentInfo{}).ChainKey(); got != "default" {
		t.Errorf("ChainKey() = %s, want default", got)
	}
}

func upload(name string) Upload {
	return Upload{
		Root:     "cams",
		Name:     name,
		Key:      "cams/20240101/" + name,
		URI:      "mem://recordings/cams/20240101/" + name,
		Checksum: "sha256:abc",
		ByteSize: 800 * 1024,
	}
}

func TestFileOnlyEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	emitter, err := NewFileOnlyEmitter(dir, ProducerInfo{Name: "homevideorecord"})
	if err != nil {
		t.Fatalf("NewFileOnlyEmitter failed: %v", err)
	}

	first, err := emitter.Emit(upload("recording_20240101_120000.mp4"))
	if err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}
	second, err := emitter.Emit(upload("recording_20240101_120300.mp4"))
	if err != nil {
		t.Fatalf("second Emit failed: %v", err)
	}

	if first.Chain.PrevEventHash != "" {
		t.Errorf("first event should start the chain, prev = %s", first.Chain.PrevEventHash)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Errorf("second event should link to the first")
	}

	data, err := os.ReadFile(emitter.backup.Path("recording_20240101_120300.mp4"))
	if err != nil {
		t.Fatalf("event file should exist: %v", err)
	}
	var saved Event
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if saved.Chain.EventHash != second.Chain.EventHash {
		t.Error("saved event hash mismatch")
	}
	if h, _ := HashEvent(saved); h != saved.Chain.EventHash {
		t.Error("saved event should verify against its own hash")
	}

	// A new emitter over the same directory continues the chain.
	reopened, err := NewFileOnlyEmitter(dir, ProducerInfo{Name: "homevideorecord"})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	third, err := reopened.Emit(upload("recording_20240101_120600.mp4"))
	if err != nil {
		t.Fatalf("third Emit failed: %v", err)
	}
	if third.Chain.PrevEventHash != second.Chain.EventHash {
		t.Error("chain head should survive a restart")
	}
}

func TestHTTPEmitterRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	emitter, err := NewHTTPEmitter(Config{
		Dir:         t.TempDir(),
		Endpoint:    srv.URL,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}

	if _, err := emitter.Emit(context.Background(), upload("recording_20240101_120000.mp4")); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestHTTPEmitterDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	emitter, err := NewHTTPEmitter(Config{Dir: dir, Endpoint: srv.URL, MaxAttempts: 5, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}

	if _, err := emitter.Emit(context.Background(), upload("recording_20240101_120000.mp4")); err == nil {
		t.Fatal("expected error for 400 response")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls)
	}

	// The chain head does not move when emission fails.
	if head, ok := emitter.chain.heads.Get("cams"); ok {
		t.Errorf("chain head should be unset, got %s", head)
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	e := NewEmitter(Config{Enabled: false})
	if _, ok := e.(NoopEmitter); !ok {
		t.Errorf("expected NoopEmitter, got %T", e)
	}
	if err := e.EmitUpload(context.Background(), upload("x.mp4")); err != nil {
		t.Errorf("noop emit should succeed: %v", err)
	}
}

func TestNewEmitterFileOnly(t *testing.T) {
	dir := t.TempDir()
	e := NewEmitter(Config{Enabled: true, Dir: dir})
	if err := e.EmitUpload(context.Background(), upload("recording_20240101_120000.mp4")); err != nil {
		t.Fatalf("EmitUpload failed: %v", err)
	}
	if _, err := os.Stat(dir + "/recording_20240101_120000.mp4.event.json"); err != nil {
		t.Errorf("event file should exist: %v", err)
	}
}

func TestEmitUploadRecordsCycleID(t *testing.T) {
	dir := t.TempDir()
	e := NewEmitter(Config{Enabled: true, Dir: dir})
	ctx := logging.WithCycleID(context.Background(), "cycle-42")
	if err := e.EmitUpload(ctx, upload("recording_20240101_120000.mp4")); err != nil {
		t.Fatalf("EmitUpload failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "recording_20240101_120000.mp4.event.json"))
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if evt.CycleID != "cycle-42" {
		t.Errorf("cycle id = %q, want cycle-42", evt.CycleID)
	}
}

func TestVerifyTrail(t *testing.T) {
	dir := t.TempDir()
	emitter, err := NewFileOnlyEmitter(dir, ProducerInfo{Name: "homevideorecord"})
	if err != nil {
		t.Fatalf("NewFileOnlyEmitter failed: %v", err)
	}

	if n, err := VerifyTrail(dir, "cams"); err != nil || n != 0 {
		t.Fatalf("empty trail = %d, %v", n, err)
	}

	names := []string{
		"recording_20240101_120000.mp4",
		"recording_20240101_120300.mp4",
		"recording_20240101_120600.mp4",
	}
	for _, name := range names {
		if _, err := emitter.Emit(upload(name)); err != nil {
			t.Fatalf("Emit %s failed: %v", name, err)
		}
	}

	// An event file that never made it onto the chain is ignored.
	stray := sampleEvent()
	stray.Segment.Name = "recording_20240101_130000.mp4"
	link(t, &stray, "sha256:unknown")
	if err := emitter.backup.Save(&stray); err != nil {
		t.Fatalf("save stray event: %v", err)
	}

	n, err := VerifyTrail(dir, "cams")
	if err != nil {
		t.Fatalf("VerifyTrail failed: %v", err)
	}
	if n != len(names) {
		t.Errorf("chain length = %d, want %d", n, len(names))
	}

	// Tampering with a recorded size breaks the chain.
	path := emitter.backup.Path(names[1])
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatal(err)
	}
	evt.Segment.ByteSize++
	if err := emitter.backup.Save(&evt); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyTrail(dir, "cams"); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("expected ErrBrokenChain after tampering, got %v", err)
	}

	// Removing an event also breaks it.
	if err := os.Remove(filepath.Join(dir, names[0]+".event.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyTrail(dir, "cams"); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("expected ErrBrokenChain after removal, got %v", err)
	}
}

func TestOpenHeadsRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, HeadsFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenHeads(dir); err == nil {
		t.Error("expected parse error")
	}
}
