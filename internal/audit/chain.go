package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// HeadsFile holds the last event hash of every chain.
const HeadsFile = "audit-chain-heads.json"

// ErrBrokenChain is returned when the events on disk do not link up to the
// recorded head.
var ErrBrokenChain = errors.New("audit chain broken")

// HashEvent returns the sha256 of the event's JSON form with its own hash
// cleared.
func HashEvent(evt Event) (string, error) {
	evt.Chain.EventHash = ""
	canonical, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", evt.EventID, err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Heads is the persisted head of each chain, keyed by remote root.
type Heads struct {
	mu    sync.Mutex
	path  string
	heads map[string]string
}

// OpenHeads loads the heads file in dir, creating dir if needed.
func OpenHeads(dir string) (*Heads, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	h := &Heads{
		path:  filepath.Join(dir, HeadsFile),
		heads: make(map[string]string),
	}

	data, err := os.ReadFile(h.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &h.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", h.path, err)
		}
	}
	return h, nil
}

// Get returns the head of the chain for root. ok is false for a chain with
// no events yet.
func (h *Heads) Get(root string) (hash string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hash = h.heads[root]
	return hash, hash != ""
}

// Advance moves the head of root's chain and persists every head.
func (h *Heads) Advance(root, hash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, had := h.heads[root]
	h.heads[root] = hash
	if err := h.persist(); err != nil {
		if had {
			h.heads[root] = prev
		} else {
			delete(h.heads, root)
		}
		return err
	}
	return nil
}

func (h *Heads) persist() error {
	data, err := json.MarshalIndent(h.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit chain heads: %w", err)
	}
	return nil
}

// VerifyTrail walks root's chain backwards from its persisted head through
// the event files in dir, checking every hash and link. It returns the
// number of events on the chain. Event files not on the chain, such as
// those of emissions that never succeeded, are ignored.
func VerifyTrail(dir, root string) (int, error) {
	heads, err := OpenHeads(dir)
	if err != nil {
		return 0, err
	}
	head, ok := heads.Get(SegmentInfo{Root: root}.ChainKey())
	if !ok {
		return 0, nil
	}

	byHash, err := loadEvents(dir)
	if err != nil {
		return 0, err
	}

	n := 0
	for hash := head; hash != ""; {
		evt, found := byHash[hash]
		if !found {
			return n, fmt.Errorf("%w: no event with hash %s", ErrBrokenChain, hash)
		}
		got, err := HashEvent(evt)
		if err != nil {
			return n, err
		}
		if got != hash {
			return n, fmt.Errorf("%w: event %s for %s was modified", ErrBrokenChain, evt.EventID, evt.Segment.Name)
		}
		n++
		hash = evt.Chain.PrevEventHash
	}
	return n, nil
}

func loadEvents(dir string) (map[string]Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	events := make(map[string]Event)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), eventFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		events[evt.Chain.EventHash] = evt
	}
	return events, nil
}

func newEventID() string {
	return "upload_evt_" + uuid.NewString()
}
