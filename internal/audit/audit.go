// Package audit keeps a tamper-evident log of agent lifecycle events.
//
// Entries form a hash chain. Entry 0 is a fixed genesis record whose hash is
// GenesisHash; every later entry stores the SHA-256 of its own fields plus
// the hash of its predecessor, so editing or removing any entry breaks Verify
// from that point on. Payloads are not stored, only their digest.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Lifecycle actions.
const (
	ActionGenesis = "genesis"
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// SystemActor is the actor recorded for entries the registry writes itself.
const SystemActor = "registry"

// ErrBrokenChain is returned by Verify when an entry does not chain to its
// predecessor or its hash does not match its fields.
var ErrBrokenChain = errors.New("audit chain broken")

// Entry is one audit record.
type Entry struct {
	Index     int       `json:"index"      db:"idx"`
	Timestamp time.Time `json:"timestamp"  db:"recorded_at"`
	AgentID   string    `json:"agent_id"   db:"agent_id"`
	Action    string    `json:"action"     db:"action"`
	Actor     string    `json:"actor"      db:"actor"`
	DataHash  string    `json:"data_hash"  db:"data_hash"`
	PrevHash  string    `json:"prev_hash"  db:"prev_hash"`
	Hash      string    `json:"hash"       db:"hash"`
}

// Log is the append-only audit log. *MemoryLog and *PostgresLog implement it.
type Log interface {
	// Append chains a new entry. payload is JSON encoded and only its digest kept.
	Append(ctx context.Context, agentID, action, actor string, payload any) (*Entry, error)
	// History returns the entries for one agent, oldest first.
	History(ctx context.Context, agentID string) ([]*Entry, error)
	// Len counts entries, genesis included.
	Len(ctx context.Context) (int, error)
	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
	// Verify walks the whole chain.
	Verify(ctx context.Context) error
}

func genesis(at time.Time) *Entry {
	return &Entry{
		Index:     0,
		Timestamp: at,
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashEntry must never be applied to the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.AgentID, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// link checks curr against its predecessor. prev is nil for the first entry.
func link(prev, curr *Entry) error {
	if prev == nil {
		if curr.Index != 0 || curr.Hash != GenesisHash {
			return fmt.Errorf("%w: bad genesis entry (index %d, hash %q)", ErrBrokenChain, curr.Index, curr.Hash)
		}
		return nil
	}
	if curr.Index != prev.Index+1 {
		return fmt.Errorf("%w: index %d follows %d", ErrBrokenChain, curr.Index, prev.Index)
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("%w: entry %d does not chain to %d", ErrBrokenChain, curr.Index, prev.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, curr.Index)
	}
	return nil
}
