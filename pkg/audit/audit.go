// Package audit implements the append-only audit log: every state
// transition and execution attempt lands here as an immutable,
// hash-chained entry. Entries are partitioned by UTC date so storage
// stays bounded per partition and range queries stay cheap; the hash
// chain runs within each partition.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// PartitionLayout is the UTC date format used as partition key.
const PartitionLayout = "2006-01-02"

// Entry is an immutable fact about one transition or attempt.
type Entry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Partition      string    `json:"partition"`
	ActionType     string    `json:"action_type"`
	Actor          string    `json:"actor"`
	Target         string    `json:"target"`
	ApprovalStatus string    `json:"approval_status,omitempty"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`

	// PreviousHash links the entry to its predecessor within the same
	// partition; the first entry of a partition links to "".
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// Filter narrows Query results.
type Filter struct {
	FromPartition string
	ToPartition   string
	ActionType    string
	Target        string
	Limit         int
}

// Log records and retrieves audit entries. Append is the only write
// operation; entries are never updated or deleted.
type Log interface {
	Append(ctx context.Context, e Entry) (*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
	VerifyChain(ctx context.Context, partition string) error
}

// seal assigns identity, partition and chain hashes to a new entry.
func seal(e *Entry, prevHash string, now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Partition = e.Timestamp.Format(PartitionLayout)
	if e.Actor == "" {
		e.Actor = "system"
	}
	e.PreviousHash = prevHash

	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// entryHash computes SHA-256 over the JCS-canonical form of the entry
// fields, excluding Hash itself.
func entryHash(e *Entry) (string, error) {
	hashable := map[string]any{
		"id":              e.ID,
		"timestamp":       e.Timestamp.Format(time.RFC3339Nano),
		"partition":       e.Partition,
		"action_type":     e.ActionType,
		"actor":           e.Actor,
		"target":          e.Target,
		"approval_status": e.ApprovalStatus,
		"approved_by":     e.ApprovedBy,
		"result":          e.Result,
		"error":           e.Error,
		"previous_hash":   e.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// verifyEntries checks hash and link integrity for one partition's
// entries in append order.
func verifyEntries(entries []*Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("chain broken at index %d: previous hash mismatch", i)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("recompute hash at index %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("integrity failure at index %d: computed %s, stored %s", i, computed, e.Hash)
		}
		prev = e.Hash
	}
	return nil
}
