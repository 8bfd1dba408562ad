// Package archiver bundles verified audit chain segments into object
// storage for long-term retention.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clearspend/approvals/pkg/audit"
)

const defaultSegmentSize = 1000

type AuditStore interface {
	GetArchiveCheckpoint(context.Context) (int64, string, error)
	EventsAfter(context.Context, int64, int) ([]audit.Event, error)
	UpsertArchiveCheckpoint(context.Context, int64, string) error
}

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

type Service struct {
	store    AuditStore
	uploader Uploader
}

func New(store AuditStore, uploader Uploader) *Service {
	return &Service{store: store, uploader: uploader}
}

// Bundle is one archived chain segment. FirstSeq follows the previous
// bundle's LastSeq, so the full chain can be replayed bundle by bundle.
type Bundle struct {
	CreatedAt  time.Time     `json:"created_at"`
	EventCount int           `json:"event_count"`
	FirstSeq   int64         `json:"first_seq"`
	LastSeq    int64         `json:"last_seq"`
	PrevHash   string        `json:"prev_hash"`
	LastHash   string        `json:"last_hash"`
	Events     []audit.Event `json:"events"`
}

// ArchiveSegment verifies and uploads the next unarchived chain
// segment. It returns the object key, or "" when the chain head has
// already been archived.
func (s *Service) ArchiveSegment(ctx context.Context) (string, error) {
	lastSeq, lastHash, err := s.store.GetArchiveCheckpoint(ctx)
	if err != nil {
		return "", err
	}
	events, err := s.store.EventsAfter(ctx, lastSeq, defaultSegmentSize)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	if err := audit.VerifyChain(lastHash, events); err != nil {
		return "", fmt.Errorf("verify chain: %w", err)
	}

	last := events[len(events)-1]
	now := time.Now().UTC()
	bundle := Bundle{
		CreatedAt:  now,
		EventCount: len(events),
		FirstSeq:   events[0].Seq,
		LastSeq:    last.Seq,
		PrevHash:   lastHash,
		LastHash:   last.Hash,
		Events:     events,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	key := fmt.Sprintf("audit/%04d/%02d/%02d/%012d-%s.json",
		now.Year(), now.Month(), now.Day(), last.Seq, last.Hash)
	if err := s.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}
	if err := s.store.UpsertArchiveCheckpoint(ctx, last.Seq, last.Hash); err != nil {
		return "", err
	}
	return key, nil
}
