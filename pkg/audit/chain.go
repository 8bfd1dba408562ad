package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event is one audit trail entry describing a workflow transition.
// Seq, Hash, PrevHash, and Canon are assigned by the store on append.
type Event struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	ExpenseReportID string    `json:"expense_report_id"`
	ActorID         string    `json:"actor_id"`
	Action          string    `json:"action"` // submitted, approved, rejected, info_requested, resumed
	FromStatus      string    `json:"from_status"`
	ToStatus        string    `json:"to_status"`
	StepIndex       int       `json:"step_index"`
	Comment         string    `json:"comment,omitempty"`
	At              time.Time `json:"at"`

	Seq      int64  `json:"seq,omitempty"`
	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
	Canon    []byte `json:"-"`
}

// ChainHash computes the next hash in the chain.
//
//	hash = SHA-256( prevHash || canonicalEvent )
func ChainHash(prevHash string, canon []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks a contiguous run of events and checks every hash
// link. prevHash is the hash preceding the first event ("" for the
// start of the chain).
func VerifyChain(prevHash string, events []Event) error {
	prev := prevHash
	for _, ev := range events {
		expected := ChainHash(prev, ev.Canon)
		if ev.Hash != expected {
			return fmt.Errorf("audit chain broken at seq %d (event %s): expected %s, got %s",
				ev.Seq, ev.ID, expected, ev.Hash)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d (event %s): prev_hash mismatch", ev.Seq, ev.ID)
		}
		prev = ev.Hash
	}
	return nil
}
