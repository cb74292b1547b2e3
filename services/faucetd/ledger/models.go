package ledger

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TxStatus tracks what is known about the last relayed transaction.
type TxStatus string

const (
	TxNone      TxStatus = ""
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// EventKind enumerates audit trail entries.
type EventKind string

const (
	EventIssued    EventKind = "issued"
	EventRelayed   EventKind = "relayed"
	EventConfirmed EventKind = "confirmed"
	EventReverted  EventKind = "reverted"
)

// ClaimRecord is the per-address eligibility row. Rows are never deleted.
// Timestamps are unix seconds and zero means never.
type ClaimRecord struct {
	Address               string   `gorm:"primaryKey;size:42"`
	LastIssuedAt          int64    `gorm:"not null;default:0"`
	LastConfirmedAt       int64    `gorm:"not null;default:0;index"`
	ConfirmedClaimCount   int64    `gorm:"not null;default:0"`
	LastTransactionID     string   `gorm:"size:66;index"`
	LastTransactionStatus TxStatus `gorm:"size:16;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time

	events []ClaimEvent
}

// ClaimEvent is an append-only audit entry written alongside every record mutation.
type ClaimEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Address    string    `gorm:"size:42;index"`
	Kind       EventKind `gorm:"size:16;index"`
	TxHash     string    `gorm:"size:66"`
	Nonce      string    `gorm:"size:78"`
	Deadline   int64
	OccurredAt time.Time `gorm:"index"`
}

// AutoMigrate performs the schema migrations for the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ClaimRecord{}, &ClaimEvent{})
}

// LastActivity returns the most recent issuance or relay time.
func (r *ClaimRecord) LastActivity() int64 {
	if r.LastConfirmedAt > r.LastIssuedAt {
		return r.LastConfirmedAt
	}
	return r.LastIssuedAt
}

// HasClaimed reports whether at least one relay was accepted for the address.
func (r *ClaimRecord) HasClaimed() bool {
	return r.ConfirmedClaimCount > 0
}

// MarkIssued records a voucher issuance. The claim count is untouched.
func (r *ClaimRecord) MarkIssued(now time.Time, nonce *big.Int, deadline int64) {
	r.LastIssuedAt = now.Unix()
	r.queue(EventIssued, now, "", nonce, deadline)
}

// MarkRelayed records a relay submission accepted by the ledger.
func (r *ClaimRecord) MarkRelayed(now time.Time, txHash string, nonce *big.Int, deadline int64) {
	r.LastConfirmedAt = now.Unix()
	r.LastTransactionID = txHash
	r.LastTransactionStatus = TxSubmitted
	r.ConfirmedClaimCount++
	r.queue(EventRelayed, now, txHash, nonce, deadline)
}

// MarkConfirmed records a successful receipt for the last transaction.
func (r *ClaimRecord) MarkConfirmed(now time.Time) {
	r.LastTransactionStatus = TxConfirmed
	r.queue(EventConfirmed, now, r.LastTransactionID, nil, 0)
}

// RevertClaim undoes the optimistic bookkeeping of a relay whose transaction
// failed on chain so the address may try again.
func (r *ClaimRecord) RevertClaim(now time.Time) {
	if r.ConfirmedClaimCount > 0 {
		r.ConfirmedClaimCount--
	}
	r.LastConfirmedAt = 0
	r.LastIssuedAt = 0
	r.LastTransactionStatus = TxFailed
	r.queue(EventReverted, now, r.LastTransactionID, nil, 0)
}

func (r *ClaimRecord) queue(kind EventKind, now time.Time, txHash string, nonce *big.Int, deadline int64) {
	event := ClaimEvent{
		EventID:    uuid.New(),
		Address:    r.Address,
		Kind:       kind,
		TxHash:     txHash,
		Deadline:   deadline,
		OccurredAt: now.UTC(),
	}
	if nonce != nil {
		event.Nonce = nonce.String()
	}
	r.events = append(r.events, event)
}
