package models

import "time"

// KeyStatus is the rotation state of a quantum-resistant key. Exactly one key
// per logical chain is ACTIVE at any instant; rotation moves the predecessor
// through EXPIRING to EXPIRED while its successor is already ACTIVE.
type KeyStatus string

const (
	KeyActive   KeyStatus = "ACTIVE"
	KeyExpiring KeyStatus = "EXPIRING"
	KeyExpired  KeyStatus = "EXPIRED"
	KeyRevoked  KeyStatus = "REVOKED"
)

var keyTransitions = map[KeyStatus][]KeyStatus{
	KeyActive:   {KeyExpiring, KeyRevoked},
	KeyExpiring: {KeyExpired, KeyRevoked},
	KeyExpired:  {},
	KeyRevoked:  {},
}

// Valid reports whether s is a known key status.
func (s KeyStatus) Valid() bool {
	_, ok := keyTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal step.
func (s KeyStatus) CanTransition(next KeyStatus) bool {
	for _, allowed := range keyTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type QuantumKey struct {
	KeyID     string    `gorm:"column:key_id;primaryKey;size:64"`
	ChainID   string    `gorm:"column:chain_id;size:64;index;not null"`
	Algorithm string    `gorm:"column:algorithm;size:32;not null"`
	Status    KeyStatus `gorm:"column:status;size:16;index;not null"`
	// PublicKey holds the encoded ML-DSA public key. Private key material
	// never touches this store.
	PublicKey []byte    `gorm:"column:public_key"`
	CreatedAt time.Time `gorm:"column:created_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (QuantumKey) TableName() string { return "quantum_keys" }
