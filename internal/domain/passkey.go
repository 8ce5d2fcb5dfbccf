package domain

import "time"

// PasskeyCredential is a stored WebAuthn credential. CredentialID is the
// authenticator-assigned identifier and is globally unique.
type PasskeyCredential struct {
	CredentialID   []byte
	UserID         int64
	PublicKey      []byte
	SignCount      uint32
	Transports     []string
	AAGUID         []byte
	BackupEligible bool
	BackupState    bool
	DeviceName     string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}
