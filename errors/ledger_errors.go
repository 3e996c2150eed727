package errors

import (
	stderrors "errors"

	"folioledger/jsonx"
)

// LedgerErrorCode represents standardized error codes for ledger and
// sync-protocol operations
type LedgerErrorCode string

const (
	// Integrity errors
	ErrCodeChainLinkage     LedgerErrorCode = "chain_linkage"
	ErrCodeSequenceMismatch LedgerErrorCode = "sequence_mismatch"
	ErrCodeChainIntegrity   LedgerErrorCode = "chain_integrity"
	ErrCodeStartupIntegrity LedgerErrorCode = "startup_integrity"

	// Lookup errors
	ErrCodeNotFound LedgerErrorCode = "not_found"

	// Transaction errors
	ErrCodeDuplicateTransaction LedgerErrorCode = "duplicate_transaction"
	ErrCodeEvicted              LedgerErrorCode = "evicted"
	ErrCodePoolFull             LedgerErrorCode = "pool_full"

	// Directory and protocol errors
	ErrCodeDuplicateNode     LedgerErrorCode = "duplicate_node"
	ErrCodeHandshakeRejected LedgerErrorCode = "handshake_rejected"
	ErrCodeProtocolViolation LedgerErrorCode = "protocol_violation"
	ErrCodePeerTimeout       LedgerErrorCode = "peer_timeout"
	ErrCodeConfiguration     LedgerErrorCode = "configuration"
	ErrCodeInternal          LedgerErrorCode = "internal_error"
)

// LedgerError represents a standardized error carried across component
// boundaries and, for protocol errors, over the wire inside acknowledgements.
type LedgerError struct {
	Code    LedgerErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Error implements the error interface
func (e *LedgerError) Error() string {
	err, _ := jsonx.Marshal(LedgerError{
		Code:    e.Code,
		Message: e.Message,
	})
	return string(err)
}

// NewError creates a new LedgerError and returns it as error interface
func NewError(code LedgerErrorCode, message string) error {
	return &LedgerError{
		Code:    code,
		Message: message,
	}
}

// CodeOf extracts the LedgerErrorCode from an error chain. Errors that are
// not LedgerErrors map to ErrCodeInternal.
func CodeOf(err error) LedgerErrorCode {
	var le *LedgerError
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code LedgerErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
