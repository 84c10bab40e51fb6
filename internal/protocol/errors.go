package protocol

import "errors"

var (
	ErrInvalidArgument        = errors.New("protocol: invalid argument")
	ErrInsufficientLength     = errors.New("protocol: insufficient length")
	ErrDuplicateTransaction   = errors.New("protocol: duplicate transaction")
	ErrTransactionIDMismatch  = errors.New("protocol: transaction id mismatch")
	ErrSequenceMismatch       = errors.New("protocol: sequence mismatch")
	ErrBufferOverflow         = errors.New("protocol: buffer overflow")
	ErrUnknownChannel         = errors.New("protocol: unknown channel")
	ErrAllocationFailure      = errors.New("protocol: allocation failure")
	ErrMalformedControlFrame  = errors.New("protocol: malformed control frame")
	ErrTransactionExpired     = errors.New("protocol: transaction expired")
	ErrUnsupportedVersion     = errors.New("protocol: unsupported version packet")
)

// Reason maps an error to a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInsufficientLength):
		return "insufficient_length"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate_transaction"
	case errors.Is(err, ErrTransactionIDMismatch):
		return "transaction_id_mismatch"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, ErrBufferOverflow):
		return "buffer_overflow"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrAllocationFailure):
		return "allocation_failure"
	case errors.Is(err, ErrMalformedControlFrame):
		return "malformed_control_frame"
	case errors.Is(err, ErrTransactionExpired):
		return "transaction_expired"
	default:
		return "other"
	}
}
