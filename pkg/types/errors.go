package types

import "errors"

// Sentinel errors shared across the storage engine. Callers discriminate
// with errors.Is; wrapping adds the local context.
var (
	// ErrEOF marks the clean end of a record stream, including a
	// truncated tail that recovery tolerates.
	ErrEOF = errors.New("end of record stream")

	// ErrRecordChecksum is a CRC mismatch on a record file body.
	ErrRecordChecksum = errors.New("record file checksum mismatch")

	// ErrPageChecksum is a CRC mismatch on a TSM page; queries fail.
	ErrPageChecksum = errors.New("tsm page checksum mismatch")

	// ErrWalTruncated is surfaced when recovery stops at a damaged record
	// and proceeds past the truncation point.
	ErrWalTruncated = errors.New("wal truncated")

	ErrTableNotFound      = errors.New("table not found")
	ErrFieldNotFound      = errors.New("field not found")
	ErrColumnTypeMismatch = errors.New("column type mismatch")
	ErrInvalidPointTable  = errors.New("invalid point table")
	ErrInvalidParam       = errors.New("invalid parameter")

	ErrSeriesNotFound = errors.New("series not found")

	// ErrConflictSeries is returned when a tag update would collide with
	// an existing series holding a different id.
	ErrConflictSeries = errors.New("conflicting series key")

	ErrFileClosed     = errors.New("file already closed")
	ErrWriterFinished = errors.New("writer already finished")

	// ErrUnsupportedEncoding is returned when a column's declared
	// encoding cannot represent its value type.
	ErrUnsupportedEncoding = errors.New("unsupported encoding for column type")
)
