package ingest

import "errors"

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStorage wraps transient or connectivity failures of the persistent store.
	ErrStorage = errors.New("storage failure")
	// ErrUnknownSourceType signals a source type missing from the priority table.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrExistingVanished signals the conflicting row disappeared before it could be read.
	ErrExistingVanished = errors.New("existing row vanished during resolution")
	// ErrInvalidTransition signals an out-of-order count validation call.
	ErrInvalidTransition = errors.New("invalid count validation transition")
	// ErrBatchClosed signals a phase call on a batch that already reached a terminal state.
	ErrBatchClosed = errors.New("count validation already closed")
	// ErrQueueClosed signals that a batch queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)

// StorageError marks err as a storage failure while keeping the original cause.
func StorageError(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return &storageError{cause: err}
}

type storageError struct {
	cause error
}

func (e *storageError) Error() string {
	return "storage failure: " + e.cause.Error()
}

func (e *storageError) Unwrap() []error {
	return []error{ErrStorage, e.cause}
}

// ItemError tags a per-item failure with its classification.
type ItemError struct {
	Type ErrorType
	Err  error
}

// NewItemError wraps err with a classification. Storage failures keep the
// storage classification regardless of t.
func NewItemError(t ErrorType, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		t = ErrorTypeStorage
	}
	return &ItemError{Type: t, Err: err}
}

func (e *ItemError) Error() string {
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Classify returns the failure classification of err.
func Classify(err error) ErrorType {
	var itemErr *ItemError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorage):
		return ErrorTypeStorage
	case errors.As(err, &itemErr):
		return itemErr.Type
	case errors.Is(err, ErrUnknownSourceType):
		return ErrorTypeConfig
	default:
		return ErrorTypeUnknown
	}
}
