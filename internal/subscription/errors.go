package subscription

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrInsufficientPayment  = errors.New("insufficient payment")
	ErrOracleUnavailable    = errors.New("oracle unavailable")

	// ErrTransactionUsed - транзакция уже засчитана другому пользователю
	ErrTransactionUsed = errors.New("transaction already used")
)

// ValidationError - некорректный ввод вызывающей стороны
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// VerificationError - платёж не прошёл проверку. Reason - один из
// ErrMalformedTransaction, ErrInsufficientPayment, ErrOracleUnavailable.
type VerificationError struct {
	Reason error
	Detail string
	Err    error
}

func (e *VerificationError) Error() string {
	msg := "verification failed: " + e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// StorageError - ошибка чтения/записи хранилища подписок
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AccessError - ошибка провайдера канала. Не фатальна для вызывающего.
type AccessError struct {
	Op     string
	UserID int64
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access %s for user %d: %v", e.Op, e.UserID, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }
