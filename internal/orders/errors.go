package orders

import (
	"errors"
	"fmt"

	"github.com/joao-fontenele/bookstore-orderflow/internal/domain"
)

// ErrorKind classifies core failures so the route layer can map them.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInsufficientStock ErrorKind = "insufficient_stock"
	KindAlreadyPaid       ErrorKind = "already_paid"
	KindValidation        ErrorKind = "validation_error"
	KindStorageConflict   ErrorKind = "storage_conflict"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrAlreadyPaid       = &Error{Kind: KindAlreadyPaid}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrStorageConflict   = &Error{Kind: KindStorageConflict}
)

// Error is a structured core error: a kind plus the context that caused it.
type Error struct {
	Kind    ErrorKind
	OrderID string
	BookID  string
	From    domain.OrderStatus
	Target  domain.OrderStatus
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.BookID != "":
		msg = fmt.Sprintf("%s (book %s)", msg, e.BookID)
	case e.OrderID != "":
		msg = fmt.Sprintf("%s (order %s)", msg, e.OrderID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of a core error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(orderID string) *Error {
	return &Error{Kind: KindNotFound, OrderID: orderID, Message: "order not found"}
}

func invalidTransition(orderID string, from, target domain.OrderStatus) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		OrderID: orderID,
		From:    from,
		Target:  target,
		Message: fmt.Sprintf("cannot move order from %q to %q", from, target),
	}
}

func insufficientStock(bookID string) *Error {
	return &Error{Kind: KindInsufficientStock, BookID: bookID, Message: "insufficient stock"}
}

func alreadyPaid(orderID string) *Error {
	return &Error{Kind: KindAlreadyPaid, OrderID: orderID, Message: "order already paid with a different transaction"}
}

func validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func storageConflict(orderID string, err error) *Error {
	return &Error{Kind: KindStorageConflict, OrderID: orderID, Message: "concurrent update", Err: err}
}
