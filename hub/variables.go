package hub

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrProducerClosed  = errors.New("producer closed")
	ErrConsumerClosed  = errors.New("consumer closed")
	ErrChannelClosed   = errors.New("amqp channel closed")
	ErrNoHandler       = errors.New("consumer has no handler")
	ErrNotConfigured   = errors.New("exchange not configured")
	ErrUnsupportedKind = errors.New("unsupported exchange kind")
)

// DeclareConflictError means an exchange or queue already exists with
// different arguments. The broker closes the channel afterwards.
type DeclareConflictError struct {
	Kind string
	Name string
	Err  error
}

func (e *DeclareConflictError) Error() string {
	return fmt.Sprintf("declare %s %q conflicts with existing one: %v", e.Kind, e.Name, e.Err)
}

func (e *DeclareConflictError) Unwrap() error {
	return e.Err
}

// HandlerError carries the error a Handler returned for one delivery.
type HandlerError struct {
	Queue       string
	DeliveryTag uint64
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle delivery %d from queue %q: %v", e.DeliveryTag, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type atomicBool int32

func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }

// trySet flips the flag and reports whether this call did it.
func (b *atomicBool) trySet() bool { return atomic.CompareAndSwapInt32((*int32)(b), 0, 1) }
