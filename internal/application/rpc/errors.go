package rpc

import "errors"

var (
	// ErrDuplicateEndpoint is returned when two endpoints share a name
	ErrDuplicateEndpoint = errors.New("duplicate endpoint name")

	// ErrRegistrySealed is returned when registering after startup
	ErrRegistrySealed = errors.New("endpoint registry is sealed")

	// ErrInvalidMethod is returned for a method without action or predicate
	ErrInvalidMethod = errors.New("invalid method descriptor")

	// ErrInternalNotFound is returned when an in-process call names an unknown member
	ErrInternalNotFound = errors.New("internal member not found")

	// ErrInvalidPayload is returned when the arguments do not fit the action
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnexpectedResult is returned when a typed internal call gets another type back
	ErrUnexpectedResult = errors.New("unexpected internal result type")
)
