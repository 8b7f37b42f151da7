package services

import "github.com/pkg/errors"

// Errors returned by OrderService
var (
	ErrInvalidOrder             = errors.New("invalid order")
	ErrInvalidDelta             = errors.New("quantity increase must be positive")
	ErrOrderNotFound            = errors.New("order not found")
	ErrOrderAlreadyExists       = errors.New("order already exists")
	ErrSerialization            = errors.New("failed to serialize order event")
	ErrConflictRetriesExhausted = errors.New("order kept changing, giving up")
)
