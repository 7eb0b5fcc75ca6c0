package domain

import "github.com/pkg/errors"

var (
	ErrNotFound            = errors.New("instance not found")
	ErrNotConnected        = errors.New("instance is not connected")
	ErrDuplicateID         = errors.New("instance id already exists")
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	ErrInvalidRequest      = errors.New("invalid request")
)
