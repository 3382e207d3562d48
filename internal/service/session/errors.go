package session

import "errors"

var (
	ErrNameRequired  = errors.New("session name is required")
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
	ErrNotConnected  = errors.New("session not connected")
	ErrSendFailed    = errors.New("send failed")
)
