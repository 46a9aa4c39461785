package domain

import "errors"

var (
	ErrInvalidMutation        = errors.New("invalid mutation")
	ErrRootRotation           = errors.New("root rotation threshold not met")
	ErrKeyUnavailable         = errors.New("no online key for role")
	ErrInsufficientSignatures = errors.New("insufficient signatures")
	ErrConflict               = errors.New("version conflict")
	ErrPublishIO              = errors.New("publish failed")
	ErrAlreadyClaimed         = errors.New("task already claimed")
	ErrLeaseLost              = errors.New("task lease lost")
	ErrNotFound               = errors.New("not found")
	ErrNotBootstrapped        = errors.New("repository not bootstrapped")
	ErrAlreadyBootstrapped    = errors.New("repository already bootstrapped")
)
