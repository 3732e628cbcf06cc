package registry

import (
	"github.com/pkg/errors"
)

var (
	ErrNoAccount    = errors.New("caller identity has no account id")
	ErrNoAuthData   = errors.New("no authorization data returned for the registry")
	ErrBadAuthToken = errors.New("malformed registry authorization token")
)
