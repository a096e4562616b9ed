package server

import (
	"errors"

	"github.com/ox-it/apiox-core/internal/apierror"
	"github.com/ox-it/apiox-core/internal/repository"
)

var errTokenNotLoaded = errors.New("token principals not loaded")

// lookupError maps a repository lookup failure onto a 404 with description,
// leaving every other failure internal.
func lookupError(err error, description string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apierror.NotFound(description)
	}
	return apierror.Internal(err)
}
