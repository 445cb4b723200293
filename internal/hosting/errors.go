package hosting

import "errors"

var (
	// ErrNoPRFound is returned when no PR/MR exists for the given branch.
	ErrNoPRFound = errors.New("no pull request found for branch")

	// ErrUnknownProvider is returned when a repo URL matches no known
	// provider and none was forced.
	ErrUnknownProvider = errors.New("cannot determine hosting provider")

	// ErrNoToken is returned when no credential resolves for a provider.
	ErrNoToken = errors.New("no token available for provider")
)
