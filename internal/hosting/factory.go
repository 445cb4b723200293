package hosting

import (
	"fmt"
)

// Config carries everything a provider constructor needs. The caller has
// already resolved the token (scoped secret or process env).
type Config struct {
	// Provider forces a type ("github", "gitlab", "gitea"). Empty or
	// "auto" detects from the repo URL.
	Provider string

	// BaseURL for self-hosted instances. Empty means the public host
	// for GitHub/GitLab, or the repo URL's host for Gitea.
	BaseURL string

	// Token is the API credential.
	Token string
}

// NewProviderFunc constructs a provider for one repo URL. Registered at
// init time by the provider packages to avoid import cycles.
type NewProviderFunc func(repoURL string, cfg Config) (Provider, error)

var providerConstructors = map[ProviderType]NewProviderFunc{}

// RegisterProvider registers a provider constructor. Called from init()
// in the github/, gitlab/, and gitea/ packages.
func RegisterProvider(providerType ProviderType, constructor NewProviderFunc) {
	providerConstructors[providerType] = constructor
}

// NewProvider creates a provider for the given repo URL.
func NewProvider(repoURL string, cfg Config) (Provider, error) {
	providerType, err := ResolveProviderType(repoURL, cfg.Provider)
	if err != nil {
		return nil, err
	}

	constructor, ok := providerConstructors[providerType]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", providerType)
	}
	return constructor(repoURL, cfg)
}

// ResolveProviderType applies the forced provider if set, otherwise
// detects from the URL.
func ResolveProviderType(repoURL, forced string) (ProviderType, error) {
	if forced != "" && forced != "auto" {
		pt := ProviderType(forced)
		switch pt {
		case ProviderGitHub, ProviderGitLab, ProviderGitea:
			return pt, nil
		}
		return "", fmt.Errorf("unknown provider %q (supported: github, gitlab, gitea)", forced)
	}

	detected := DetectProvider(repoURL)
	if detected == ProviderUnknown {
		return "", fmt.Errorf("%w from repo URL %q", ErrUnknownProvider, repoURL)
	}
	return detected, nil
}

// TokenEnvVar returns the conventional env var name for a provider's
// token. Used as the secret name and the process env fallback.
func TokenEnvVar(providerType ProviderType) string {
	switch providerType {
	case ProviderGitHub:
		return "GITHUB_TOKEN"
	case ProviderGitLab:
		return "GITLAB_TOKEN"
	case ProviderGitea:
		return "GITEA_TOKEN"
	default:
		return ""
	}
}
