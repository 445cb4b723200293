package hosting

import (
	"regexp"
	"strings"
)

// DetectProvider determines the hosting provider from a repo URL.
//
// Recognized forms:
//   - https://github.com/owner/repo(.git)
//   - git@gitlab.com:owner/repo.git
//   - https://gitlab.company.com/group/subgroup/repo (self-hosted)
//   - https://gitea.company.com/owner/repo
func DetectProvider(repoURL string) ProviderType {
	url := strings.ToLower(strings.TrimSpace(repoURL))
	switch {
	case hostPattern("github").MatchString(url):
		return ProviderGitHub
	case hostPattern("gitlab").MatchString(url):
		return ProviderGitLab
	case hostPattern("gitea").MatchString(url), hostPattern("forgejo").MatchString(url):
		return ProviderGitea
	default:
		return ProviderUnknown
	}
}

var patternCache = map[string]*regexp.Regexp{}

// hostPattern matches "<name>.com" and self-hosted "<name>.company.tld"
// hosts followed by a path separator.
func hostPattern(name string) *regexp.Regexp {
	if p, ok := patternCache[name]; ok {
		return p
	}
	p := regexp.MustCompile(name + `\.([a-z0-9-]+\.)?[a-z]+[:/]`)
	patternCache[name] = p
	return p
}

// ParseOwnerRepo extracts the project path from a repo URL and splits it
// into owner (which may be "group/subgroup" on GitLab) and repo name.
func ParseOwnerRepo(repoURL string) (owner, repo string) {
	path := projectPath(repoURL)
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// HostURL returns the "https://host" part of a repo URL, used as the API
// base for self-hosted instances. Empty when the URL has no usable host.
func HostURL(repoURL string) string {
	raw := strings.TrimSpace(repoURL)
	switch {
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		scheme, rest, _ := strings.Cut(raw, "://")
		host, _, _ := strings.Cut(rest, "/")
		if host == "" {
			return ""
		}
		return scheme + "://" + host
	case strings.HasPrefix(raw, "ssh://"):
		rest := strings.TrimPrefix(raw, "ssh://")
		host, _, _ := strings.Cut(rest, "/")
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		if colon := strings.Index(host, ":"); colon >= 0 {
			host = host[:colon]
		}
		if host == "" {
			return ""
		}
		return "https://" + host
	default:
		// SCP-style: git@host:owner/repo
		if at := strings.Index(raw, "@"); at >= 0 {
			if colon := strings.Index(raw[at:], ":"); colon >= 0 {
				return "https://" + raw[at+1:at+colon]
			}
		}
		return ""
	}
}

// projectPath strips scheme, credentials, host, and the ".git" suffix,
// leaving "owner/repo" or "group/subgroup/repo".
func projectPath(repoURL string) string {
	raw := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")

	switch {
	case strings.HasPrefix(raw, "ssh://"):
		// ssh://git@host[:port]/owner/repo
		raw = strings.TrimPrefix(raw, "ssh://")
		if idx := strings.Index(raw, "/"); idx >= 0 {
			raw = strings.TrimLeft(raw[idx:], "/")
		}
	case strings.HasPrefix(raw, "https://"), strings.HasPrefix(raw, "http://"):
		_, rest, _ := strings.Cut(raw, "://")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			raw = rest[idx+1:]
		} else {
			raw = ""
		}
	default:
		// SCP-style: git@host:owner/repo
		if idx := strings.Index(raw, ":"); idx >= 0 {
			raw = raw[idx+1:]
		}
	}
	return strings.Trim(raw, "/")
}
