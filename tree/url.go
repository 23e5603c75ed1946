package tree

import (
	"strings"
)

// ResolveURL implements the uniform link-resolution rule used by both
// parsers: if ref starts with "/", prefix baseDomain; if it has no scheme,
// prefix base; otherwise it is already absolute.
func ResolveURL(base, baseDomain, ref string) string {
	if ref == "" {
		return ref
	}
	if strings.Contains(ref, "://") {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return baseDomain + ref
	}
	return base + ref
}

// SplitBaseURL computes base_url (everything up to and including the last
// "/") and base_domain (scheme+host) from a manifest URL.
func SplitBaseURL(manifestURL string) (baseURL, baseDomain string) {
	baseURL = manifestURL
	if idx := strings.LastIndex(manifestURL, "/"); idx >= 0 {
		baseURL = manifestURL[:idx+1]
	}
	baseDomain = manifestURL
	if idx := strings.Index(manifestURL, "://"); idx >= 0 {
		rest := manifestURL[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			baseDomain = manifestURL[:idx+3+slash]
		}
	}
	return baseURL, baseDomain
}

// ResolveDownloadURL applies the effective_url rewrite (post-redirect base)
// and appends the manifest_parameter, if configured, to links under base_url
// that don't already carry a query string.
func (t *Tree) ResolveDownloadURL(ref string) string {
	resolved := ResolveURL(t.BaseURL, t.BaseDomain, ref)
	if t.EffectiveURL != "" && strings.HasPrefix(resolved, t.BaseURL) {
		resolved = t.EffectiveURL + strings.TrimPrefix(resolved, t.BaseURL)
	}
	if t.UpdateParameter != "" && strings.HasPrefix(resolved, t.BaseURL) && !strings.Contains(resolved, "?") {
		resolved += t.UpdateParameter
	}
	return resolved
}
