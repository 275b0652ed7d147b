package shared

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during normalization.
// utm_* is matched by prefix.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"_ga":    true,
	"ref":    true,
}

// NormalizeURL canonicalizes a URL for storage and deduplication: lowercases
// scheme and host, trims whitespace, drops fragments, default ports and
// tracking parameters, and trims the trailing slash on non-root paths.
// Invalid input is returned trimmed but otherwise untouched.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || trackingParams[lower] {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSorted(q)

	return u.String()
}

// Fingerprint derives the canonical dedup key for a URL. It is idempotent:
// Fingerprint(Fingerprint(u)) == Fingerprint(u).
func Fingerprint(raw string) string {
	return strings.ToLower(NormalizeURL(raw))
}

// encodeSorted encodes query values with deterministic key order so equal
// parameter sets always produce equal fingerprints.
func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
