package shared

import "testing"

func TestNormalizeURL_StripsTrackingParams(t *testing.T) {
	got := NormalizeURL("https://Example.com/Article/?utm_source=x&utm_medium=y&id=7")
	want := "https://example.com/Article?id=7"
	if got != want {
		t.Errorf("NormalizeURL = %q, want %q", got, want)
	}
}

func TestNormalizeURL_DropsFragmentAndDefaultPort(t *testing.T) {
	got := NormalizeURL("  https://example.com:443/a#section ")
	want := "https://example.com/a"
	if got != want {
		t.Errorf("NormalizeURL = %q, want %q", got, want)
	}
}

func TestFingerprint_Idempotent(t *testing.T) {
	urls := []string{
		"https://Example.com/a?utm_source=x",
		"http://news.example/paid?fbclid=abc&x=1",
		"https://example.com/",
		"not a url",
	}
	for _, u := range urls {
		once := Fingerprint(u)
		twice := Fingerprint(once)
		if once != twice {
			t.Errorf("Fingerprint not idempotent for %q: %q != %q", u, once, twice)
		}
	}
}

func TestFingerprint_TrackingParamsDoNotChangeIdentity(t *testing.T) {
	base := Fingerprint("https://example.com/a")
	tracked := Fingerprint("https://example.com/a?utm_source=x")
	if base != tracked {
		t.Errorf("fingerprints differ: %q vs %q", base, tracked)
	}
}

func TestFingerprint_QueryOrderInsensitive(t *testing.T) {
	a := Fingerprint("https://example.com/a?b=2&a=1")
	b := Fingerprint("https://example.com/a?a=1&b=2")
	if a != b {
		t.Errorf("fingerprints differ: %q vs %q", a, b)
	}
}
