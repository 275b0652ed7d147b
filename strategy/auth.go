package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"harvest/analyzer"
	"harvest/shared"
)

// =============================================================================
// AUTHENTICATED FETCH
// =============================================================================
//
// Fetches articles from sites where we hold subscriber credentials. Sessions
// are cookie jars persisted per site: a jar younger than the TTL is reused,
// otherwise a credential login refreshes it. If a reused session yields
// paywalled content, it is invalidated and the login is retried exactly once.
//
// The strategy rate-limits itself: successive requests through it are spaced
// by a randomized 3-17 s delay, enforced inside the site-keyed critical
// section so parallel workers cannot stampede a site.
//
// =============================================================================

// SiteCredentials are the login credentials for one authenticated site.
type SiteCredentials struct {
	Username string
	Password string
	LoginURL string
}

const (
	authMinDelay = 3 * time.Second
	authMaxDelay = 17 * time.Second
)

type siteSession struct {
	mu          sync.Mutex
	client      *http.Client
	savedAt     time.Time
	lastRequest time.Time
	loggedIn    bool
}

// persistedSession is the on-disk cookie jar for one site.
type persistedSession struct {
	Site    string         `json:"site"`
	SavedAt time.Time      `json:"savedAt"`
	Cookies []*http.Cookie `json:"cookies"`
}

// AuthSessionStrategy fetches via persisted subscriber sessions.
type AuthSessionStrategy struct {
	meta       shared.StrategyMetadata
	sites      map[string]SiteCredentials
	sessionDir string
	sessionTTL time.Duration
	timeout    time.Duration
	userAgent  string
	sleep      sleeper
	log        *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*siteSession
}

// NewAuthSession creates the authenticated strategy. sites maps host
// suffixes to credentials; sessionDir persists cookie jars.
func NewAuthSession(sites map[string]SiteCredentials, sessionDir string, ttl time.Duration,
	timeout time.Duration, userAgent string, log *zap.SugaredLogger) *AuthSessionStrategy {

	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	domains := make([]string, 0, len(sites))
	for site := range sites {
		domains = append(domains, site)
	}

	return &AuthSessionStrategy{
		meta: shared.StrategyMetadata{
			Name:             "auth_session",
			Priority:         shared.PriorityHighest,
			Capabilities:     []shared.Capability{shared.CapAuth, shared.CapPaywallBypass, shared.CapRateLimited},
			BaseSuccessRate:  0.8,
			AvgResponseTime:  8.0,
			RequiresAuth:     true,
			RateLimitDelay:   authMinDelay.Seconds(),
			SupportedDomains: domains,
		},
		sites:      sites,
		sessionDir: sessionDir,
		sessionTTL: ttl,
		timeout:    timeout,
		userAgent:  userAgent,
		sleep:      realSleep,
		log:        log.With("component", "strategy", "strategy", "auth_session"),
		sessions:   make(map[string]*siteSession),
	}
}

func (s *AuthSessionStrategy) Metadata() shared.StrategyMetadata { return s.meta }

func (s *AuthSessionStrategy) CanHandle(target string) bool {
	return s.siteFor(target) != ""
}

// siteFor returns the configured site key matching the URL's host, or "".
func (s *AuthSessionStrategy) siteFor(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for site := range s.sites {
		suffix := strings.ToLower(strings.TrimPrefix(site, "."))
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return site
		}
	}
	return ""
}

func (s *AuthSessionStrategy) Fetch(ctx context.Context, target string) *shared.FetchResult {
	start := time.Now()

	site := s.siteFor(target)
	if site == "" {
		return shared.FailureResult(target, s.meta.Name,
			shared.NewFailure(shared.FailureAuth, "no credentials for this site"), time.Since(start))
	}

	sess := s.session(site)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Inter-request politeness delay, inside the critical section.
	if !sess.lastRequest.IsZero() {
		wait := randomDelay(authMinDelay, authMaxDelay) - time.Since(sess.lastRequest)
		if wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
			}
		}
	}
	defer func() { sess.lastRequest = time.Now() }()

	if err := s.ensureSessionLocked(ctx, site, sess); err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}

	body, err := s.getLocked(ctx, sess, target)
	if err != nil {
		return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
	}

	// A stale session can still return the paywalled shell. Invalidate and
	// retry the login exactly once.
	if gate := analyzer.New(nil).Analyze(body); gate.LikelyPaywall {
		s.log.Infow("session yielded paywalled content, re-authenticating", "site", site)
		sess.loggedIn = false
		sess.savedAt = time.Time{}
		if err := s.loginLocked(ctx, site, sess); err != nil {
			return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
		}
		body, err = s.getLocked(ctx, sess, target)
		if err != nil {
			return shared.FailureResult(target, s.meta.Name, err, time.Since(start))
		}
		if gate := analyzer.New(nil).Analyze(body); gate.LikelyPaywall {
			return shared.FailureResult(target, s.meta.Name,
				shared.NewFailure(shared.FailureAuth, "still paywalled after re-login"), time.Since(start))
		}
	}

	return shared.SuccessResult(target, body, analyzer.ExtractTitle(body), s.meta.Name, time.Since(start))
}

func (s *AuthSessionStrategy) session(site string) *siteSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[site]
	if !ok {
		sess = &siteSession{}
		s.sessions[site] = sess
	}
	return sess
}

// ensureSessionLocked reuses a fresh persisted jar or performs a login.
func (s *AuthSessionStrategy) ensureSessionLocked(ctx context.Context, site string, sess *siteSession) error {
	if sess.loggedIn && time.Since(sess.savedAt) < s.sessionTTL {
		return nil
	}

	if s.loadJarLocked(site, sess) && time.Since(sess.savedAt) < s.sessionTTL {
		sess.loggedIn = true
		return nil
	}

	return s.loginLocked(ctx, site, sess)
}

func (s *AuthSessionStrategy) loginLocked(ctx context.Context, site string, sess *siteSession) error {
	creds, ok := s.sites[site]
	if !ok || creds.LoginURL == "" {
		return shared.NewFailure(shared.FailureAuth, "no login url configured for "+site)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return shared.NewFailure(shared.FailureAuth, fmt.Sprintf("cookie jar: %v", err))
	}
	sess.client = &http.Client{Jar: jar, Timeout: s.timeout}

	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.LoginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return shared.NewFailure(shared.FailureAuth, fmt.Sprintf("build login request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := sess.client.Do(req)
	if err != nil {
		return shared.NewFailure(shared.FailureAuth, fmt.Sprintf("login request: %v", err))
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return shared.NewFailure(shared.FailureAuth,
			fmt.Sprintf("login to %s returned %d", site, resp.StatusCode))
	}

	sess.loggedIn = true
	sess.savedAt = time.Now()
	s.saveJarLocked(site, sess, creds.LoginURL)
	s.log.Infow("logged in", "site", site)
	return nil
}

func (s *AuthSessionStrategy) getLocked(ctx context.Context, sess *siteSession, target string) (string, error) {
	f := &httpFetcher{client: sess.client, userAgent: s.userAgent}
	return f.get(ctx, target)
}

// =============================================================================
// SESSION PERSISTENCE
// =============================================================================

func (s *AuthSessionStrategy) jarFile(site string) string {
	return filepath.Join(s.sessionDir, "session_"+strings.ReplaceAll(site, ".", "_")+".json")
}

func (s *AuthSessionStrategy) loadJarLocked(site string, sess *siteSession) bool {
	if s.sessionDir == "" {
		return false
	}
	var saved persistedSession
	if err := shared.ReadJSON(s.jarFile(site), &saved); err != nil || saved.SavedAt.IsZero() {
		return false
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return false
	}
	siteURL, err := url.Parse("https://" + strings.TrimPrefix(site, "."))
	if err != nil {
		return false
	}
	jar.SetCookies(siteURL, saved.Cookies)

	sess.client = &http.Client{Jar: jar, Timeout: s.timeout}
	sess.savedAt = saved.SavedAt
	return true
}

func (s *AuthSessionStrategy) saveJarLocked(site string, sess *siteSession, loginURL string) {
	if s.sessionDir == "" || sess.client == nil || sess.client.Jar == nil {
		return
	}
	u, err := url.Parse(loginURL)
	if err != nil {
		return
	}
	saved := persistedSession{
		Site:    site,
		SavedAt: sess.savedAt,
		Cookies: sess.client.Jar.Cookies(u),
	}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return
	}
	if err := shared.WriteFileAtomic(s.jarFile(site), data); err != nil {
		s.log.Warnw("failed to persist session", "site", site, "error", err)
	}
}
