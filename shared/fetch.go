package shared

import "time"

// =============================================================================
// FETCH RESULTS AND STRATEGY METADATA
// =============================================================================

// FetchResult is the uniform outcome of a single strategy attempt.
// Strategy and Method are two names for the same value and must stay equal;
// use SetStrategy to change both.
type FetchResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
	Title   string `json:"title,omitempty"`

	Strategy string `json:"strategy,omitempty"`
	Method   string `json:"method,omitempty"`

	Truncated      bool              `json:"truncated,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ProcessingTime time.Duration     `json:"processingTime"`
	Error          string            `json:"error,omitempty"`
}

// SetStrategy records the producing strategy under both field names.
func (r *FetchResult) SetStrategy(name string) {
	r.Strategy = name
	r.Method = name
}

// SuccessResult builds a successful fetch result. Content must be non-empty;
// callers that end up with an empty body must report failure instead.
func SuccessResult(url, content, title, strategy string, elapsed time.Duration) *FetchResult {
	r := &FetchResult{
		Success:        true,
		URL:            url,
		Content:        content,
		Title:          title,
		ProcessingTime: elapsed,
		Metadata:       map[string]string{},
	}
	r.SetStrategy(strategy)
	return r
}

// FailureResult builds a failed fetch result from an error.
func FailureResult(url, strategy string, err error, elapsed time.Duration) *FetchResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r := &FetchResult{
		URL:            url,
		Error:          msg,
		ProcessingTime: elapsed,
	}
	r.SetStrategy(strategy)
	return r
}

// PriorityClass orders strategies by declared preference.
type PriorityClass string

const (
	PriorityHighest  PriorityClass = "highest"
	PriorityHigh     PriorityClass = "high"
	PriorityMedium   PriorityClass = "medium"
	PriorityLow      PriorityClass = "low"
	PriorityFallback PriorityClass = "fallback"
)

// Capability describes what a strategy can do.
type Capability string

const (
	CapBasicFetch    Capability = "basic-fetch"
	CapPaywallBypass Capability = "paywall-bypass"
	CapAuth          Capability = "auth"
	CapJSRender      Capability = "js-render"
	CapArchive       Capability = "archive"
	CapAIExtract     Capability = "ai-extract"
	CapRateLimited   Capability = "rate-limited"
)

// StrategyMetadata describes one fetch strategy to the cascade.
type StrategyMetadata struct {
	Name            string        `json:"name"`
	Priority        PriorityClass `json:"priority"`
	Capabilities    []Capability  `json:"capabilities"`
	BaseSuccessRate float64       `json:"baseSuccessRate"`
	AvgResponseTime float64       `json:"avgResponseTime"`
	RequiresAuth    bool          `json:"requiresAuth"`
	HasUsageLimits  bool          `json:"hasUsageLimits"`
	RemainingUsage  *int          `json:"remainingUsage,omitempty"`
	RateLimitDelay  float64       `json:"rateLimitDelay,omitempty"`

	// SupportedDomains lists host suffixes this strategy handles.
	// Empty means universal.
	SupportedDomains []string `json:"supportedDomains,omitempty"`
}

// HasCapability reports whether the metadata advertises the capability.
func (m *StrategyMetadata) HasCapability(c Capability) bool {
	for _, cap := range m.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}
