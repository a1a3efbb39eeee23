package fetch

import (
	"math/rand"
	"net/http"
	"sync"
)

// BrowserFamily tags a header profile so client hints are only emitted
// for engines that actually send them.
type BrowserFamily string

// Families used by the built-in profiles.
const (
	FamilyChrome  BrowserFamily = "chrome"
	FamilyFirefox BrowserFamily = "firefox"
	FamilySafari  BrowserFamily = "safari"
)

// HeaderProfile is one coherent set of request headers impersonating a
// real browser. Mixing values across profiles is a detection signal, so
// a profile is always applied whole.
type HeaderProfile struct {
	UserAgent string
	Family    BrowserFamily
	Platform  string // sec-ch-ua-platform value, Chrome family only
	SecChUA   string
}

var defaultProfiles = []HeaderProfile{
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Family:    FamilyChrome,
		Platform:  `"Windows"`,
		SecChUA:   `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		Family:    FamilyChrome,
		Platform:  `"macOS"`,
		SecChUA:   `"Chromium";v="123", "Google Chrome";v="123", "Not-A.Brand";v="99"`,
	},
	{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Family:    FamilyChrome,
		Platform:  `"Linux"`,
		SecChUA:   `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		Family:    FamilyFirefox,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		Family:    FamilySafari,
	},
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-US,en;q=0.8,zh-CN;q=0.6",
	"zh-CN,zh;q=0.9,en;q=0.8",
	"en-GB,en;q=0.9,en-US;q=0.8",
}

// HeaderRotator hands out randomized header sets built from realistic
// profiles.
type HeaderRotator struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	profiles []HeaderProfile
	langs    []string
}

// NewHeaderRotator builds a rotator over the built-in profiles.
func NewHeaderRotator(seed int64) *HeaderRotator {
	return &HeaderRotator{
		rnd:      rand.New(rand.NewSource(seed)),
		profiles: defaultProfiles,
		langs:    acceptLanguages,
	}
}

// Pick returns a random profile paired with an Accept-Language choice.
func (r *HeaderRotator) Pick() (HeaderProfile, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.profiles[r.rnd.Intn(len(r.profiles))]
	lang := r.langs[r.rnd.Intn(len(r.langs))]
	return p, lang
}

// Headers materializes a full request header set for one profile.
func (r *HeaderRotator) Headers() http.Header {
	profile, lang := r.Pick()
	h := http.Header{}
	h.Set("User-Agent", profile.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", lang)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	if profile.Family == FamilyChrome {
		h.Set("Sec-CH-UA", profile.SecChUA)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", profile.Platform)
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
	}
	return h
}
