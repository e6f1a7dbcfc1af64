// Package fetch retrieves pages either with a single HTTP request or through
// a scoped headless browser session, and classifies what went wrong.
package fetch

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"karui-search/models"
)

// RawPage is one retrieved document.
type RawPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Strategy   models.FetchStrategy
	FetchedAt  time.Time
}

// Fetcher is implemented by every fetch strategy.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*RawPage, error)
}

// Resetter is implemented by strategies holding a restartable resource.
type Resetter interface {
	Reset(ctx context.Context) error
}

var captchaMarkers = []string{
	"g-recaptcha",
	"recaptcha/api",
	"h-captcha",
	"hcaptcha.com",
	"cf-challenge",
	"challenge-platform",
	"captcha-container",
	"are you a robot",
	"unusual traffic from your computer",
	"ロボットではありません",
	"不正なアクセス",
}

var challengePaths = []string{"/captcha", "/challenge", "/cdn-cgi/", "/blocked", "/sorry", "/denied"}

// DetectBlock inspects a completed response for anti-bot and rate limiting
// signals and maps the status code onto the failure taxonomy. It returns nil
// for a usable page.
func DetectBlock(requested, final string, status int, body string) error {
	switch {
	case status == 429:
		return &models.Error{Kind: models.KindRateLimited, URL: requested, Message: "HTTP 429"}
	case status == 403:
		return &models.Error{Kind: models.KindAntiBot, URL: requested, Message: "HTTP 403"}
	}

	if reason := unexpectedRedirect(requested, final); reason != "" {
		return &models.Error{Kind: models.KindAntiBot, URL: requested, Message: reason}
	}

	lower := strings.ToLower(body)
	for _, m := range captchaMarkers {
		if strings.Contains(lower, m) {
			return &models.Error{Kind: models.KindAntiBot, URL: requested, Message: "captcha marker " + m}
		}
	}

	switch {
	case status >= 500:
		return &models.Error{Kind: models.KindTransientNetwork, URL: requested, Message: "HTTP " + strconv.Itoa(status)}
	case status >= 400:
		return &models.Error{Kind: models.KindStructural, URL: requested, Message: "HTTP " + strconv.Itoa(status)}
	}
	return nil
}

func unexpectedRedirect(requested, final string) string {
	if final == "" || final == requested {
		return ""
	}
	from, err1 := url.Parse(requested)
	to, err2 := url.Parse(final)
	if err1 != nil || err2 != nil {
		return ""
	}
	if !sameSite(from.Hostname(), to.Hostname()) {
		return "redirected off-site to " + to.Hostname()
	}
	path := strings.ToLower(to.Path)
	for _, p := range challengePaths {
		if strings.Contains(path, p) {
			return "redirected to challenge page " + to.Path
		}
	}
	return ""
}

// sameSite treats www.example.jp and example.jp as one host.
func sameSite(a, b string) bool {
	return strings.TrimPrefix(a, "www.") == strings.TrimPrefix(b, "www.")
}

// ClassifyError maps a transport error onto the failure taxonomy. parent is
// the caller's context, used to tell cancellation from a request timeout.
func ClassifyError(parent context.Context, rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var classified *models.Error
	if errors.As(err, &classified) {
		return err
	}
	if parent.Err() != nil {
		return &models.Error{Kind: models.KindCancelled, URL: rawURL, Message: "fetch cancelled", Cause: err}
	}
	msg := "request failed"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &models.Error{Kind: models.KindTransientNetwork, URL: rawURL, Message: msg, Cause: err}
}
