package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"karui-search/models"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxBodyBytes = 8 << 20
)

// Direct fetches static markup with one HTTP request per page.
type Direct struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

// NewDirect returns a Direct fetcher with the given per-request timeout.
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
		now:       time.Now,
	}
}

// Fetch retrieves url and decodes the body to UTF-8. Sites serving
// Shift_JIS or EUC-JP are converted based on headers and meta tags.
func (d *Direct) Fetch(ctx context.Context, url string) (*RawPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &models.Error{Kind: models.KindStructural, URL: url, Message: "bad request url", Cause: err}
	}
	setBrowserHeaders(req.Header, d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ClassifyError(ctx, url, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, ClassifyError(ctx, url, err)
	}

	final := url
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	if err := DetectBlock(url, final, resp.StatusCode, body); err != nil {
		return nil, err
	}

	return &RawPage{
		URL:        url,
		FinalURL:   final,
		StatusCode: resp.StatusCode,
		HTML:       body,
		Strategy:   models.StrategyDirect,
		FetchedAt:  d.now(),
	}, nil
}

func readBody(resp *http.Response) (string, error) {
	limited := io.LimitReader(resp.Body, maxBodyBytes)
	r, err := charset.NewReader(limited, resp.Header.Get("Content-Type"))
	if err != nil {
		r = limited
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func setBrowserHeaders(h http.Header, userAgent string) {
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "ja,en-US;q=0.7,en;q=0.3")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
}
