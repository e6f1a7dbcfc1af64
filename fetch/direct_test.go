package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/japanese"

	"karui-search/models"
)

func TestDirectFetchOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Language") == "" || !strings.Contains(r.UserAgent(), "Mozilla") {
			t.Errorf("missing browser-like headers: %v", r.Header)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>軽井沢の別荘</h1></body></html>"))
	}))
	defer srv.Close()

	page, err := NewDirect(5*time.Second).Fetch(context.Background(), srv.URL+"/bukken/1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.StatusCode != 200 || page.Strategy != models.StrategyDirect {
		t.Errorf("page: status=%d strategy=%s", page.StatusCode, page.Strategy)
	}
	if !strings.Contains(page.HTML, "軽井沢の別荘") {
		t.Errorf("body not returned: %q", page.HTML)
	}
}

func TestDirectFetchDecodesShiftJIS(t *testing.T) {
	encoded, err := japanese.ShiftJIS.NewEncoder().String("<html><body>旧軽井沢 5,800万円</body></html>")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=Shift_JIS")
		_, _ = w.Write([]byte(encoded))
	}))
	defer srv.Close()

	page, err := NewDirect(5*time.Second).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(page.HTML, "旧軽井沢 5,800万円") {
		t.Errorf("Shift_JIS body not decoded: %q", page.HTML)
	}
}

func TestDirectFetchClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    models.Kind
	}{
		{"429", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(429) }, models.KindRateLimited},
		{"403", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(403) }, models.KindAntiBot},
		{"captcha", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<div class="g-recaptcha" data-sitekey="x"></div>`))
		}, models.KindAntiBot},
		{"challenge redirect", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/captcha/verify" {
				_, _ = w.Write([]byte("verify"))
				return
			}
			http.Redirect(w, r, "/captcha/verify", http.StatusFound)
		}, models.KindAntiBot},
		{"500", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }, models.KindTransientNetwork},
		{"404", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(404) }, models.KindStructural},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewDirect(5*time.Second).Fetch(context.Background(), srv.URL+"/list")
			if got := models.KindOf(err); got != tt.want {
				t.Errorf("kind: got %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestDirectFetchTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewDirect(20*time.Millisecond).Fetch(context.Background(), srv.URL)
	if got := models.KindOf(err); got != models.KindTransientNetwork {
		t.Errorf("kind: got %q, want transient-network (err=%v)", got, err)
	}
}

func TestDirectFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDirect(time.Second).Fetch(ctx, srv.URL)
	if got := models.KindOf(err); got != models.KindCancelled {
		t.Errorf("kind: got %q, want cancelled", got)
	}
}

func TestDetectBlockOffSiteRedirect(t *testing.T) {
	err := DetectBlock("https://www.mitsuinomori.co.jp/karuizawa/", "https://captcha.example.net/", 200, "<html></html>")
	if models.KindOf(err) != models.KindAntiBot {
		t.Errorf("off-site redirect should be anti-bot, got %v", err)
	}
	if err := DetectBlock("https://www.suumo.jp/a", "https://suumo.jp/a/", 200, "<html></html>"); err != nil {
		t.Errorf("www and bare host are the same site: %v", err)
	}
}
