package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testProfile(strategy profile.Strategy) profile.Profile {
	p := profile.Profile{
		Name:     "shop",
		Strategy: strategy,
		Rules:    profile.RuleSet{Kind: profile.CSS, Price: ".price"},
		Timeout:  2 * time.Second,
	}
	p.Normalize()
	return p
}

func staticReq(url string) Request {
	return Request{TargetID: "t1", URL: url, Profile: testProfile(profile.Static), Strategy: profile.Static, Attempt: 1}
}

// productPage returns a page comfortably above the minimum content size.
func productPage(extra string) string {
	return "<html><body><div class=\"price\">1 299 ₽</div>" + extra +
		"<p>" + strings.Repeat("Lorem ipsum dolor sit amet. ", 40) + "</p></body></html>"
}

func newTestStatic() *Static {
	return NewStatic(WithURLValidator(AllowAll), WithDisguise(NoDisguise{}), WithStaticLogger(quietLogger()))
}

func TestStatic_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, productPage(""))
	}))
	defer srv.Close()

	res, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != 200 || !strings.Contains(string(res.Body), "1 299 ₽") {
		t.Errorf("unexpected result: status=%d body=%q", res.Status, res.Body[:40])
	}
	if res.TargetID != "t1" || res.Strategy != profile.Static {
		t.Errorf("result not tagged: %+v", res)
	}
}

func TestStatic_StatusMapping(t *testing.T) {
	// WHAT: every non-2xx class maps to its failure kind.
	// WHY: the scheduler decides retry, escalation or terminal failure from the kind alone.
	cases := []struct {
		status int
		want   FailureKind
	}{
		{401, KindBlocked},
		{403, KindBlocked},
		{429, KindBlocked},
		{404, KindNotFound},
		{410, KindNotFound},
		{400, KindNotFound},
		{408, KindUnreachable},
		{500, KindUnreachable},
		{503, KindUnreachable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, productPage(""))
			}))
			defer srv.Close()

			_, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
			if got := KindOf(err); got != tc.want {
				t.Errorf("status %d: kind = %q, want %q (err=%v)", tc.status, got, tc.want, err)
			}
		})
	}
}

func TestStatic_BlockSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productPage(`<div class="g-recaptcha" data-sitekey="x"></div>`))
	}))
	defer srv.Close()

	_, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Signature != "g-recaptcha" {
		t.Errorf("signature = %q", blocked.Signature)
	}
}

func TestStatic_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>wait</body></html>")
	}))
	defer srv.Close()

	_, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason == "" {
		t.Fatalf("expected BlockedError with reason, got %v", err)
	}
}

func TestStatic_ClientShell(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head>`+strings.Repeat("<meta name=x content=y>", 40)+
			`</head><body><div id="root"></div><script src="/main.js"></script></body></html>`)
	}))
	defer srv.Close()

	_, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
	if KindOf(err) != KindBlocked {
		t.Fatalf("expected blocked for an empty app shell, got %v", err)
	}
}

func TestStatic_Transcodes(t *testing.T) {
	// WHAT: a windows-1251 page comes back as UTF-8.
	// WHY: price parsing and Cyrillic currency markers work on UTF-8 text only.
	encoded, err := charmap.Windows1251.NewEncoder().String("<html><body><span>Цена: 990 руб.</span><p>" +
		strings.Repeat("Описание товара. ", 60) + "</p></body></html>")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1251")
		io.WriteString(w, encoded)
	}))
	defer srv.Close()

	res, err := newTestStatic().Fetch(context.Background(), staticReq(srv.URL))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(string(res.Body), "Цена: 990 руб.") {
		t.Error("body was not transcoded to UTF-8")
	}
}

func TestStatic_DisguiseHeaders(t *testing.T) {
	var ua, mode, lang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua, mode, lang = r.UserAgent(), r.Header.Get("Sec-Fetch-Mode"), r.Header.Get("Accept-Language")
		fmt.Fprint(w, productPage(""))
	}))
	defer srv.Close()

	s := NewStatic(WithURLValidator(AllowAll), WithStaticLogger(quietLogger()))
	req := staticReq(srv.URL)
	req.Attempt = 2
	if _, err := s.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if ua != desktopAgents[1] {
		t.Errorf("attempt 2 should rotate to the second agent, got %q", ua)
	}
	if mode != "navigate" || !strings.HasPrefix(lang, "en-US") {
		t.Errorf("missing browser headers: mode=%q lang=%q", mode, lang)
	}
}

func TestStatic_RefusesLoopbackByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productPage(""))
	}))
	defer srv.Close()

	_, err := NewStatic(WithStaticLogger(quietLogger())).Fetch(context.Background(), staticReq(srv.URL))
	if !errors.Is(err, ErrUnsafeURL) {
		t.Fatalf("expected ErrUnsafeURL, got %v", err)
	}
}

func TestStatic_CancelledParent(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := newTestStatic().Fetch(ctx, staticReq(srv.URL))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if KindOf(err) != KindCancelled {
		t.Errorf("kind = %q", KindOf(err))
	}
}

func TestStatic_TimeoutIsUnreachable(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(hold)

	req := staticReq(srv.URL)
	req.Profile.Timeout = 50 * time.Millisecond
	_, err := newTestStatic().Fetch(context.Background(), req)
	if KindOf(err) != KindUnreachable {
		t.Fatalf("expected unreachable on timeout, got %v", err)
	}
}

func TestValidateURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/", "http://127.0.0.1/", "http://10.1.2.3/x", "http://[::1]/", "http:///nohost"} {
		if err := ValidateURL(context.Background(), u); !errors.Is(err, ErrUnsafeURL) {
			t.Errorf("ValidateURL(%q) = %v, want ErrUnsafeURL", u, err)
		}
	}
	if err := ValidateURL(context.Background(), "https://93.184.216.34/item"); err != nil {
		t.Errorf("public address rejected: %v", err)
	}
}

func TestValidateURL_CancelledLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ValidateURL(ctx, "https://shop.example/item"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStatic_SlowValidationIsUnreachable(t *testing.T) {
	// WHAT: a host check that never answers, under a 30ms profile timeout.
	// WHY: a slow resolver must not hold a job past its fetch timeout.
	hang := func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s := NewStatic(WithURLValidator(hang), WithDisguise(NoDisguise{}), WithStaticLogger(quietLogger()))

	req := staticReq("https://shop.example/item")
	req.Profile.Timeout = 30 * time.Millisecond
	start := time.Now()
	_, err := s.Fetch(context.Background(), req)
	if KindOf(err) != KindUnreachable {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("validation outlived the timeout: %s", time.Since(start))
	}
}
