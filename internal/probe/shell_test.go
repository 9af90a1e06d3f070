package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func TestLooksScripted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want bool
	}{
		{name: "empty", body: "  ", want: true},
		{name: "script heavy", body: `<html><script>var a = 1; loadListing({city: "xian"});</script><p>x</p></html>`, want: true},
		{name: "spa root", body: `<html><body><div id="app"></div><p>` + strings.Repeat("x", 5000) + `</p></body></html>`, want: true},
		{name: "unclosed script", body: `<html><script src="x.js"`, want: true},
		{name: "static notice", body: `<html><body><p>暂无数据，请稍后再试。这里没有任何脚本。</p></body></html>`, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, looksScripted([]byte(tc.body)))
		})
	}
}

func TestScriptCoverage(t *testing.T) {
	t.Parallel()

	require.Zero(t, scriptCoverage([]byte("<p>plain</p>")))
	require.Equal(t, 100, scriptCoverage([]byte("<script>x</script>")))
}

func TestTotalPagesScriptShellNeedsBrowser(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`))
	}))
	defer srv.Close()

	_, err := NewHTTP(Config{}).TotalPages(context.Background(), srv.URL, "")
	require.True(t, errors.Is(err, crawler.ErrNeedsBrowser), err)
}
