package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const paginated = `<html><body><ul><li><h4>店铺一号</h4></li></ul>
<div class="page"><a>1</a><a href="/xian/ch10/g132o2p2">2</a><a href="/xian/ch10/g132o2p37">37</a></div></body></html>`

func TestTotalPagesSendsCookie(t *testing.T) {
	t.Parallel()

	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(paginated))
	}))
	defer srv.Close()

	p := NewHTTP(Config{UserAgent: "probe-test", Timeout: 5 * time.Second})
	n, err := p.TotalPages(context.Background(), srv.URL+"/xian/ch10/g132o2", "dper=abc; ll=1")
	require.NoError(t, err)
	require.Equal(t, 37, n)
	require.Equal(t, "dper=abc; ll=1", gotCookie)
}

func TestTotalPagesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTP(Config{}).TotalPages(context.Background(), srv.URL, "")
	require.Error(t, err)
}

func TestCountPages(t *testing.T) {
	t.Parallel()

	n, err := CountPages(`<ul><li><h4>只有一页的店</h4></li></ul>`)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = CountPages(`<p>empty</p>`)
	require.ErrorIs(t, err, ErrNoPagination)
}

func TestHostLimiterSpacesRequestsPerHost(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(1, 1)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://www.example.com/a"))
	// Other hosts get their own bucket.
	require.NoError(t, l.Wait(ctx, "https://other.example.com/a"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(short, "https://www.example.com/b"))
}

func TestHostLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(0, 0)
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://www.example.com/"))
	}
}
