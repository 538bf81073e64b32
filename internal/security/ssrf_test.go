package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func TestIsPrivateAddr(t *testing.T) {
	private := []string{
		"10.0.0.1", "172.16.0.1", "172.31.255.255", "192.168.1.1",
		"127.0.0.1", "169.254.169.254", "0.0.0.0", "100.64.0.1", "224.0.0.1",
		"::1", "::", "fd00::1", "fe80::1",
		"::ffff:127.0.0.1", "::ffff:10.0.0.1",
	}
	for _, s := range private {
		assert.True(t, IsPrivateAddr(netip.MustParseAddr(s)), s)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2607:f8b0:4004:800::200e", "::ffff:8.8.8.8"}
	for _, s := range public {
		assert.False(t, IsPrivateAddr(netip.MustParseAddr(s)), s)
	}
}

func TestCheckURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/cat.png", true},
		{"http://8.8.8.8/x.png", true},
		{"http://127.0.0.1/secret", false},
		{"http://[::1]:8080/", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"file:///etc/passwd", false},
		{"ftp://example.com/x", false},
		{"http:///nohost", false},
		{"http://[bad-ipv6/", false},
	}
	for _, tt := range tests {
		err := CheckURL(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
			continue
		}
		assert.ErrorIs(t, err, domain.ErrFetchBlocked, tt.url)
	}
}

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestFetchClient_BlocksPrivateResolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer srv.Close()

	client := NewFetchClient(5 * time.Second)
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFetchBlocked)

	// A public-looking name that resolves to loopback is refused too.
	port := srv.URL[strings.LastIndex(srv.URL, ":")+1:]
	rebinding := newFetchClient(5*time.Second, staticResolver{
		"images.example.com": {netip.MustParseAddr("127.0.0.1")},
	})
	_, err = rebinding.Get("http://images.example.com:" + port + "/cat.png")
	assert.ErrorIs(t, err, domain.ErrFetchBlocked)
}

func TestFetchClient_ResolverFailure(t *testing.T) {
	client := newFetchClient(time.Second, staticResolver{})
	_, err := client.Get("http://unknown.example/x.png")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrFetchBlocked)
	assert.Contains(t, err.Error(), "no such host")
}

func TestFetchClient_RedirectChecks(t *testing.T) {
	client := newFetchClient(time.Second, staticResolver{})
	req := httptest.NewRequest(http.MethodGet, "http://10.0.0.1/admin", nil)
	assert.ErrorIs(t, client.CheckRedirect(req, []*http.Request{{}}), domain.ErrFetchBlocked)

	via := make([]*http.Request, maxRedirects)
	err := client.CheckRedirect(httptest.NewRequest(http.MethodGet, "http://8.8.8.8/", nil), via)
	assert.EqualError(t, err, "too many redirects")
}
