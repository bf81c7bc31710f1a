// Package httpclient builds the http.Client used for outbound requests
// (catalog fetches and archive downloads).
//
// The client wraps the default transport to force the zimi User-Agent on
// every request and, optionally, to pace transactions with a token
// bucket so a burst of catalog pages doesn't hammer the remote library.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/zimi/zimi/zim"
)

// Options configures New.
type Options struct {
	// Timeout bounds each whole request, 0 means no limit. Downloads
	// pass 0 and rely on chunk reads hitting the response header and
	// idle timeouts instead.
	Timeout time.Duration
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// TPSLimit rate limits outgoing transactions per second, 0 means
	// unlimited.
	TPSLimit float64
}

// DefaultOptions are suitable for API calls.
var DefaultOptions = Options{
	Timeout:        15 * time.Second,
	ConnectTimeout: 10 * time.Second,
}

// Transport wraps an http.Transport to set the User-Agent and pace
// transactions.
type Transport struct {
	*http.Transport
	tpsBucket *rate.Limiter // nil when unlimited
}

// RoundTrip implements the RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	// Get transactions per second token first if limiting
	if t.tpsBucket != nil {
		tbErr := t.tpsBucket.Wait(req.Context())
		if tbErr != nil && tbErr != context.Canceled {
			zim.Errorf(nil, "HTTP token bucket error: %v", tbErr)
		}
	}
	// Force user agent
	req.Header.Set("User-Agent", UserAgent())
	return t.Transport.RoundTrip(req)
}

// UserAgent returns the User-Agent header sent on outbound requests.
func UserAgent() string {
	return "zimi/" + zim.Version
}

// NewTransport returns an http.RoundTripper with the correct timeouts.
func NewTransport(opt Options) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = http.ProxyFromEnvironment
	base.DialContext = (&net.Dialer{
		Timeout:   opt.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	base.TLSHandshakeTimeout = opt.ConnectTimeout
	base.IdleConnTimeout = 60 * time.Second
	t := &Transport{Transport: base}
	if opt.TPSLimit > 0 {
		t.tpsBucket = rate.NewLimiter(rate.Limit(opt.TPSLimit), 1)
		zim.Infof(nil, "Starting HTTP transaction limiter: max %g transactions/s", opt.TPSLimit)
	}
	return t
}

// New returns an http.Client with the correct timeouts.
func New(opt Options) *http.Client {
	return &http.Client{
		Transport: NewTransport(opt),
		Timeout:   opt.Timeout,
	}
}
