// Package rest is a thin wrapper around http.Client for the outbound
// API calls zimi makes, currently the kiwix OPDS catalog. It centralises
// URL assembly, status checking and body decoding so callers deal in
// typed requests and responses.
//
// All methods are safe for concurrent calling.
package rest

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client calls one remote API rooted at a base URL.
type Client struct {
	c       *http.Client
	rootURL string
}

// NewClient wraps an http.Client. Set the API root with SetRoot before
// calling.
func NewClient(c *http.Client) *Client {
	return &Client{c: c}
}

// SetRoot sets the URL every Opts.Path is relative to.
func (api *Client) SetRoot(rootURL string) *Client {
	api.rootURL = rootURL
	return api
}

// Opts contains parameters for Call and CallXML.
type Opts struct {
	Method       string     // GET, POST, etc.
	Path         string     // relative to the root URL
	Parameters   url.Values // query parameters for the final URL
	Body         io.Reader
	ContentType  string
	ExtraHeaders map[string]string
	NoResponse   bool // close the body without decoding it
	IgnoreStatus bool // skip the 2xx check
}

// checkClose closes c and records the close error if err is unset.
func checkClose(c io.Closer, err *error) {
	cerr := c.Close()
	if *err == nil {
		*err = cerr
	}
}

// ReadBody reads resp.Body into result, closing the body.
func ReadBody(resp *http.Response) (result []byte, err error) {
	defer checkClose(resp.Body, &err)
	return io.ReadAll(resp.Body)
}

// statusError turns a non-2xx response into an error carrying the
// beginning of the body, which is where OPDS servers put their excuse.
func statusError(resp *http.Response) error {
	body, err := ReadBody(resp)
	if err != nil {
		return fmt.Errorf("error reading error out of body: %w", err)
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Errorf("HTTP error %v (%v) returned body: %q", resp.StatusCode, resp.Status, body)
}

// DecodeXML decodes resp.Body into result, closing the body.
func DecodeXML(resp *http.Response, result interface{}) (err error) {
	defer checkClose(resp.Body, &err)
	return xml.NewDecoder(resp.Body).Decode(result)
}

// Call makes the call and returns the http.Response.
//
// if err == nil then resp.Body will need to be closed unless
// opts.NoResponse is set
//
// if err != nil then resp.Body will have been closed
func (api *Client) Call(ctx context.Context, opts *Opts) (resp *http.Response, err error) {
	if opts == nil {
		return nil, errors.New("call() called with nil opts")
	}
	if api.rootURL == "" {
		return nil, errors.New("RootURL not set")
	}
	u := api.rootURL + opts.Path
	if len(opts.Parameters) > 0 {
		u += "?" + opts.Parameters.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, u, opts.Body)
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	for k, v := range opts.ExtraHeaders {
		if k != "" && v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err = api.c.Do(req)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return resp, statusError(resp)
	}
	if opts.NoResponse {
		return resp, resp.Body.Close()
	}
	return resp, nil
}

// CallXML runs Call and decodes the body as an XML document into
// response (if not nil), closing the body.
func (api *Client) CallXML(ctx context.Context, opts *Opts, response interface{}) (resp *http.Response, err error) {
	resp, err = api.Call(ctx, opts)
	if err != nil {
		return resp, err
	}
	if response == nil || opts.NoResponse {
		return resp, nil
	}
	return resp, DecodeXML(resp, response)
}
