// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dsnet/compress/brotli"
	"github.com/kiln-build/kiln/internal/useragent"
)

// HTTPTransport is the [Transport] used for real transfers.
// The zero value is ready to use.
type HTTPTransport struct {
	// Client is used to make HTTP requests.
	// If Client is nil, then [http.DefaultClient] is used.
	Client *http.Client
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client == nil {
		return http.DefaultClient
	}
	return t.Client
}

// Fetch performs a GET request for the given URL
// and returns the (transparently decoded) response body.
func (t *HTTPTransport) Fetch(ctx context.Context, href string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", useragent.String)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	resp, err := t.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpError{
			statusCode: resp.StatusCode,
			status:     resp.Status,
		}
	}
	decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &transportBody{decoded: decoded, underlying: resp.Body}, nil
}

// acceptEncoding is the value of an [Accept-Encoding header]
// that advertises the algorithms that [decodeBody] supports.
//
// [Accept-Encoding header]: https://developer.mozilla.org/en-US/docs/Web/HTTP/Reference/Headers/Accept-Encoding
const acceptEncoding = "br,gzip,deflate"

func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	switch contentEncoding {
	case "":
		return io.NopCloser(r), nil
	case "br":
		return brotli.NewReader(r, nil)
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %s", contentEncoding)
	}
}

// transportBody closes both the decoder and the response body it wraps.
type transportBody struct {
	decoded    io.ReadCloser
	underlying io.ReadCloser
}

func (b *transportBody) Read(p []byte) (int, error) {
	return b.decoded.Read(p)
}

func (b *transportBody) Close() error {
	err := b.decoded.Close()
	if err2 := b.underlying.Close(); err == nil {
		err = err2
	}
	return err
}

type httpError struct {
	statusCode int
	status     string
}

func (e *httpError) Error() string {
	status := e.status
	if status == "" {
		status = http.StatusText(e.statusCode)
		if status == "" {
			status = strconv.Itoa(e.statusCode)
		}
	}
	return "http " + status
}
