// Package fetch is a small HTTPS GET client. Every hop gets a fresh TCP and
// TLS connection, one HTTP/1.1 request is written directly onto the TLS
// stream, and redirects are followed by hand up to a fixed ceiling. There is
// no connection pool, no HTTP/2, no proxy support and no request bodies.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/harunnryd/wasibuild/internal/config"
	"github.com/harunnryd/wasibuild/internal/errors"
)

const (
	DefaultPort         = "443"
	DefaultMaxRedirects = 10
	userAgent           = "wasibuild-fetch/1"
)

// DialFunc opens the transport connection for one hop.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Getter returns the body of the final non-redirect response for a URL.
type Getter interface {
	Get(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

type Fetcher struct {
	// TLSConfig is cloned per hop with ServerName set to the target host.
	// Nil uses the platform trust store.
	TLSConfig *tls.Config

	// Dial defaults to a net.Dialer bounded by DialTimeout.
	Dial DialFunc

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// MaxRedirects bounds the number of redirects followed. Zero selects
	// DefaultMaxRedirects.
	MaxRedirects int
}

var _ Getter = (*Fetcher)(nil)

// New builds a Fetcher from configuration.
func New(cfg config.FetchConfig) (*Fetcher, error) {
	dial, handshake, err := cfg.Timeouts()
	if err != nil {
		return nil, errors.WrapWithCategory(err, "fetch config", errors.ErrConfig)
	}
	return &Fetcher{
		DialTimeout:      dial,
		HandshakeTimeout: handshake,
		MaxRedirects:     cfg.MaxRedirects,
	}, nil
}

// Get follows redirects from rawURL until a 2xx response and returns its
// body. Closing the body closes the underlying connection.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	maxRedirects := f.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	redirects := 0
	for {
		resp, err := f.roundTrip(ctx, target)
		if err != nil {
			return nil, err
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status <= 299:
			slog.Debug("Fetch complete", "url", target.String(), "status", status, "redirects", redirects)
			return resp.Body, nil

		case status >= 300 && status <= 399:
			location := resp.Header.Get("Location")
			discard(resp)

			if location == "" {
				return nil, fmt.Errorf("%s (status %d): %w", target, status, errors.ErrMissingRedirectTarget)
			}
			if redirects >= maxRedirects {
				return nil, fmt.Errorf("%s: gave up after %d redirects: %w", rawURL, redirects, errors.ErrTooManyRedirects)
			}

			next, err := resolveLocation(target, location)
			if err != nil {
				return nil, err
			}
			redirects++
			slog.Debug("Following redirect", "from", target.String(), "to", next.String(), "status", status, "hop", redirects)
			target = next

		default:
			discard(resp)
			return nil, &errors.RequestFailedError{URL: target.String(), Status: status}
		}
	}
}

// roundTrip performs one request on a new connection.
func (f *Fetcher) roundTrip(ctx context.Context, target *url.URL) (*http.Response, error) {
	tlsConn, err := f.connect(ctx, target)
	if err != nil {
		return nil, err
	}

	c := drive(ctx, tlsConn, target.Host)

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"User-Agent": {userAgent}},
		Host:       target.Host,
		Close:      true,
	}
	err = req.Write(c.writer)
	if err == nil {
		err = c.writer.Flush()
	}
	if err != nil {
		c.release()
		return nil, c.wrapErr(fmt.Errorf("send request to %s: %w", target, err))
	}

	resp, err := http.ReadResponse(c.reader, req)
	if err != nil {
		c.release()
		return nil, c.wrapErr(fmt.Errorf("read response from %s: %w", target, err))
	}
	resp.Body = &body{ReadCloser: resp.Body, conn: c}
	return resp, nil
}

func (f *Fetcher) connect(ctx context.Context, target *url.URL) (*tls.Conn, error) {
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = DefaultPort
	}
	addr := net.JoinHostPort(host, port)

	dial := f.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: f.DialTimeout}
		dial = d.DialContext
	}
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.TLSConfig != nil {
		cfg = f.TLSConfig.Clone()
	}
	cfg.ServerName = host
	// HTTP/1.1 only.
	cfg.NextProtos = nil

	hsCtx := ctx
	if f.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, f.HandshakeTimeout)
		defer cancel()
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%q: %v: %w", raw, err, errors.ErrMalformedURI)
	}
	return checkTarget(u, raw)
}

func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("redirect target %q: %v: %w", location, err, errors.ErrMalformedURI)
	}
	return checkTarget(base.ResolveReference(ref), location)
}

func checkTarget(u *url.URL, raw string) (*url.URL, error) {
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%q: scheme must be https: %w", raw, errors.ErrMalformedURI)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%q: missing host: %w", raw, errors.ErrMalformedURI)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%q: credentials in URL are not supported: %w", raw, errors.ErrMalformedURI)
	}
	u.Fragment = ""
	return u, nil
}

// discard drains a small prefix of an unwanted body and releases its connection.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	_ = resp.Body.Close()
}
