package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Request describes one transfer
type Request struct {
	URL       *url.URL
	Method    string // http.MethodGet (default) or http.MethodHead; FTP only supports GET
	UserAgent string
	Referrer  *url.URL
	Jar       http.CookieJar // nil disables cookies for this request
	MaxSize   int64          // Body is truncated at this many bytes, 0 = unlimited
}

// Response is the outcome of a transfer. Body is nil for HEAD requests and whenever an
// error is returned; status fields are filled whenever the server answered.
// Caller must close Body.
type Response struct {
	FinalURL      *url.URL // After redirects
	StatusCode    int
	Status        string
	ContentType   string
	ContentLength int64 // -1 when unknown
	Body          io.ReadCloser
}

// Fetcher performs single-attempt transfers over HTTP(S) and FTP and maps failures to
// the sentinel errors in utils. Retrying is the caller's business.
type Fetcher struct {
	client *http.Client // The configured HTTP client to use for requests
	ftp    *FTPFetcher
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance. ftp may be nil to disable FTP.
func NewFetcher(client *http.Client, ftp *FTPFetcher, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		ftp:    ftp,
		log:    log,
	}
}

// Fetch transfers req.URL. ctx bounds the whole transfer including the body read.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("%w: nil URL", utils.ErrRequestCreation)
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, req)
	case "ftp":
		if f.ftp == nil {
			return nil, fmt.Errorf("%w: ftp disabled", utils.ErrScopeRejected)
		}
		return f.ftp.Fetch(ctx, req)
	}
	return nil, fmt.Errorf("%w: scheme '%s'", utils.ErrScopeRejected, req.URL.Scheme)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	reqLog := f.log.WithFields(logrus.Fields{"url": req.URL.String(), "method": method})

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if ref := refererFor(req.Referrer, req.URL); ref != "" {
		httpReq.Header.Set("Referer", ref)
	}

	client := f.client
	if req.Jar != nil {
		withJar := *f.client // Shallow copy shares the transport
		withJar.Jar = req.Jar
		client = &withJar
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err // Terminated, not a network failure
		}
		reqLog.Debugf("Network error: %v", err)
		return nil, fmt.Errorf("%w: %w", utils.ErrTransient, err)
	}

	out := &Response{
		FinalURL:      req.URL,
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalURL = resp.Request.URL
	}

	if statusErr := statusError(resp.StatusCode, resp.Status); statusErr != nil {
		reqLog.WithField("status_code", resp.StatusCode).Debug("Non-success status")
		drainAndClose(resp.Body)
		return out, statusErr
	}

	if req.MaxSize > 0 && resp.ContentLength > req.MaxSize {
		resp.Body.Close()
		return out, fmt.Errorf("%w: %d > %d bytes", utils.ErrTooLarge, resp.ContentLength, req.MaxSize)
	}

	if method == http.MethodHead {
		resp.Body.Close()
		return out, nil
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return out, fmt.Errorf("%w: %w", utils.ErrTransient, err)
	}
	out.Body = limitBody(body, req.MaxSize)
	return out, nil
}

// statusError maps a non-2xx status to its sentinel error, nil for 2xx
func statusError(statusCode int, status string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: status %d %s", utils.ErrTransient, utils.ErrClientHTTPError, statusCode, status)
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, status)
	case statusCode >= 400:
		return fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, status)
	}
	// 1xx, or 3xx that was not followed
	return fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, status)
}

// refererFor returns the Referer header value, omitting it on https -> http downgrades
func refererFor(referrer, target *url.URL) string {
	if referrer == nil || target == nil {
		return ""
	}
	if strings.EqualFold(referrer.Scheme, "https") && !strings.EqualFold(target.Scheme, "https") {
		return ""
	}
	if !strings.EqualFold(referrer.Scheme, "http") && !strings.EqualFold(referrer.Scheme, "https") {
		return ""
	}
	ref := *referrer
	ref.User = nil
	ref.Fragment = ""
	return ref.String()
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// limitBody truncates body after max bytes without error
func limitBody(body io.ReadCloser, max int64) io.ReadCloser {
	if max <= 0 {
		return body
	}
	return &limitedBody{Reader: io.LimitReader(body, max), Closer: body}
}

// drainAndClose reads a bounded amount of body so the connection can be reused
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
