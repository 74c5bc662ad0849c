package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// FTPFetcher retrieves files over FTP. Directory URLs (trailing '/') are rendered as a
// small HTML index so the link scanner can descend into them.
type FTPFetcher struct {
	dialTimeout time.Duration
	log         *logrus.Entry
}

// NewFTPFetcher creates an FTPFetcher
func NewFTPFetcher(dialTimeout time.Duration, log *logrus.Entry) *FTPFetcher {
	return &FTPFetcher{dialTimeout: dialTimeout, log: log}
}

// Fetch logs in (anonymously unless the URL carries credentials) and retrieves req.URL
func (f *FTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	addr := ftpAddress(req.URL)
	reqLog := f.log.WithFields(logrus.Fields{"url": req.URL.Redacted(), "addr": addr})

	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if f.dialTimeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(f.dialTimeout))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, ftpError(ctx, err)
	}

	user, pass := ftpCredentials(req.URL)
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, ftpError(ctx, err)
	}

	remotePath := req.URL.Path
	if remotePath == "" {
		remotePath = "/"
	}
	out := &Response{
		FinalURL:      req.URL,
		StatusCode:    ftp.StatusClosingDataConnection,
		Status:        "226 Transfer complete",
		ContentLength: -1,
	}

	if strings.HasSuffix(remotePath, "/") {
		entries, err := conn.List(remotePath)
		_ = conn.Quit()
		if err != nil {
			return out, ftpError(ctx, err)
		}
		listing := renderListing(remotePath, entries)
		out.ContentType = "text/html; charset=utf-8"
		out.ContentLength = int64(len(listing))
		out.Body = io.NopCloser(bytes.NewReader(listing))
		reqLog.Debugf("Rendered FTP listing with %d entries", len(entries))
		return out, nil
	}

	if size, err := conn.FileSize(remotePath); err == nil {
		out.ContentLength = size
		if req.MaxSize > 0 && size > req.MaxSize {
			_ = conn.Quit()
			return out, fmt.Errorf("%w: %d > %d bytes", utils.ErrTooLarge, size, req.MaxSize)
		}
	}

	r, err := conn.Retr(remotePath)
	if err != nil {
		_ = conn.Quit()
		return out, ftpError(ctx, err)
	}
	body := &ftpBody{resp: r, conn: conn, ctx: ctx}
	// Unblock a pending read when the transfer is cancelled or times out
	body.stop = context.AfterFunc(ctx, func() { _ = r.SetDeadline(time.Now()) })
	out.Body = limitBody(body, req.MaxSize)
	return out, nil
}

// ftpBody closes the data connection and the control connection together
type ftpBody struct {
	resp *ftp.Response
	conn *ftp.ServerConn
	ctx  context.Context
	stop func() bool
}

func (b *ftpBody) Read(p []byte) (int, error) {
	n, err := b.resp.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		return n, b.ctx.Err()
	}
	return n, err
}

func (b *ftpBody) Close() error {
	if b.stop != nil {
		b.stop()
	}
	err := b.resp.Close()
	_ = b.conn.Quit()
	return err
}

func ftpAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "21"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func ftpCredentials(u *url.URL) (string, string) {
	if u.User == nil || u.User.Username() == "" {
		return "anonymous", "anonymous@"
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}

// ftpError maps FTP failures: 4xx replies and network errors are transient, 5xx replies
// are fatal, cancellation passes through.
func ftpError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("ftp: %w", context.Canceled)
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 400 && reply.Code < 500 {
			return fmt.Errorf("%w: ftp %d %s", utils.ErrTransient, reply.Code, reply.Msg)
		}
		return fmt.Errorf("%w: ftp %d %s", utils.ErrFatalProtocol, reply.Code, reply.Msg)
	}
	return fmt.Errorf("%w: ftp: %w", utils.ErrTransient, err)
}

// renderListing turns a directory listing into an HTML page of relative links
func renderListing(dir string, entries []*ftp.Entry) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var b bytes.Buffer
	title := html.EscapeString(dir)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of %s</title></head>\n<body>\n<h1>Index of %s</h1>\n<ul>\n", title, title)
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		name := e.Name
		href := url.PathEscape(name)
		if e.Type == ftp.EntryTypeFolder {
			name += "/"
			href += "/"
		}
		fmt.Fprintf(&b, "<li><a href=\"./%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(name))
	}
	b.WriteString("</ul>\n</body></html>\n")
	return b.Bytes()
}
