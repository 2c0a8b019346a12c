// Package whttp is the HTTP layer used for plan and meta requests.
package whttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/html"
)

const (
	defaultUserAgent = "plancache/1.0"
	defaultTimeout   = 15 * time.Second
	csrfCookieName   = "csrftoken"
	csrfHeaderName   = "X-CSRFToken"
)

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Headers []WHTTPHeader
}

type WHTTPRes struct {
	StatusCode     int
	ContentType    string
	ResponseLength int
	HTTPTitle      string
	Body           []byte
	BodyString     string
}

// OK reports a 2xx status.
func (r *WHTTPRes) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Logger is the subset of logrus used for request tracing.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Options configures a Client.
type Options struct {
	// Retries is the number of extra attempts on transport errors and 5xx.
	// Zero disables retrying.
	Retries   int
	Proxy     string
	Timeout   time.Duration
	UserAgent string
	Log       Logger
}

// Client sends requests with a cookie jar so session and CSRF cookies set by
// the server are replayed like a browser would.
type Client struct {
	http      *retryablehttp.Client
	jar       http.CookieJar
	userAgent string
}

func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.CookieJarList})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Jar: jar, Timeout: timeout}
	rc.RetryMax = opts.Retries
	if rc.RetryMax < 0 {
		rc.RetryMax = 0
	}
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	// Hand back the final response instead of a generic "giving up" error so
	// the caller can read the status and body.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if opts.Log != nil {
		rc.Logger = leveledLogger{opts.Log}
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{http: rc, jar: jar, userAgent: ua}, nil
}

// SetCookie seeds the jar, e.g. with a session cookie from the config file.
func (c *Client) SetCookie(rawURL, name, value string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	c.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return nil
}

// SendHTTPRequest performs wReq. The returned error is non-nil only when no
// response was received; HTTP error statuses are returned as a response.
func (c *Client) SendHTTPRequest(ctx context.Context, wReq *WHTTPReq) (wRes *WHTTPRes, err error) {
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.URL, nil)
	if err != nil {
		return nil, err
	}

	// Set common headers
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if token := c.cookieValue(req.URL, csrfCookieName); token != "" {
		req.Header.Set(csrfHeaderName, token)
	}

	// Set custom headers
	for _, h := range wReq.Headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	wRes = &WHTTPRes{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        bodyBytes,
		BodyString:  string(bodyBytes),
	}

	if strings.Contains(wRes.ContentType, "html") {
		if title, ok := getHTMLTitle(wRes.BodyString); ok {
			wRes.HTTPTitle = strings.ToValidUTF8(strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(title, "\n", ""), "\r", "")), "")
		}
	}

	wRes.ResponseLength = utf8.RuneCountInString(wRes.BodyString)
	return wRes, nil
}

func (c *Client) cookieValue(u *url.URL, name string) string {
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func isTitleElement(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "title"
}

func traverse(n *html.Node) (string, bool) {
	if isTitleElement(n) {
		if n.FirstChild != nil {
			return n.FirstChild.Data, true
		}
		return "", true
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		result, ok := traverse(c)
		if ok {
			return result, ok
		}
	}

	return "", false
}

func getHTMLTitle(requestBody string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(requestBody))
	if err != nil {
		return "", false
	}

	return traverse(doc)
}

type leveledLogger struct {
	l Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.l.Warnf("%s %v", msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.l.Warnf("%s %v", msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.l.Debugf("%s %v", msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.l.Debugf("%s %v", msg, kv) }
