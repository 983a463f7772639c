// Package itc drives the iTunes Connect web portal to manage TestFlight external
// testers. The portal has no API for this, so the client replays what a browser does
// and infers results from status codes and response shapes.
package itc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testflight-invite/internal/components/telemetry"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("testflight-invite/scrapers/itc")

const (
	DefaultBaseUrl   = "https://itunesconnect.apple.com"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
)

const (
	loginPagePath   = "/WebObjects/iTunesConnect.woa"
	testersPathTmpl = "/WebObjects/iTunesConnect.woa/ra/user/externalTesters/%s/"
)

type ClientOptions struct {
	Login    string
	Password string
	AppId    string

	// defaults to DefaultBaseUrl
	BaseUrl string
	// defaults to DefaultTimeout
	Timeout time.Duration
	// defaults to DefaultUserAgent
	UserAgent string
	// https proxy url, empty means no proxy
	Proxy string
	// 0 means requests are not rate limited
	RequestsPerSecond float64
	// wraps the transport so TLS and headers look like a regular browser
	CloudflareBypass bool
	// defaults to TextActionFinder
	ActionFinder ActionFinder
	// defaults to telemetry.SlogAPI
	Telemetry telemetry.API
	// receives every HTTP message when set
	MessageOutput telemetry.MessageOutput
}

// Client is one authenticated portal session.
//
// A Client is not safe for concurrent use, its cookie and login state are
// replaced by every request.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	login    string
	password string
	appId    string
	finder   ActionFinder

	loggedIn bool
	cookie   string

	tel telemetry.API
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.AppId == "" {
		return nil, fmt.Errorf("itc scraper: app id must not be empty")
	}
	if opts.BaseUrl == "" {
		opts.BaseUrl = DefaultBaseUrl
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ActionFinder == nil {
		opts.ActionFinder = TextActionFinder{}
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	tel = telemetry.NewScopedAPI("itc_scraper", tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(opts.BaseUrl)
	// the session cookie is carried by hand, see captureCookie
	httpClient.SetCookieJar(nil)
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	if opts.Proxy != "" {
		_, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("itc scraper: parse proxy: %w", err)
		}
		httpClient.SetProxy(opts.Proxy)
	}
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	telemetry.InstrumentResty(httpClient, tel, opts.MessageOutput)

	if opts.RequestsPerSecond > 0 {
		// burst of 1 keeps the requests evenly spaced
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	return &Client{
		BaseUrl:  baseUrl,
		Http:     httpClient,
		login:    opts.Login,
		password: opts.Password,
		appId:    opts.AppId,
		finder:   opts.ActionFinder,
		tel:      tel,
	}, nil
}

// LoggedIn reports whether Login has succeeded on this session.
func (c *Client) LoggedIn() bool {
	return c.loggedIn
}

// Cookie returns the cookie that will be sent with the next request.
func (c *Client) Cookie() string {
	return c.cookie
}

func (c *Client) testersPath() string {
	return fmt.Sprintf(testersPathTmpl, url.PathEscape(c.appId))
}

// request sends one request with the captured cookie and replaces the captured
// cookie with the one derived from the response.
func (c *Client) request(ctx context.Context, req *resty.Request, method, path string) (*resty.Response, error) {
	req.SetContext(ctx)
	if c.cookie != "" {
		req.SetHeader("Cookie", c.cookie)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	c.cookie = captureCookie(res.Header())
	return res, nil
}
