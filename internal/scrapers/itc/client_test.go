package itc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testAppId = "123456789"

var testTestersPath = fmt.Sprintf(testersPathTmpl, testAppId)

type recordingAPI struct {
	mu       sync.Mutex
	broken   []string
	warnings []string
	counts   map[string]int64
}

func (r *recordingAPI) ReportBroken(id string, params ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = append(r.broken, id)
}

func (r *recordingAPI) ReportWarning(id string, params ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, id)
}

func (r *recordingAPI) ReportDebug(msg string, params ...any) {}

func (r *recordingAPI) ReportCount(id string, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int64{}
	}
	r.counts[id] = count
}

type recordedRequest struct {
	Method string
	Path   string
	Cookie string
	Body   string
}

// fakePortal stands in for iTunes Connect, every field can be changed between requests.
type fakePortal struct {
	mu       sync.Mutex
	requests []recordedRequest

	loginPage       string
	loginPageCookie []string
	loginBody       string
	loginCookie     []string

	// users returned by GET on the testers endpoint
	users int
	// status and users returned by POST on the testers endpoint
	postStatus int
	postUsers  int
	statusCode string
	// replace the generated testers bodies when set
	getBody  string
	postBody string
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		loginPage:  `<html><form name="f" method="post" action="/X"></form></html>`,
		loginBody:  `<html>Welcome</html>`,
		postStatus: http.StatusOK,
		statusCode: `"SUCCESS"`,
	}
}

func (p *fakePortal) countRequests(method, path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (p *fakePortal) lastRequest(method, path string) recordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.requests) - 1; i >= 0; i-- {
		if p.requests[i].Method == method && p.requests[i].Path == path {
			return p.requests[i]
		}
	}
	return recordedRequest{}
}

func usersJson(n int) string {
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf(
			`{"emailAddress":{"value":"tester%d@example.com"},"firstName":{"value":"First%d"},"lastName":{"value":""},"testing":{"value":true}}`,
			i, i,
		)
	}
	return "[" + strings.Join(users, ",") + "]"
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Cookie: r.Header.Get("Cookie"),
		Body:   string(body),
	})

	switch {
	case r.Method == http.MethodGet && r.URL.Path == loginPagePath:
		for _, c := range p.loginPageCookie {
			w.Header().Add("Set-Cookie", c)
		}
		fmt.Fprint(w, p.loginPage)
	case r.Method == http.MethodPost && r.URL.Path == "/X":
		for _, c := range p.loginCookie {
			w.Header().Add("Set-Cookie", c)
		}
		fmt.Fprint(w, p.loginBody)
	case r.Method == http.MethodGet && r.URL.Path == testTestersPath:
		w.Header().Set("content-type", "application/json")
		if p.getBody != "" {
			fmt.Fprint(w, p.getBody)
			return
		}
		fmt.Fprintf(w, `{"statusCode":%s,"data":{"users":%s}}`, p.statusCode, usersJson(p.users))
	case r.Method == http.MethodPost && r.URL.Path == testTestersPath:
		if p.postStatus != http.StatusOK {
			w.WriteHeader(p.postStatus)
			fmt.Fprint(w, `<html>Internal Server Error</html>`)
			return
		}
		w.Header().Set("content-type", "application/json")
		if p.postBody != "" {
			fmt.Fprint(w, p.postBody)
			return
		}
		fmt.Fprintf(w, `{"statusCode":%s,"data":{"users":%s}}`, p.statusCode, usersJson(p.postUsers))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t testing.TB, portal *fakePortal) (*Client, *recordingAPI) {
	server := httptest.NewServer(portal)
	t.Cleanup(server.Close)

	tel := &recordingAPI{}
	client, err := NewClient(ClientOptions{
		Login:     "dev@example.com",
		Password:  "hunter2",
		AppId:     testAppId,
		BaseUrl:   server.URL,
		Timeout:   5 * time.Second,
		Telemetry: tel,
	})
	require.NoError(t, err)
	return client, tel
}

func TestLoginPostsToFormAction(t *testing.T) {
	portal := newFakePortal()
	client, _ := newTestClient(t, portal)

	err := client.Login(context.Background())
	require.NoError(t, err)
	require.True(t, client.LoggedIn())

	require.Equal(t, 1, portal.countRequests(http.MethodPost, "/X"))
	form, err := url.ParseQuery(portal.lastRequest(http.MethodPost, "/X").Body)
	require.NoError(t, err)
	expected := url.Values{
		"theAccountName": {"dev@example.com"},
		"theAccountPW":   {"hunter2"},
		"1.Continue.x":   {"0"},
		"1.Continue.y":   {"0"},
		"inFrame":        {"0"},
		"theAuxValue":    {""},
	}
	if diff := cmp.Diff(expected, form); diff != "" {
		t.Fatalf("login form mismatch (-want +got):\n%s", diff)
	}
}

func TestLoginFixturePage(t *testing.T) {
	portal := newFakePortal()
	portal.loginPage = string(loginPageTest)
	client, _ := newTestClient(t, portal)

	// the fixture's action is not served, so the login post 404s but is still sent
	err := client.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, portal.countRequests(http.MethodPost, loginPageAction))
}

func TestLoginIsIdempotent(t *testing.T) {
	portal := newFakePortal()
	client, _ := newTestClient(t, portal)

	require.NoError(t, client.Login(context.Background()))
	require.NoError(t, client.Login(context.Background()))

	require.Equal(t, 1, portal.countRequests(http.MethodGet, loginPagePath))
	require.Equal(t, 1, portal.countRequests(http.MethodPost, "/X"))
}

func TestLoginInvalidCredentials(t *testing.T) {
	portal := newFakePortal()
	portal.loginBody = `<div class="error">Your Apple ID or password was entered incorrectly.</div>`
	client, tel := newTestClient(t, portal)

	err := client.Login(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	require.False(t, client.LoggedIn())
	require.Contains(t, tel.warnings, "itc_scraper: client.login")

	// a failed login can be retried on the same session
	portal.loginBody = `<html>Welcome</html>`
	require.NoError(t, client.Login(context.Background()))
	require.True(t, client.LoggedIn())
	require.Equal(t, 2, portal.countRequests(http.MethodGet, loginPagePath))
}

func TestLoginMissingFormAction(t *testing.T) {
	portal := newFakePortal()
	portal.loginPage = `<html><body>Down for maintenance</body></html>`
	client, tel := newTestClient(t, portal)

	err := client.Login(context.Background())
	require.ErrorIs(t, err, ErrLoginFormNotFound)
	require.False(t, client.LoggedIn())
	require.Contains(t, tel.broken, "itc_scraper: client.login")
}

func TestNoTesterRequestBeforeLogin(t *testing.T) {
	portal := newFakePortal()
	portal.loginBody = invalidCredentialsMessage
	client, _ := newTestClient(t, portal)
	ctx := context.Background()

	_, err := client.AddTester(ctx, Tester{Email: "a@b.com"})
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = client.RemoveTester(ctx, "a@b.com")
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = client.TesterCount(ctx)
	require.ErrorIs(t, err, ErrAuthentication)

	require.Equal(t, 0, portal.countRequests(http.MethodGet, testTestersPath))
	require.Equal(t, 0, portal.countRequests(http.MethodPost, testTestersPath))
}

func TestCookieRoundTrip(t *testing.T) {
	portal := newFakePortal()
	portal.loginPageCookie = []string{"a=1; Path=/", "b=2; Secure"}
	portal.loginCookie = []string{"myacinfo=xyz; Domain=127.0.0.1; HttpOnly"}
	client, _ := newTestClient(t, portal)
	ctx := context.Background()

	require.NoError(t, client.Login(ctx))
	require.Equal(t, "", portal.lastRequest(http.MethodGet, loginPagePath).Cookie)
	require.Equal(t, "a=1;b=2", portal.lastRequest(http.MethodPost, "/X").Cookie)
	require.Equal(t, "myacinfo=xyz", client.Cookie())

	_, err := client.TesterCount(ctx)
	require.NoError(t, err)
	require.Equal(t, "myacinfo=xyz", portal.lastRequest(http.MethodGet, testTestersPath).Cookie)

	// the testers endpoint sets no cookie, so the captured cookie is replaced by nothing
	require.Equal(t, "", client.Cookie())
}

func TestAddTester(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate", func(t *testing.T) {
		portal := newFakePortal()
		portal.postStatus = http.StatusInternalServerError
		client, _ := newTestClient(t, portal)

		_, err := client.AddTester(ctx, Tester{Email: "a@b.com"})
		require.ErrorIs(t, err, ErrDuplicateInvite)
	})

	t.Run("success", func(t *testing.T) {
		portal := newFakePortal()
		portal.statusCode = `0`
		client, _ := newTestClient(t, portal)

		status, err := client.AddTester(ctx, Tester{Email: "a@b.com", FirstName: "Ada", LastName: "Lovelace"})
		require.NoError(t, err)
		require.Equal(t, StatusCode("0"), status)

		var payload any
		err = json.Unmarshal([]byte(portal.lastRequest(http.MethodPost, testTestersPath).Body), &payload)
		require.NoError(t, err)

		var expected any
		err = json.Unmarshal([]byte(`{"users":[{
			"emailAddress":{"errorKeys":[],"value":"a@b.com"},
			"firstName":{"value":"Ada"},
			"lastName":{"value":"Lovelace"},
			"testing":{"value":true}
		}]}`), &expected)
		require.NoError(t, err)

		if diff := cmp.Diff(expected, payload); diff != "" {
			t.Fatalf("add tester payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("malformed response", func(t *testing.T) {
		portal := newFakePortal()
		portal.statusCode = `{`
		client, tel := newTestClient(t, portal)

		_, err := client.AddTester(ctx, Tester{Email: "a@b.com"})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrDuplicateInvite)
		require.Contains(t, tel.broken, "itc_scraper: client.add-tester")
	})
}

func TestRemoveTester(t *testing.T) {
	ctx := context.Background()

	t.Run("removed", func(t *testing.T) {
		portal := newFakePortal()
		portal.users = 3
		portal.postUsers = 2
		client, _ := newTestClient(t, portal)

		status, err := client.RemoveTester(ctx, "a@b.com")
		require.NoError(t, err)
		require.Equal(t, StatusCode("SUCCESS"), status)

		var payload testersRequest
		err = json.Unmarshal([]byte(portal.lastRequest(http.MethodPost, testTestersPath).Body), &payload)
		require.NoError(t, err)
		expected := newTestersRequest(Tester{Email: "a@b.com"}, false)
		if diff := cmp.Diff(expected, payload); diff != "" {
			t.Fatalf("remove tester payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nothing removed", func(t *testing.T) {
		portal := newFakePortal()
		portal.users = 3
		portal.postUsers = 3
		client, _ := newTestClient(t, portal)

		_, err := client.RemoveTester(ctx, "a@b.com")
		require.ErrorIs(t, err, ErrRemoveTester)
		require.EqualError(t, err, "itc scraper: failed to remove tester a@b.com")

		var removeErr RemoveTesterError
		require.ErrorAs(t, err, &removeErr)
		require.Equal(t, "a@b.com", removeErr.Email)
	})

	t.Run("server error", func(t *testing.T) {
		portal := newFakePortal()
		portal.users = 3
		portal.postStatus = http.StatusInternalServerError
		client, _ := newTestClient(t, portal)

		_, err := client.RemoveTester(ctx, "a@b.com")
		require.ErrorIs(t, err, ErrRemoveTester)
		require.EqualError(t, err, "itc scraper: server error")
		require.NotErrorIs(t, err, ErrDuplicateInvite)
	})

	t.Run("response without tester list", func(t *testing.T) {
		for _, body := range []string{
			`{"statusCode":"ERROR","messages":{"error":["invalid request"]}}`,
			`{"statusCode":"SUCCESS","data":{"users":null}}`,
		} {
			portal := newFakePortal()
			portal.users = 3
			portal.postBody = body
			client, tel := newTestClient(t, portal)

			_, err := client.RemoveTester(ctx, "a@b.com")
			require.ErrorIs(t, err, ErrRemoveTester, body)
			require.ErrorIs(t, err, ErrMissingTesterList, body)
			require.Contains(t, tel.broken, "itc_scraper: client.remove-tester")
		}
	})

	t.Run("counts before posting", func(t *testing.T) {
		portal := newFakePortal()
		portal.users = 1
		client, _ := newTestClient(t, portal)

		_, err := client.RemoveTester(ctx, "a@b.com")
		require.NoError(t, err)

		portal.mu.Lock()
		defer portal.mu.Unlock()
		var order []string
		for _, r := range portal.requests {
			if r.Path == testTestersPath {
				order = append(order, r.Method)
			}
		}
		require.Equal(t, []string{http.MethodGet, http.MethodPost}, order)
	})
}

func TestTesterCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case loginPagePath:
			fmt.Fprint(w, `<form action="/login">`)
		case testTestersPath:
			fmt.Fprint(w, `{"data":{"users":[{}, {}]}}`)
		default:
			fmt.Fprint(w, "ok")
		}
	}))
	defer server.Close()

	tel := &recordingAPI{}
	client, err := NewClient(ClientOptions{
		AppId:     testAppId,
		BaseUrl:   server.URL,
		Telemetry: tel,
	})
	require.NoError(t, err)

	count, err := client.TesterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, int64(2), tel.counts["itc_scraper: client.tester-count"])
}

func TestTesterCountWithoutTesterList(t *testing.T) {
	for _, body := range []string{
		`{"statusCode":"ERROR"}`,
		`{"statusCode":"SUCCESS","data":{}}`,
	} {
		portal := newFakePortal()
		portal.getBody = body
		client, tel := newTestClient(t, portal)

		_, err := client.TesterCount(context.Background())
		require.ErrorIs(t, err, ErrMissingTesterList, body)
		require.Contains(t, tel.broken, "itc_scraper: client.tester-count")
		require.NotContains(t, tel.counts, "itc_scraper: client.tester-count")

		_, err = client.Testers(context.Background())
		require.ErrorIs(t, err, ErrMissingTesterList, body)
	}
}

func TestEmptyTesterList(t *testing.T) {
	portal := newFakePortal()
	client, _ := newTestClient(t, portal)

	count, err := client.TesterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestTesters(t *testing.T) {
	portal := newFakePortal()
	portal.users = 2
	client, _ := newTestClient(t, portal)

	testers, err := client.Testers(context.Background())
	require.NoError(t, err)
	expected := []TesterRecord{
		{Email: "tester0@example.com", FirstName: "First0", Testing: true},
		{Email: "tester1@example.com", FirstName: "First1", Testing: true},
	}
	if diff := cmp.Diff(expected, testers); diff != "" {
		t.Fatalf("testers mismatch (-want +got):\n%s", diff)
	}
}

type memoryOutput struct {
	mu       sync.Mutex
	messages map[string]string
}

func (m *memoryOutput) Write(id string, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[id] = contents
}

func TestMessageOutput(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	out := &memoryOutput{messages: map[string]string{}}
	client, err := NewClient(ClientOptions{
		Login:         "dev@example.com",
		Password:      "hunter2",
		AppId:         testAppId,
		BaseUrl:       server.URL,
		Telemetry:     &recordingAPI{},
		MessageOutput: out,
	})
	require.NoError(t, err)
	require.NoError(t, client.Login(context.Background()))

	require.Len(t, out.messages, 2)
	require.Contains(t, out.messages["1"], "GET")
	require.Contains(t, out.messages["2"], "POST")
	require.Contains(t, out.messages["2"], "/X")
}

func TestProxy(t *testing.T) {
	// plain http requests reach the proxy with absolute urls, so the portal can act as one
	portal := newFakePortal()
	portal.users = 2
	server := httptest.NewServer(portal)
	defer server.Close()

	client, err := NewClient(ClientOptions{
		AppId:     testAppId,
		BaseUrl:   "http://itunesconnect.test",
		Proxy:     server.URL,
		Telemetry: &recordingAPI{},
	})
	require.NoError(t, err)

	count, err := client.TesterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 1, portal.countRequests(http.MethodGet, loginPagePath))

	_, err = NewClient(ClientOptions{AppId: testAppId, Proxy: "http://[::1"})
	require.Error(t, err)
}

func TestCloudflareBypassAndRateLimit(t *testing.T) {
	var mu sync.Mutex
	var acceptLanguage []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		acceptLanguage = append(acceptLanguage, r.Header.Get("Accept-Language"))
		mu.Unlock()

		switch r.URL.Path {
		case loginPagePath:
			fmt.Fprint(w, `<form action="/login">`)
		case testTestersPath:
			fmt.Fprint(w, `{"data":{"users":[{}]}}`)
		default:
			fmt.Fprint(w, "ok")
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientOptions{
		AppId:             testAppId,
		BaseUrl:           server.URL,
		RequestsPerSecond: 20,
		CloudflareBypass:  true,
		Telemetry:         &recordingAPI{},
	})
	require.NoError(t, err)

	start := time.Now()
	count, err := client.TesterCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// three requests with a burst of 1 wait for at least two intervals of 50ms
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acceptLanguage, 3)
	for _, value := range acceptLanguage {
		require.Equal(t, "en-US,en;q=0.5", value)
	}
}

func TestRateLimitCancelled(t *testing.T) {
	portal := newFakePortal()
	server := httptest.NewServer(portal)
	defer server.Close()

	tel := &recordingAPI{}
	client, err := NewClient(ClientOptions{
		AppId:             testAppId,
		BaseUrl:           server.URL,
		RequestsPerSecond: 0.001,
		Telemetry:         tel,
	})
	require.NoError(t, err)

	// the login page uses the only token, the login post cannot wait long enough
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = client.Login(ctx)
	require.Error(t, err)
	require.False(t, client.LoggedIn())
	require.Equal(t, 1, portal.countRequests(http.MethodGet, loginPagePath))
	require.Equal(t, 0, portal.countRequests(http.MethodPost, "/X"))
	require.Contains(t, tel.broken, "itc_scraper: client.login")
}

func TestNewClientRequiresAppId(t *testing.T) {
	_, err := NewClient(ClientOptions{Login: "dev@example.com"})
	require.Error(t, err)
}

func TestStatusCodeUnmarshal(t *testing.T) {
	testCases := []struct {
		input    string
		expected StatusCode
	}{
		{input: `{"statusCode": 0}`, expected: "0"},
		{input: `{"statusCode": "SUCCESS"}`, expected: "SUCCESS"},
		{input: `{"statusCode": null}`, expected: ""},
		{input: `{}`, expected: ""},
	}
	for _, test := range testCases {
		parsed, err := decodeTesters([]byte(test.input))
		require.NoError(t, err)
		require.Equal(t, test.expected, parsed.StatusCode)
	}
}
