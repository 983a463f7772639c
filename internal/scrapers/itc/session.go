package itc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_client_login         = "client.login"
	report_client_add_tester    = "client.add-tester"
	report_client_remove_tester = "client.remove-tester"
	report_client_tester_count  = "client.tester-count"
	report_client_testers       = "client.testers"
)

const invalidCredentialsMessage = "Your Apple ID or password was entered incorrectly."

// Login signs in to the portal. It does nothing once a login has succeeded.
// A failed login leaves the session logged out so it can be retried.
func (c *Client) Login(ctx context.Context) error {
	if c.loggedIn {
		return nil
	}

	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	loginError := func(err error) error {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("itc scraper: login failed: %w", err)
	}

	res, err := c.request(ctx, c.Http.R(), resty.MethodGet, loginPagePath)
	if err != nil {
		c.tel.ReportBroken(
			report_client_login,
			fmt.Errorf("login page request: %w", err),
		)
		return loginError(err)
	}

	action, err := c.finder.FindAction(res.Body())
	if err != nil {
		c.tel.ReportBroken(
			report_client_login,
			fmt.Errorf("find form action: %w", err),
		)
		return loginError(err)
	}
	c.tel.ReportDebug(report_client_login, "form action", action)

	res, err = c.request(
		ctx,
		c.Http.R().SetFormData(map[string]string{
			"theAccountName": c.login,
			"theAccountPW":   c.password,
			"1.Continue.x":   "0",
			"1.Continue.y":   "0",
			"inFrame":        "0",
			"theAuxValue":    "",
		}),
		resty.MethodPost,
		action,
	)
	if err != nil {
		c.tel.ReportBroken(
			report_client_login,
			fmt.Errorf("login request: %w", err),
		)
		return loginError(err)
	}

	if bytes.Contains(res.Body(), []byte(invalidCredentialsMessage)) {
		c.tel.ReportWarning(report_client_login, ErrAuthentication)
		span.SetStatus(codes.Error, ErrAuthentication.Error())
		return ErrAuthentication
	}

	c.loggedIn = true
	return nil
}

func (c *Client) postTester(ctx context.Context, tester Tester, testing bool) (*resty.Response, error) {
	body, err := json.Marshal(newTestersRequest(tester, testing))
	if err != nil {
		return nil, err
	}
	return c.request(
		ctx,
		c.Http.R().
			SetHeader("content-type", "application/json").
			SetBody(body),
		resty.MethodPost,
		c.testersPath(),
	)
}

func decodeTesters(body []byte) (testersResponse, error) {
	var parsed testersResponse
	err := json.Unmarshal(body, &parsed)
	if err != nil {
		return testersResponse{}, fmt.Errorf("unmarshal json: %w", err)
	}
	return parsed, nil
}

// decodeTesterList is decodeTesters for callers that need data.users.
func decodeTesterList(body []byte) (testersResponse, []json.RawMessage, error) {
	parsed, err := decodeTesters(body)
	if err != nil {
		return testersResponse{}, nil, err
	}
	users, err := parsed.users()
	if err != nil {
		return testersResponse{}, nil, err
	}
	return parsed, users, nil
}

// AddTester invites a tester to the app's external testing and returns the
// portal's status code. An already invited tester yields ErrDuplicateInvite.
func (c *Client) AddTester(ctx context.Context, tester Tester) (StatusCode, error) {
	err := c.Login(ctx)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "client:AddTester")
	defer span.End()

	res, err := c.postTester(ctx, tester, true)
	if err != nil {
		c.tel.ReportBroken(
			report_client_add_tester,
			fmt.Errorf("fetch: %w", err),
		)
		span.SetStatus(codes.Error, "failed to post tester")
		return "", fmt.Errorf("itc scraper: add tester: %w", err)
	}
	if classifyTesterMutation(res.StatusCode()) == outcomeRejected {
		span.SetStatus(codes.Error, ErrDuplicateInvite.Error())
		return "", ErrDuplicateInvite
	}

	parsed, err := decodeTesters(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_add_tester, err, res.Status())
		span.SetStatus(codes.Error, "failed to parse response")
		return "", fmt.Errorf("itc scraper: add tester: %w", err)
	}
	return parsed.StatusCode, nil
}

// RemoveTester removes a tester from the app's external testing.
//
// The portal answers successfully even when nothing was removed, so the tester
// count before the request is compared with the list the portal sends back.
func (c *Client) RemoveTester(ctx context.Context, email string) (StatusCode, error) {
	err := c.Login(ctx)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "client:RemoveTester")
	defer span.End()

	before, err := c.TesterCount(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to count testers")
		return "", err
	}

	res, err := c.postTester(ctx, Tester{Email: email}, false)
	if err != nil {
		c.tel.ReportBroken(
			report_client_remove_tester,
			fmt.Errorf("fetch: %w", err),
		)
		span.SetStatus(codes.Error, "failed to post tester")
		return "", fmt.Errorf("itc scraper: remove tester: %w", err)
	}
	if classifyTesterMutation(res.StatusCode()) == outcomeRejected {
		err := RemoveTesterError{Email: email, Reason: "server error"}
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	parsed, users, err := decodeTesterList(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_remove_tester, err, res.Status())
		span.SetStatus(codes.Error, "failed to parse response")
		return "", RemoveTesterError{
			Email:  email,
			Reason: fmt.Sprintf("remove tester %s: %s", email, err.Error()),
			Err:    err,
		}
	}

	after := len(users)
	c.tel.ReportDebug(report_client_remove_tester, email, before, after)
	if before-after == 0 {
		err := RemoveTesterError{
			Email:  email,
			Reason: fmt.Sprintf("failed to remove tester %s", email),
		}
		c.tel.ReportWarning(report_client_remove_tester, err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	return parsed.StatusCode, nil
}

func (c *Client) fetchTesters(ctx context.Context, reportId string) ([]json.RawMessage, error) {
	err := c.Login(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.request(ctx, c.Http.R(), resty.MethodGet, c.testersPath())
	if err != nil {
		c.tel.ReportBroken(
			reportId,
			fmt.Errorf("fetch: %w", err),
		)
		return nil, fmt.Errorf("itc scraper: get testers: %w", err)
	}

	_, users, err := decodeTesterList(res.Body())
	if err != nil {
		c.tel.ReportBroken(reportId, err, res.Status())
		return nil, fmt.Errorf("itc scraper: get testers: %w", err)
	}
	return users, nil
}

// TesterCount returns how many external testers the app currently has.
func (c *Client) TesterCount(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "client:TesterCount")
	defer span.End()

	users, err := c.fetchTesters(ctx, report_client_tester_count)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	count := len(users)
	c.tel.ReportCount(report_client_tester_count, int64(count))
	return count, nil
}

// Testers returns the app's current external testers.
func (c *Client) Testers(ctx context.Context) ([]TesterRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Testers")
	defer span.End()

	users, err := c.fetchTesters(ctx, report_client_testers)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	records := make([]TesterRecord, 0, len(users))
	for _, raw := range users {
		var entry testerEntry
		err := json.Unmarshal(raw, &entry)
		if err != nil {
			c.tel.ReportWarning(
				report_client_testers,
				fmt.Errorf("unmarshal tester: %w", err),
				string(raw),
			)
			continue
		}
		records = append(records, entry.record())
	}
	return records, nil
}
