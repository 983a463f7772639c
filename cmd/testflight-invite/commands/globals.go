package commands

import (
	"context"
	"log/slog"
	"testflight-invite/internal/components/telemetry"
	"testflight-invite/internal/scrapers/itc"
	"time"
)

type globalsKeyType int

var globalsKey globalsKeyType

// globals is what the root command sets up before any subcommand runs.
type globals struct {
	Config  Config
	Tel     telemetry.API
	Output  telemetry.MessageOutput
	BaseUrl string
}

func setGlobals(ctx context.Context, value *globals) context.Context {
	return context.WithValue(ctx, globalsKey, value)
}

func getGlobals(ctx context.Context) *globals {
	value, ok := ctx.Value(globalsKey).(*globals)
	if !ok {
		return &globals{Config: defaultConfig, Tel: telemetry.SlogAPI{}}
	}
	return value
}

// newSession creates the portal session for one command invocation.
func newSession(ctx context.Context, login, password, appId string) (*itc.Client, error) {
	g := getGlobals(ctx)

	finder, err := g.Config.actionFinder()
	if err != nil {
		return nil, err
	}
	baseUrl := g.Config.BaseUrl
	if g.BaseUrl != "" {
		baseUrl = g.BaseUrl
	}
	slog.DebugContext(ctx, "creating session", "base_url", baseUrl, "app_id", appId)

	return itc.NewClient(itc.ClientOptions{
		Login:             login,
		Password:          password,
		AppId:             appId,
		BaseUrl:           baseUrl,
		Timeout:           time.Duration(g.Config.TimeoutSeconds) * time.Second,
		UserAgent:         g.Config.UserAgent,
		RequestsPerSecond: g.Config.RequestsPerSecond,
		CloudflareBypass:  g.Config.CloudflareBypass,
		Proxy:             g.Config.Proxy,
		ActionFinder:      finder,
		Telemetry:         g.Tel,
		MessageOutput:     g.Output,
	})
}
