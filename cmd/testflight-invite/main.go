package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testflight-invite/cmd/testflight-invite/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := commands.ExecuteContext(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
