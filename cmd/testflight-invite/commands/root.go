package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testflight-invite/internal/components/telemetry"
	"testflight-invite/internal/scrapers/itc"

	"github.com/spf13/cobra"
)

const (
	exitUsage     = 1
	exitDuplicate = 2
	exitFailure   = 3
)

// failure marks errors that happened after the arguments were accepted.
type failure struct {
	code int
	err  error
}

func (f failure) Error() string {
	return f.err.Error()
}

func (f failure) Unwrap() error {
	return f.err
}

func fail(err error) error {
	if errors.Is(err, itc.ErrDuplicateInvite) {
		return failure{code: exitDuplicate, err: err}
	}
	return failure{code: exitFailure, err: err}
}

func newRootCmd() (*cobra.Command, func()) {
	var (
		verbose    bool
		configPath string
		dumpDir    string
		baseUrl    string
	)
	var otel telemetry.Telemetry

	rootCmd := &cobra.Command{
		Use:   "testflight-invite <login> <password> <app_id> <invitee_email> [first_name] [last_name]",
		Short: "testflight-invite invites external TestFlight testers through iTunes Connect.",
		Long: "testflight-invite signs in to iTunes Connect with the given account and invites\n" +
			"the invitee as an external tester of the app, printing the portal's status code.",
		Args:          cobra.RangeArgs(4, 6),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			telemetry.InitSlog(cmd.ErrOrStderr(), verbose)

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			tel, err := telemetry.SetupFromEnv(cmd.Context(), "testflight-invite")
			switch {
			case os.IsNotExist(err):
				slog.Debug("telemetry.json5 not found, otel export disabled")
			case err != nil:
				slog.Warn("failed to set up otel export", "err", err)
				otel = tel
			default:
				otel = tel
			}

			g := &globals{
				Config:  cfg,
				Tel:     telemetry.SlogAPI{},
				BaseUrl: baseUrl,
			}
			if dumpDir != "" {
				out, err := telemetry.NewFilesystemOutput(dumpDir)
				if err != nil {
					return fmt.Errorf("create dump directory: %w", err)
				}
				g.Output = out
			}
			cmd.SetContext(setGlobals(cmd.Context(), g))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			client, err := newSession(ctx, args[0], args[1], args[2])
			if err != nil {
				return fail(err)
			}

			tester := itc.Tester{Email: args[3]}
			if len(args) > 4 {
				tester.FirstName = args[4]
			}
			if len(args) > 5 {
				tester.LastName = args[5]
			}

			status, err := client.AddTester(ctx, tester)
			if errors.Is(err, itc.ErrDuplicateInvite) {
				return fail(fmt.Errorf("%s is already a tester for app %s: %w", tester.Email, args[2], err))
			}
			if err != nil {
				return fail(fmt.Errorf("invite failed: %w", err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	// passwords may start with a dash
	rootCmd.Flags().SetInterspersed(false)

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
	flags.StringVar(&configPath, "config", "", "Config file to use instead of searching for testflight.json5.")
	flags.StringVar(&dumpDir, "dump", "", "Directory to write every HTTP request/response to.")
	flags.StringVar(&baseUrl, "base-url", "", "Override the portal base url.")
	_ = flags.MarkHidden("base-url")

	rootCmd.AddCommand(newRemoveCmd(), newCountCmd(), newListCmd())

	shutdown := func() {
		err := otel.Shutdown(context.Background())
		if err != nil {
			slog.Warn("failed to shutdown otel export", "err", err)
		}
	}
	return rootCmd, shutdown
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd, shutdown := newRootCmd()
	defer shutdown()

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, err)

	var f failure
	if errors.As(err, &f) {
		return f.code
	}
	return exitUsage
}

// ExecuteContext runs the CLI and returns the process exit code.
func ExecuteContext(ctx context.Context, args []string) int {
	return execute(ctx, args, os.Stdout, os.Stderr)
}
