package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"pairdesk/internal/agent"
	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/reconnect"
	"pairdesk/internal/relay"
	"pairdesk/internal/session"
	"pairdesk/internal/utils"
)

type options struct {
	server     string
	insecure   bool
	display    int
	perms      session.Permissions
	out        string
	noTUI      bool
	debug      bool
	retries    int
	retryDelay time.Duration
}

func usage() {
	fmt.Println()
	fmt.Printf("  %s%s%s-agent%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Println()
	fmt.Printf("  %sUsage:%s\n", constants.ColorBold, constants.ColorReset)
	fmt.Printf("    %s-agent %shost%s              # share this screen\n", constants.AppName, constants.ColorCyan, constants.ColorReset)
	fmt.Printf("    %s-agent %sjoin <code>%s       # e.g. %s-agent join 123456\n", constants.AppName, constants.ColorCyan, constants.ColorReset, constants.AppName)
	fmt.Println()
	fmt.Printf("  %sFlags:%s\n", constants.ColorBold, constants.ColorReset)
	fmt.Print(pflag.CommandLine.FlagUsages())
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var opts options
	pflag.StringVarP(&opts.server, "server", "s", envOr("PAIRDESK_SERVER", constants.DefaultServerURL), "pairdesk server URL")
	pflag.BoolVarP(&opts.insecure, "insecure", "k", false, "skip TLS certificate verification")
	pflag.IntVarP(&opts.display, "display", "d", 0, "host: display index to share")
	pflag.BoolVar(&opts.perms.MouseControl, "mouse", false, "host: allow mouse control")
	pflag.BoolVar(&opts.perms.KeyboardControl, "keyboard", false, "host: allow keyboard control")
	pflag.BoolVar(&opts.perms.Recording, "recording", false, "host: allow recording")
	pflag.StringVarP(&opts.out, "out", "o", "", "join: keep the latest frame in this JPEG file")
	pflag.BoolVar(&opts.noTUI, "no-tui", false, "log to the terminal instead of the live dashboard")
	pflag.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	pflag.IntVar(&opts.retries, "retries", constants.DefaultMaxRetries, "relay reconnect attempts")
	pflag.DurationVar(&opts.retryDelay, "retry-delay", constants.DefaultRetryDelay, "delay between reconnect attempts")
	versionFlag := pflag.BoolP("version", "v", false, "show version")
	pflag.Usage = usage
	pflag.Parse()

	if *versionFlag {
		fmt.Printf("  %s%s%s-agent%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
		return
	}

	args := pflag.Args()
	if len(args) == 0 || (args[0] == "join" && len(args) < 2) {
		fmt.Println(constants.MsgUsage)
		os.Exit(1)
	}

	server, skip := utils.NormalizeServerURL(opts.server)
	opts.server = server
	opts.insecure = opts.insecure || skip
	opts.perms.ScreenShare = true

	logDir := ""
	if !opts.noTUI {
		logDir = "auto"
	}
	log, err := logger.New(logger.Options{Debug: opts.debug, Dir: logDir, Tag: "agent", Quiet: !opts.noTUI})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", constants.ColorRed, constants.ColorReset, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	switch args[0] {
	case "host":
		err = runHost(ctx, opts, log)
	case "join":
		err = runJoin(ctx, opts, args[1], log)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	stop()

	if logPath := log.GetLogPath(); logPath != "" {
		agent.PrintHint("logs: " + logPath)
	}
	_ = log.Close()

	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSessionEnded):
		fmt.Printf("  %s● session ended%s\n", constants.ColorYellow, constants.ColorReset)
	default:
		fmt.Fprintf(os.Stderr, "  %sError:%s %v\n", constants.ColorRed, constants.ColorReset, err)
		os.Exit(1)
	}
}

func retryOptions(opts options) []reconnect.Option {
	return []reconnect.Option{
		reconnect.WithMaxRetries(opts.retries),
		reconnect.WithDelay(opts.retryDelay),
	}
}

func runHost(ctx context.Context, opts options, log *logger.Logger) error {
	host, err := agent.NewHost(agent.HostOptions{
		ServerURL:     opts.server,
		SkipTLSVerify: opts.insecure,
		Permissions:   opts.perms,
		Display:       opts.display,
		Retry:         retryOptions(opts),
		Log:           log,
	})
	if err != nil {
		return err
	}

	info, err := host.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := host.End(endCtx); err != nil {
			log.Debug().Err(err).Msg("end session")
		}
	}()

	qr, err := agent.QRLines(info.JoinURL)
	if err != nil {
		log.Debug().Err(err).Msg("qr render failed")
	}
	fields := []agent.Field{
		{Label: "code", Value: info.Code, Color: constants.ColorBold + constants.ColorCyan},
		{Label: "join url", Value: info.JoinURL, Color: constants.ColorYellow},
		{Label: "expires", Value: info.Session.ExpiresAt.Local().Format(constants.TimeFormatShort), Color: constants.ColorReset},
		{Label: "server", Value: opts.server, Color: constants.ColorPurple},
	}

	if opts.noTUI {
		agent.PrintBanner()
		for _, f := range fields {
			agent.PrintField(f.Label, f.Value, f.Color)
		}
		fmt.Println()
		for _, line := range qr {
			fmt.Printf("  %s\n", line)
		}
		agent.PrintHint("Share the code with the person joining. Ctrl+C ends the session.")
		agent.PrintSep()
	}
	return withTUI(ctx, opts, host.Stats(), fields, qr, host.Run)
}

func runJoin(ctx context.Context, opts options, code string, log *logger.Logger) error {
	client := agent.NewClient(agent.JoinOptions{
		ServerURL:     opts.server,
		SkipTLSVerify: opts.insecure,
		Code:          code,
		OutFile:       opts.out,
		Retry:         retryOptions(opts),
		Log:           log,
	})

	joined, err := client.Join(ctx)
	if err != nil {
		return err
	}

	perms := joined.Session.Permissions
	fields := []agent.Field{
		{Label: "code", Value: code, Color: constants.ColorBold + constants.ColorCyan},
		{Label: "client id", Value: joined.ClientID, Color: constants.ColorReset},
		{Label: "server", Value: opts.server, Color: constants.ColorPurple},
		{Label: "mouse", Value: fmt.Sprint(perms.MouseControl), Color: constants.ColorReset},
		{Label: "keyboard", Value: fmt.Sprint(perms.KeyboardControl), Color: constants.ColorReset},
	}
	if opts.out != "" {
		fields = append(fields, agent.Field{Label: "frames", Value: opts.out, Color: constants.ColorGreen})
	}
	if opts.noTUI {
		agent.PrintBanner()
		for _, f := range fields {
			agent.PrintField(f.Label, f.Value, f.Color)
		}
		agent.PrintSep()
	}
	return withTUI(ctx, opts, client.Stats(), fields, nil, client.Run)
}

// withTUI runs fn with the live dashboard drawn alongside it.
func withTUI(ctx context.Context, opts options, stats *agent.Stats, fields []agent.Field, extra []string, fn func(context.Context) error) error {
	if opts.noTUI {
		return fn(ctx)
	}

	tuiCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agent.StartTUI(tuiCtx, stats, fields, extra)
	}()

	err := fn(ctx)
	cancel()
	wg.Wait()
	return err
}
