package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksgate/internal/auth"
	"github.com/die-net/socksgate/internal/config"
	"github.com/die-net/socksgate/internal/dialer"
	"github.com/die-net/socksgate/internal/events"
	"github.com/die-net/socksgate/internal/forward"
	"github.com/die-net/socksgate/internal/policy"
	"github.com/die-net/socksgate/internal/proxy"
	"github.com/die-net/socksgate/internal/resolver"
	"github.com/die-net/socksgate/internal/socks5"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "YAML configuration file. Flags override its values.")

		hostname    = pflag.String("hostname", config.DefaultHostname, "Listen host")
		port        = pflag.Int("port", config.DefaultPort, "Listen port")
		allow       = pflag.StringSlice("allow", nil, "Only allow these destination IPs")
		deny        = pflag.StringSlice("deny", nil, "Deny these destination IPs")
		requireAuth = pflag.Bool("require-auth", false, "Require SOCKS5 username/password authentication")
		users       = pflag.StringArray("user", nil, "Accepted credential as name:password, repeatable. Passwords may be bcrypt hashes.")
		legacyAuth  = pflag.Bool("legacy-auth-advance", false, "Let a SOCKS5 client continue after failing authentication")

		forwardTo   = pflag.String("forward-to", "", "Forward mode destination host:port (default 127.0.0.1:8080)")
		mode        = pflag.String("mode", "raw-raw", "Forward mode transports: raw-raw | raw-tls | tls-raw | tls-tls")
		tlsCert     = pflag.String("tls-cert", "", "PEM certificate for a tls listener")
		tlsKey      = pflag.String("tls-key", "", "PEM key for a tls listener")
		tlsInsecure = pflag.Bool("tls-insecure", true, "Skip certificate verification on a tls destination")

		upstream  = pflag.String("upstream", defaultUpstream(), "Upstream target URL: direct:// | socks5://[user:pass@]host:port")
		dnsServer = pflag.String("dns-server", "", "Resolve SOCKS5 domain names against this DNS server instead of the system resolver")

		debugListen   = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout   = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		tcpKeepAlive  = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		reusePort     = pflag.Bool("reuse-port", false, "Set SO_REUSEPORT on the listener")
		statsInterval = pflag.Duration("stats-interval", 25*time.Second, "Interval between traffic statistics log lines. 0 disables.")
		logFormat     = pflag.String("log-format", "console", "Log format: console | json")
		logDir        = pflag.String("log", "", "Also write hourly JSON log files into this directory")
		verbose       = pflag.Bool("verbose", false, "Enable debug logging")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [socks5|forward]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if _, err := configureLogging(*logFormat, *verbose, ""); err != nil {
		return err
	}

	kind := "socks5"
	switch pflag.NArg() {
	case 0:
	case 1:
		kind = pflag.Arg(0)
	default:
		return errors.New("expected at most one server kind")
	}
	if kind != "socks5" && kind != "forward" {
		return fmt.Errorf("unknown server kind %q (want socks5 or forward)", kind)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	changed := pflag.CommandLine.Changed
	if changed("hostname") {
		cfg.Hostname = *hostname
	}
	if changed("port") {
		cfg.Port = *port
	}
	if changed("allow") {
		cfg.Allow = *allow
	}
	if changed("deny") {
		cfg.Deny = *deny
	}
	if changed("require-auth") {
		cfg.RequiresAuth = *requireAuth
	}
	for _, u := range *users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok {
			return fmt.Errorf("invalid --user %q: want name:password", u)
		}
		cfg.UserPasswordPairs = append(cfg.UserPasswordPairs, []string{name, pass})
	}
	if changed("forward-to") {
		host, p, err := net.SplitHostPort(*forwardTo)
		if err != nil {
			return fmt.Errorf("invalid --forward-to: %w", err)
		}
		if cfg.ForwardToPort, err = strconv.Atoi(p); err != nil {
			return fmt.Errorf("invalid --forward-to port: %w", err)
		}
		cfg.ForwardToHostname = host
	}
	if changed("mode") {
		cfg.Mode = *mode
	}
	if changed("upstream") || *configPath == "" {
		cfg.Upstream = *upstream
	}
	if changed("dns-server") {
		cfg.DNSServer = *dnsServer
	}
	if changed("tls-cert") {
		cfg.TLSCert = *tlsCert
	}
	if changed("tls-key") {
		cfg.TLSKey = *tlsKey
	}
	if changed("log") {
		cfg.Log = *logDir
	}

	if cfg.Log != "" {
		closeLog, err := configureLogging(*logFormat, *verbose, cfg.Log)
		if err != nil {
			return err
		}
		defer closeLog()
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.RequiresAuth && len(cfg.UserPasswordPairs) == 0 {
		log.Warn().Msg("authentication required but no users configured; every login will be refused")
	}
	fwdMode, err := cfg.ForwardMode()
	if err != nil {
		return err
	}

	ka, err := config.ParseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	dialCfg := dialer.Config{
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
	}
	d, err := dialer.New(dialCfg, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	counters, err := events.NewCounters(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	eventCounter, err := events.NewEventCounter(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	pcfg := proxy.Config{
		Dialer: d,
		Events: events.Multi{events.NewLogSink(log.Logger), eventCounter},
		Stats:  counters,
	}

	lcfg := proxy.ListenConfig{
		Address:   cfg.ListenAddress(),
		KeepAlive: ka,
		ReusePort: *reusePort,
		Transport: fwdMode.Listener,
	}
	if cfg.TLSCert != "" {
		if lcfg.TLS, err = proxy.LoadServerTLS(cfg.TLSCert, cfg.TLSKey); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info().Str("address", *debugListen).Msg("debug listening")
	}

	var srv *proxy.Server
	switch kind {
	case "socks5":
		res := resolver.NewSystem()
		if cfg.DNSServer != "" {
			if res, err = resolver.NewDNS(cfg.DNSServer, *dialTimeout); err != nil {
				return fmt.Errorf("invalid dns server: %w", err)
			}
		}
		srv = socks5.NewServer(ctx, pcfg, socks5.Config{
			Auth:              auth.NewTable(cfg.RequiresAuth, cfg.Credentials()),
			Filter:            policy.New(cfg.Allow, cfg.Deny),
			Resolver:          res,
			ResolveTimeout:    *dialTimeout,
			LegacyAuthAdvance: *legacyAuth,
		})
	case "forward":
		srv = forward.NewServer(ctx, pcfg, forward.Config{
			Host:           cfg.ForwardToHostname,
			Port:           uint16(cfg.ForwardToPort),
			Mode:           fwdMode,
			DestinationTLS: dialer.ClientTLS(*tlsInsecure),
		})
	}

	ln, err := proxy.Listen(ctx, lcfg)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("%s serve: %w", kind, err)
		}
		return nil
	})
	g.Go(func() error {
		counters.Report(ctx, log.Logger, *statsInterval)
		return nil
	})

	log.Info().
		Str("kind", kind).
		Str("address", ln.Addr().String()).
		Str("upstream", cfg.Upstream).
		Msg("listening")

	err = g.Wait()

	sent, received := counters.Totals()
	log.Info().
		Uint64("total_bytes_sent", sent).
		Uint64("total_bytes_received", received).
		Msg("shutting down")
	return err
}

// configureLogging points the global logger at stderr in format, teeing JSON
// into hourly files under dir when dir is set. The returned func closes the
// current file.
func configureLogging(format string, verbose bool, dir string) (func(), error) {
	var out io.Writer
	switch format {
	case "console":
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	case "json":
		out = os.Stderr
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}

	closeLog := func() {}
	if dir != "" {
		f, err := events.NewRotatingFile(dir)
		if err != nil {
			return nil, err
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeLog = func() { _ = f.Close() }
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return closeLog, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return config.DefaultUpstream
}
