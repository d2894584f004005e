package commands

import (
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/sirocco/internal/bytesize"
	"github.com/marmos91/sirocco/internal/logger"
	"github.com/marmos91/sirocco/pkg/config"
	"github.com/marmos91/sirocco/pkg/server"
	"github.com/marmos91/sirocco/pkg/socks5"
	"github.com/marmos91/sirocco/pkg/users"
)

// writeSample is indirected so the init command stays in root.go.
var writeSample = config.WriteSample

type startFlags struct {
	listen      []string
	management  []string
	usersFile   string
	userSpecs   []string
	authEnable  []string
	authDisable []string
	bufferSize  string
	logFile     string
	eventLog    string
	metricsAddr string
	verbose     bool
	silent      bool
}

func newStartCommand() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, &flags)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&flags.listen, "listen", "l", nil, "add a SOCKS5 listen address (repeatable)")
	f.StringArrayVarP(&flags.management, "management", "m", nil, "add a management listen address (repeatable)")
	f.StringVarP(&flags.usersFile, "users-file", "U", "", "users file path")
	f.StringArrayVarP(&flags.userSpecs, "user", "u", nil, "add an inline user, e.g. @admin:secret or carlos:pass (repeatable)")
	f.StringArrayVarP(&flags.authEnable, "auth-enable", "A", nil, "enable an auth method: noauth or userpass (repeatable)")
	f.StringArrayVarP(&flags.authDisable, "auth-disable", "a", nil, "disable an auth method: noauth or userpass (repeatable)")
	f.StringVarP(&flags.bufferSize, "buffer-size", "b", "", "splice buffer size, e.g. 8192, 0x2000 or 8K")
	f.StringVarP(&flags.logFile, "log-file", "o", "", "write logs to a file instead of stdout")
	f.StringVarP(&flags.eventLog, "event-log", "O", "", "append binary event log to a file")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	f.BoolVarP(&flags.silent, "silent", "s", false, "log errors only")

	return cmd
}

func runStart(cmd *cobra.Command, flags *startFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := applyFlags(cfg, flags); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	opts, err := buildOptions(cfg, flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting sirocco proxy server")
	return server.New(opts).Run(ctx)
}

// applyFlags folds command-line flags over the loaded configuration;
// flags win.
func applyFlags(cfg *config.Config, flags *startFlags) error {
	if len(flags.listen) > 0 {
		cfg.Socks5.Listen = flags.listen
	}
	if len(flags.management) > 0 {
		cfg.Sandstorm.Listen = flags.management
	}
	if flags.usersFile != "" {
		cfg.Users.File = flags.usersFile
	}
	if flags.bufferSize != "" {
		size, err := bytesize.Parse(flags.bufferSize)
		if err != nil {
			return err
		}
		cfg.Socks5.BufferSize = size
	}
	if flags.eventLog != "" {
		cfg.Events.File = flags.eventLog
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = flags.metricsAddr
	}
	if flags.logFile != "" {
		cfg.Logging.Output = flags.logFile
	}
	if flags.verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if flags.silent {
		cfg.Logging.Level = "ERROR"
	}

	for _, name := range flags.authEnable {
		if err := setAuthMethod(cfg, name, true); err != nil {
			return err
		}
	}
	for _, name := range flags.authDisable {
		if err := setAuthMethod(cfg, name, false); err != nil {
			return err
		}
	}
	return nil
}

func setAuthMethod(cfg *config.Config, name string, enabled bool) error {
	method, err := parseAuthMethod(name)
	if err != nil {
		return err
	}
	switch method {
	case socks5.AuthNoAuth:
		cfg.Socks5.NoAuth = enabled
	case socks5.AuthUsernamePassword:
		cfg.Socks5.Userpass = enabled
	}
	return nil
}

func parseAuthMethod(name string) (socks5.AuthMethod, error) {
	switch name {
	case "noauth", "no-auth":
		return socks5.AuthNoAuth, nil
	case "userpass", "username-password":
		return socks5.AuthUsernamePassword, nil
	default:
		return 0, fmt.Errorf("unknown auth method %q (expected noauth or userpass)", name)
	}
}

func buildOptions(cfg *config.Config, flags *startFlags) (server.Options, error) {
	opts := server.Options{
		UsersFile:       cfg.Users.File,
		NoAuthEnabled:   cfg.Socks5.NoAuth,
		UserpassEnabled: cfg.Socks5.Userpass,
		BufferSize:      cfg.Socks5.BufferSize.Uint32(),
		LogEvents:       cfg.Events.Log,
		EventLogPath:    cfg.Events.File,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsAddr = cfg.Metrics.Address
	}

	var err error
	if opts.Socks5Addrs, err = parseListenAddrs(cfg.Socks5.Listen, config.DefaultSocks5Port); err != nil {
		return opts, err
	}
	if opts.SandstormAddrs, err = parseListenAddrs(cfg.Sandstorm.Listen, config.DefaultSandstormPort); err != nil {
		return opts, err
	}

	for _, spec := range flags.userSpecs {
		name, password, role, err := users.ParseUserSpec(spec)
		if err != nil {
			return opts, fmt.Errorf("invalid user specification %q: %w", spec, err)
		}
		opts.Users = append(opts.Users, server.InlineUser{Name: name, Password: password, Role: role})
	}

	return opts, nil
}

func parseListenAddrs(specs []string, defaultPort uint16) ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(specs))
	for _, spec := range specs {
		addr, err := server.ParseListenAddr(spec, defaultPort)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
