// Command retunnel is the CLI front-end for the retunnel tunnel client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bc183/retunnel/internal/client"
	"github.com/bc183/retunnel/internal/registrar"
	"github.com/bc183/retunnel/internal/tokenstore"
	"github.com/bc183/retunnel/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// Exit codes, per spec §6.
const (
	exitOK           = 0
	exitGenericError = 1
	exitUsageError   = 2
	exitUnavailable  = 69
	exitInterrupt    = 130
)

var (
	configPath  string
	serverAddr  string
	subdomain   string
	remotePort  int
	hostname    string
	httpAuth    string
	token       string
	insecure    bool
	debug       bool
	quiet       bool
	noReconnect bool
	maxRetries  int
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := &cobra.Command{
		Use:           "retunnel",
		Short:         "Expose local services to the internet",
		Long:          "retunnel is a reverse tunnel client: it exposes a local TCP service behind NAT as a public HTTP/HTTPS URL or remote TCP port.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(httpCommand(), tcpCommand(), authtokenCommand(), configCommand(), versionCommand())

	if err := rootCmd.Execute(); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUsageError
		}
		var unavailableErr unavailableError
		if errors.As(err, &unavailableErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUnavailable
		}
		if errors.Is(err, errInterrupted) {
			return exitInterrupt
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitGenericError
	}
	return exitOK
}

type usageError struct{ error }

// unavailableError marks a failure to reach the tunnel server at all,
// as opposed to a rejection once connected (invalid config, auth failure).
type unavailableError struct{ error }

// errInterrupted marks a clean shutdown triggered by SIGINT/SIGTERM.
var errInterrupted = errors.New("interrupted")

func httpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http <port>|<host:port>",
		Short: "Expose a local HTTP service",
		Long: `Expose a local HTTP service to the internet.

Examples:
  retunnel http 3000             # expose localhost:3000
  retunnel http 8080 -s myapp    # expose localhost:8080 on subdomain "myapp"
  retunnel http 192.168.1.10:3000  # only the port is used: forwards to 127.0.0.1:3000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel(cmd, args[0], "http")
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "custom subdomain (random if not specified)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "custom hostname")
	cmd.Flags().StringVar(&httpAuth, "auth", "", "HTTP basic auth, user:pass")
	return cmd
}

func tcpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp <port>",
		Short: "Expose a local TCP service on a remote port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel(cmd, args[0], "tcp")
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().IntVar(&remotePort, "remote-port", 0, "requested remote port (0 = server picks)")
	return cmd
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.retunnel.yaml)")
	cmd.Flags().StringVarP(&serverAddr, "server", "S", "tunnel.retunnel.net:4443", "tunnel server control address")
	cmd.Flags().StringVarP(&token, "token", "t", "", "auth token")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress status output")
	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "disable automatic reconnection")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "maximum reconnection attempts (0 = unlimited)")
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("retunnel " + version.Full())
		},
	}
}

func authtokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authtoken [<token>]",
		Short: "Show or set the persisted auth token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := tokenstore.New()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				tok, err := store.Get()
				if errors.Is(err, tokenstore.ErrNoToken) {
					fmt.Fprintln(os.Stderr, "no auth token saved")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			}
			if err := store.Set(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "auth token saved")
			return nil
		},
	}
}

func configCommand() *cobra.Command {
	var showFlag, pathFlag bool
	cmd := &cobra.Command{
		Use:   "config [--show|--path]",
		Short: "Inspect the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pathFlag {
				fmt.Println(defaultConfigPath())
				return nil
			}
			if showFlag {
				store, err := tokenstore.New()
				if err != nil {
					return err
				}
				doc, err := store.Document()
				if err != nil {
					return err
				}
				redacted := "(none)"
				if doc.AuthToken != "" {
					redacted = redactToken(doc.AuthToken)
				}
				fmt.Printf("config path:  %s\n", defaultConfigPath())
				fmt.Printf("server_url:   %s\n", doc.ServerURL)
				fmt.Printf("api_url:      %s\n", doc.APIURL)
				fmt.Printf("auth_token:   %s\n", redacted)
				return nil
			}
			return cmd.Usage()
		},
	}
	cmd.Flags().BoolVar(&showFlag, "show", false, "print the resolved config and token store contents")
	cmd.Flags().BoolVar(&pathFlag, "path", false, "print the resolved config file path")
	return cmd
}

func redactToken(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

func runTunnel(cmd *cobra.Command, localArg, protocol string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	applyConfigAndEnv(cmd, cfg)

	if quiet {
		log.SetLevel(log.ErrorLevel)
	} else if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	localAddr := localArg
	if !strings.Contains(localAddr, ":") {
		localAddr = "localhost:" + localAddr
	}
	localPort, err := parseLocalPort(localAddr)
	if err != nil {
		return usageError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := tokenstore.New()
	if err != nil {
		return err
	}
	apiURL := "https://retunnel.net"
	if doc, err := store.Document(); err == nil && doc.APIURL != "" {
		apiURL = doc.APIURL
	}
	reg := registrar.New(apiURL, insecure)

	proxyAddr := strings.Replace(serverAddr, ":4443", ":4444", 1)

	c := client.New(serverAddr, proxyAddr, store, reg).
		WithInsecureSkipVerify(insecure).
		WithReconnect(!noReconnect).
		WithBackoff(backoffFromMaxRetries(maxRetries))
	if token != "" {
		c = c.WithToken(token)
	}

	if err := c.Connect(ctx); err != nil {
		var connErr *client.ConnectionError
		if errors.As(err, &connErr) {
			return unavailableError{err}
		}
		return err
	}

	tunnel, err := c.RequestTunnel(ctx, client.TunnelConfig{
		Protocol:   protocol,
		LocalPort:  localPort,
		Subdomain:  subdomain,
		Hostname:   hostname,
		HTTPAuth:   httpAuth,
		RemotePort: remotePort,
	})
	if err != nil {
		c.Close()
		return err
	}

	fmt.Println(tunnel.URL)

	<-ctx.Done()
	log.Info("shutting down")
	c.Close()
	return errInterrupted
}

func parseLocalPort(addr string) (int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("invalid address %q", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}

func backoffFromMaxRetries(maxRetries int) client.BackoffConfig {
	cfg := client.DefaultReconnectBackoffConfig()
	cfg.MaxRetries = maxRetries
	return cfg
}

// applyConfigAndEnv layers config-file and environment values underneath
// whatever the user passed on the command line, in that priority order:
// CLI flag > environment variable > config file > built-in default.
func applyConfigAndEnv(cmd *cobra.Command, cfg *Config) {
	if cfg != nil {
		if cfg.Server != "" && !cmd.Flags().Changed("server") {
			serverAddr = cfg.Server
		}
		if cfg.Token != "" && !cmd.Flags().Changed("token") {
			token = cfg.Token
		}
		if cfg.Subdomain != "" && !cmd.Flags().Changed("subdomain") {
			subdomain = cfg.Subdomain
		}
		if cfg.Debug != nil && !cmd.Flags().Changed("debug") {
			debug = *cfg.Debug
		}
		if cfg.Reconnect != nil && !cmd.Flags().Changed("no-reconnect") {
			noReconnect = !*cfg.Reconnect
		}
		if cfg.MaxRetries != nil && !cmd.Flags().Changed("max-retries") {
			maxRetries = *cfg.MaxRetries
		}
		if cfg.Insecure != nil && !cmd.Flags().Changed("insecure") {
			insecure = *cfg.Insecure
		}
	}

	if v := os.Getenv("RETUNNEL_SERVER_ENDPOINT"); v != "" && !cmd.Flags().Changed("server") {
		serverAddr = v
	}
	if v := os.Getenv("RETUNNEL_AUTH_TOKEN"); v != "" && !cmd.Flags().Changed("token") {
		token = v
	}
	if v := os.Getenv("RETUNNEL_INSECURE"); v != "" && !cmd.Flags().Changed("insecure") {
		insecure = v == "1" || v == "true"
	}
	if v := os.Getenv("RETUNNEL_QUIET"); v != "" && !cmd.Flags().Changed("quiet") {
		quiet = v == "1" || v == "true"
	}
	if v := os.Getenv("RETUNNEL_LOG_LEVEL"); v != "" && !cmd.Flags().Changed("debug") {
		applyLogLevel(v)
	}
}

func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		debug = true
	case "error", "warn", "warning":
		debug = false
	}
}
