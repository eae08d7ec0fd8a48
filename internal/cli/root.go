// Package cli implements gatewayctl, the operator tool for the realtime gateway.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	"github.com/zfogg/sidechain/realtime/internal/telemetry"
)

const userAgent = "gatewayctl/0.1.0"

type app struct {
	v   *viper.Viper
	log *log.Logger
}

// NewRootCommand builds the gatewayctl command tree. Settings come from
// flags, then GATEWAYCTL_* environment variables, then an optional config file.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operate the Sidechain realtime gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.log = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{Prefix: "gatewayctl"})
			if err := a.loadConfig(); err != nil {
				return err
			}
			if a.v.GetBool("verbose") {
				a.log.SetLevel(log.DebugLevel)
			} else {
				a.log.SetLevel(log.WarnLevel)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a config file (yaml, toml or json)")
	flags.String("url", "http://localhost:8788", "Gateway base URL")
	flags.String("secret", "", "JWT signing secret, for minting tokens")
	flags.String("token", "", "Bearer token; minted from --secret when empty")
	flags.String("user", "gatewayctl", "User ID to act as")
	flags.String("internal-key", "", "Key for the internal publish API")
	flags.Duration("timeout", 10*time.Second, "HTTP timeout")
	flags.BoolP("verbose", "v", false, "Log requests and connection events to stderr")

	for _, name := range []string{"config", "url", "secret", "token", "user", "internal-key", "timeout", "verbose"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix("GATEWAYCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.tokenCommand(),
		a.onlineCommand(),
		a.publishCommand(),
		a.listenCommand(),
	)
	return root
}

// Execute runs gatewayctl with ctx
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) loadConfig() error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	a.log.Debug("loaded config", "path", path)
	return nil
}

func (a *app) baseURL() string {
	return strings.TrimRight(a.v.GetString("url"), "/")
}

// bearer returns --token, or mints one for --user with --secret
func (a *app) bearer() (string, error) {
	if token := a.v.GetString("token"); token != "" {
		return token, nil
	}
	secret := a.v.GetString("secret")
	if secret == "" {
		return "", fmt.Errorf("either --token or --secret is required")
	}
	user := a.v.GetString("user")
	token, _, err := auth.NewIssuer([]byte(secret), time.Hour).Issue(user, user)
	return token, err
}

func (a *app) http() *resty.Client {
	return resty.NewWithClient(telemetry.NewHTTPClient(a.v.GetDuration("timeout"))).
		SetBaseURL(a.baseURL()).
		SetHeader("User-Agent", userAgent).
		OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			a.log.Debug("request",
				"method", resp.Request.Method,
				"url", resp.Request.URL,
				"status", resp.StatusCode(),
				"took", resp.Time())
			return nil
		})
}

// apiError turns a non-2xx response into an error carrying the body
func apiError(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return fmt.Errorf("%s: %s", resp.Status(), strings.TrimSpace(resp.String()))
}
