package main

import (
	"context"
	"errors"
	"os"

	"github.com/diabetactic/diabetactic-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	cfgMode     string
	cfgPlatform string
	cfgProfile  string
	cfgDBPath   string
	cfgUsername string
	cfgPassword string
	cfgOffline  bool
	cfgDebug    bool
	outputJSON  bool
)

// mockBackend is shared by every client opened in this process so that
// consecutive commands see the same in-process gateway state.
var mockBackend *diabetactic.MockBackend

var rootCmd = &cobra.Command{
	Use:   "diabetactic",
	Short: "Diabetactic - API gateway client with offline sync",
	Long: `Diabetactic talks to the Diabetactic API gateway on behalf of a patient.

Glucose readings and appointments are cached locally. Writes made while
offline are queued and replayed in order once the gateway is reachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	pf.StringVar(&cfgMode, "mode", "", "Backend mode: mock, local, cloud (env: DIABETACTIC_MODE)")
	pf.StringVar(&cfgPlatform, "platform", "", "Platform: web, android, ios (env: DIABETACTIC_PLATFORM)")
	pf.StringVar(&cfgProfile, "profile", "", "Local profile name (env: DIABETACTIC_PROFILE)")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to the local database (env: DIABETACTIC_DB_PATH)")
	pf.StringVar(&cfgUsername, "username", "", "Account DNI (env: DIABETACTIC_USERNAME)")
	pf.StringVar(&cfgPassword, "password", "", "Account password (env: DIABETACTIC_PASSWORD)")
	pf.BoolVar(&cfgOffline, "offline", false, "Start with the gateway marked unreachable; writes are queued")
	pf.BoolVar(&cfgDebug, "debug", false, "Log gateway traffic to stderr")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (diabetactic.Config, error) {
	cfg, err := diabetactic.LoadConfig(cfgFile)
	if err != nil {
		return diabetactic.Config{}, err
	}

	if cfg.UserAgent == diabetactic.DefaultUserAgent {
		cfg.UserAgent = newVersionInfo().UserAgent
	}
	if cfgMode != "" {
		cfg.Mode = cfgMode
	}
	if cfgPlatform != "" {
		cfg.Platform = cfgPlatform
	}
	if cfgProfile != "" {
		cfg.Profile = cfgProfile
		if cfgDBPath == "" && os.Getenv("DIABETACTIC_DB_PATH") == "" {
			cfg.LocalPath = ""
		}
	}
	if cfgDBPath != "" {
		cfg.LocalPath = cfgDBPath
	}
	if cfgOffline {
		cfg.StartOffline = true
	}
	if cfgDebug {
		cfg.Debug = true
	}
	return cfg.WithDefaults(), nil
}

// credentials returns the login pair from flags, falling back to env.
func credentials() (string, string) {
	user, pass := cfgUsername, cfgPassword
	if user == "" {
		user = os.Getenv("DIABETACTIC_USERNAME")
	}
	if pass == "" {
		pass = os.Getenv("DIABETACTIC_PASSWORD")
	}
	return user, pass
}

// openClient builds a client from the resolved configuration.
func openClient() (*diabetactic.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var opts []diabetactic.Option
	if !cfg.Debug {
		log := logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.WarnLevel)
		opts = append(opts, diabetactic.WithLogger(log))
	}
	if mockBackend == nil {
		mockBackend = diabetactic.NewMockBackend(diabetactic.MockOptions{})
	}
	opts = append(opts, diabetactic.WithMockBackend(mockBackend))

	return diabetactic.New(cfg, opts...)
}

// openSession opens a client and logs in. When offline no login is
// attempted; commands then work against the cache of the bound user.
// The in-process mock is always reachable.
func openSession(ctx context.Context) (*diabetactic.Client, error) {
	c, err := openClient()
	if err != nil {
		return nil, err
	}
	if !c.Online() && !c.Backend().IsMock() {
		return c, nil
	}

	user, pass := credentials()
	if user == "" || pass == "" {
		c.Close()
		return nil, errors.New("credentials required: set --username and --password or DIABETACTIC_USERNAME and DIABETACTIC_PASSWORD")
	}
	if _, err := c.Login(ctx, user, pass); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// withClient runs fn with a client that is closed afterwards.
func withClient(cmd *cobra.Command, login bool, fn func(context.Context, *diabetactic.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		c   *diabetactic.Client
		err error
	)
	if login {
		c, err = openSession(ctx)
	} else {
		c, err = openClient()
	}
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
