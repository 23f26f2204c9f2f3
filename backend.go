package diabetactic

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects where dispatched operations are routed.
type Mode string

const (
	// ModeMock serves every operation from the in-process adapter.
	ModeMock Mode = "mock"
	// ModeLocal targets a gateway on the developer machine.
	ModeLocal Mode = "local"
	// ModeCloud targets the production gateway.
	ModeCloud Mode = "cloud"
)

// Platform is the runtime the client is embedded in.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

const (
	// GatewayPort is the port the API gateway listens on in local setups.
	GatewayPort = "8004"

	// AndroidEmulatorHost reaches the host loopback from an Android emulator.
	AndroidEmulatorHost = "10.0.2.2"

	// DefaultCloudURL is the production gateway.
	DefaultCloudURL = "https://api.diabetactic.com"

	// DefaultRequestTimeout bounds each network call.
	DefaultRequestTimeout = 30 * time.Second
)

// BackendConfig is the resolved, immutable backend selection. It is built
// once at startup and passed to the Dispatcher.
type BackendConfig struct {
	Mode           Mode
	BaseURL        string
	Platform       Platform
	RequestTimeout time.Duration
}

// IsMock reports whether requests are served in-process.
func (b BackendConfig) IsMock() bool {
	return b.Mode == ModeMock
}

// ResolveOptions tunes ResolveBackend.
type ResolveOptions struct {
	// LocalHost overrides the loopback host for local mode ("localhost" by
	// default, AndroidEmulatorHost on android).
	LocalHost string

	// CloudURL overrides DefaultCloudURL.
	CloudURL string

	// RequestTimeout overrides DefaultRequestTimeout.
	RequestTimeout time.Duration

	// TestHarness permits an unknown mode to fall back to mock with a
	// warning instead of failing.
	TestHarness bool

	Logger logrus.FieldLogger
}

// ResolveBackend turns the environment-supplied mode and platform strings
// into a BackendConfig. "heroku" is accepted as an alias of cloud.
// Returns *ConfigurationError for unrecognized values.
func ResolveBackend(mode, platform string, opts ResolveOptions) (BackendConfig, error) {
	p, err := parsePlatform(platform)
	if err != nil {
		return BackendConfig{}, err
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	cfg := BackendConfig{Platform: p, RequestTimeout: timeout}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "":
		if !opts.TestHarness {
			logger.Warn("no backend mode configured, using mock")
		}
		cfg.Mode = ModeMock
	case string(ModeMock):
		cfg.Mode = ModeMock
	case string(ModeLocal):
		cfg.Mode = ModeLocal
		cfg.BaseURL = "http://" + localHost(p, opts.LocalHost) + ":" + GatewayPort
	case string(ModeCloud), "heroku":
		cfg.Mode = ModeCloud
		cfg.BaseURL = DefaultCloudURL
		if opts.CloudURL != "" {
			cfg.BaseURL = strings.TrimSuffix(opts.CloudURL, "/")
		}
	default:
		if !opts.TestHarness {
			return BackendConfig{}, &ConfigurationError{Field: "mode", Value: mode}
		}
		logger.WithField("mode", mode).Warn("unrecognized backend mode under test harness, using mock")
		cfg.Mode = ModeMock
	}

	return cfg, nil
}

func parsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PlatformWeb):
		return PlatformWeb, nil
	case string(PlatformAndroid):
		return PlatformAndroid, nil
	case string(PlatformIOS):
		return PlatformIOS, nil
	default:
		return "", &ConfigurationError{Field: "platform", Value: s}
	}
}

// localHost substitutes the emulator alias on android unless the caller
// configured an explicit host.
func localHost(p Platform, override string) string {
	if override != "" {
		return override
	}
	if p == PlatformAndroid {
		return AndroidEmulatorHost
	}
	return "localhost"
}
