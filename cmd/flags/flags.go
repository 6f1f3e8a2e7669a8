package flags

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/mpc-relay/archive"
	"github.com/ruteri/mpc-relay/auth"
	"github.com/ruteri/mpc-relay/common"
	"github.com/ruteri/mpc-relay/httpserver"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/relay"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		AdminAddr:                cCtx.String(AdminAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// RelayConfig loads the relay configuration: defaults, then the --config
// file if given, then any relay flag set explicitly on the command line.
func RelayConfig(cCtx *cli.Context) (relay.Config, error) {
	cfg := relay.DefaultConfig()
	if path := cCtx.String(ConfigFileFlag.Name); path != "" {
		var err error
		if cfg, err = relay.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	if cCtx.IsSet(QueueSizeFlag.Name) {
		cfg.QueueSize = cCtx.Int(QueueSizeFlag.Name)
	}
	if cCtx.IsSet(EnqueueTimeoutFlag.Name) {
		cfg.EnqueueTimeout = cCtx.Duration(EnqueueTimeoutFlag.Name)
	}
	if cCtx.IsSet(FormingTimeoutFlag.Name) {
		cfg.FormingTimeout = cCtx.Duration(FormingTimeoutFlag.Name)
	}
	if cCtx.IsSet(IdleTimeoutFlag.Name) {
		cfg.IdleTimeout = cCtx.Duration(IdleTimeoutFlag.Name)
	}
	if cCtx.IsSet(ReorderWindowFlag.Name) {
		cfg.ReorderWindow = cCtx.Uint64(ReorderWindowFlag.Name)
	}
	if cCtx.IsSet(DefaultQuorumFlag.Name) {
		cfg.DefaultQuorum = cCtx.Int(DefaultQuorumFlag.Name)
	}
	if cCtx.IsSet(MaxMembersFlag.Name) {
		cfg.MaxMembers = cCtx.Int(MaxMembersFlag.Name)
	}
	if cCtx.IsSet(AbortOnMismatchFlag.Name) {
		cfg.AbortOnMismatch = cCtx.Bool(AbortOnMismatchFlag.Name)
	}
	if cCtx.IsSet(MaxFrameSizeFlag.Name) {
		cfg.MaxFrameSize = cCtx.Int64(MaxFrameSizeFlag.Name)
	}

	return cfg, cfg.Validate()
}

// ResumeSecret decodes --resume-secret. Without one a random secret is
// generated, so resumption tokens do not survive a restart.
func ResumeSecret(cCtx *cli.Context, log *slog.Logger) ([]byte, error) {
	s := cCtx.String(ResumeSecretFlag.Name)
	shares := cCtx.StringSlice(ResumeSecretShareFlag.Name)
	switch {
	case s != "" && len(shares) > 0:
		return nil, fmt.Errorf("--%s and --%s are mutually exclusive", ResumeSecretFlag.Name, ResumeSecretShareFlag.Name)
	case len(shares) > 0:
		secret, err := auth.CombineShares(shares)
		if err != nil {
			return nil, fmt.Errorf("invalid resume-secret-share: %w", err)
		}
		log.Info("Resume secret reconstructed from shares", "shares", len(shares))
		return secret, nil
	case s == "":
		log.Warn("No resume secret configured, generating an ephemeral one")
		return auth.RandomSecret()
	}
	secret, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid resume-secret: %w", err)
	}
	return secret, nil
}

// Operators parses the --operator addresses.
func Operators(cCtx *cli.Context) ([]interfaces.PartyID, error) {
	var ops []interfaces.PartyID
	for _, s := range cCtx.StringSlice(OperatorFlag.Name) {
		id, err := auth.CanonicalParty(interfaces.PartyID(s))
		if err != nil {
			return nil, fmt.Errorf("invalid operator %q: %w", s, err)
		}
		ops = append(ops, id)
	}
	return ops, nil
}

// Archiver builds the session archive from --archive locations. It returns
// nil if archiving is disabled.
func Archiver(cCtx *cli.Context, log *slog.Logger) (*archive.Archiver, error) {
	locations := cCtx.StringSlice(ArchiveFlag.Name)
	if len(locations) == 0 {
		return nil, nil
	}
	backend, err := archive.NewBackend(locations, log)
	if err != nil {
		return nil, err
	}
	cfg := archive.DefaultConfig()
	if cCtx.IsSet(ArchiveQueueFlag.Name) {
		cfg.QueueSize = cCtx.Int(ArchiveQueueFlag.Name)
	}
	return archive.NewArchiver(backend, cfg, log), nil
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for the party API",
	EnvVars: []string{"RELAY_LISTEN_ADDR"},
}
var AdminAddrFlag = &cli.StringFlag{
	Name:    "admin-addr",
	Value:   "",
	Usage:   "address to listen on for the admin API, disabled if empty",
	EnvVars: []string{"RELAY_ADMIN_ADDR"},
}
var OperatorFlag = &cli.StringSliceFlag{
	Name:  "operator",
	Usage: "address allowed to sign admin requests, may be repeated. Admin requests are unauthenticated if none is given",
}
var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "YAML file with relay settings; flags set explicitly take precedence",
	EnvVars: []string{"RELAY_CONFIG"},
}
var ResumeSecretFlag = &cli.StringFlag{
	Name:    "resume-secret",
	Usage:   "hex-encoded key (at least 32 bytes) used to sign resumption tokens",
	EnvVars: []string{"RELAY_RESUME_SECRET"},
}

var ResumeSecretShareFlag = &cli.StringSliceFlag{
	Name:    "resume-secret-share",
	Usage:   "hex-encoded share of the resume secret, as printed by split-secret. Repeat up to the threshold",
	EnvVars: []string{"RELAY_RESUME_SECRET_SHARES"},
}

var ArchiveFlag = &cli.StringSliceFlag{
	Name:    "archive",
	Usage:   "location (file://, s3://, ipfs://, vault://) to archive ended sessions to, may be repeated",
	EnvVars: []string{"RELAY_ARCHIVE"},
}
var ArchiveQueueFlag = &cli.IntFlag{
	Name:  "archive-queue",
	Value: archive.DefaultConfig().QueueSize,
	Usage: "ended sessions buffered for archiving before records are dropped",
}

var QueueSizeFlag = &cli.IntFlag{
	Name:  "queue-size",
	Value: relay.DefaultConfig().QueueSize,
	Usage: "outbound frames buffered per connection",
}
var EnqueueTimeoutFlag = &cli.DurationFlag{
	Name:  "enqueue-timeout",
	Value: relay.DefaultConfig().EnqueueTimeout,
	Usage: "how long a sender waits on a full recipient queue",
}
var FormingTimeoutFlag = &cli.DurationFlag{
	Name:  "forming-timeout",
	Value: relay.DefaultConfig().FormingTimeout,
	Usage: "abort sessions that do not form in time",
}
var IdleTimeoutFlag = &cli.DurationFlag{
	Name:  "idle-timeout",
	Value: relay.DefaultConfig().IdleTimeout,
	Usage: "resumption window after a member disconnects",
}
var ReorderWindowFlag = &cli.Uint64Flag{
	Name:  "reorder-window",
	Value: relay.DefaultConfig().ReorderWindow,
	Usage: "out of order envelopes buffered per sender",
}
var DefaultQuorumFlag = &cli.IntFlag{
	Name:  "default-quorum",
	Value: relay.DefaultConfig().DefaultQuorum,
	Usage: "quorum of open sessions created without one",
}
var MaxMembersFlag = &cli.IntFlag{
	Name:  "max-members",
	Value: relay.DefaultConfig().MaxMembers,
	Usage: "member cap of open sessions",
}
var AbortOnMismatchFlag = &cli.BoolFlag{
	Name:  "abort-on-mismatch",
	Usage: "abort a session when an unexpected party tries to join it",
}
var MaxFrameSizeFlag = &cli.Int64Flag{
	Name:  "max-frame-size",
	Value: relay.DefaultConfig().MaxFrameSize,
	Usage: "largest inbound WebSocket frame in bytes",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var RelayFlags = []cli.Flag{
	ListenAddrFlag,
	AdminAddrFlag,
	OperatorFlag,
	ConfigFileFlag,
	ResumeSecretFlag,
	ResumeSecretShareFlag,
	ArchiveFlag,
	ArchiveQueueFlag,
	QueueSizeFlag,
	EnqueueTimeoutFlag,
	FormingTimeoutFlag,
	IdleTimeoutFlag,
	ReorderWindowFlag,
	DefaultQuorumFlag,
	MaxMembersFlag,
	AbortOnMismatchFlag,
	MaxFrameSizeFlag,
}
