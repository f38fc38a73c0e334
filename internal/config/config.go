package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/media/pion"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/negotiation"
	"github.com/yaront1111/mandarin-sub007/internal/core/service"
)

const (
	envVarListenAddr      = "MANDARIN_LISTEN_ADDR"
	envVarLogLevel        = "MANDARIN_LOG_LEVEL"
	envVarLogFormat       = "MANDARIN_LOG_FORMAT"
	envVarShutdownTimeout = "MANDARIN_SHUTDOWN_TIMEOUT"
	envVarPingInterval    = "MANDARIN_WS_PING_INTERVAL"

	// Broker knobs.
	envVarRingTimeout        = "MANDARIN_RING_TIMEOUT"
	envVarMaxCallDuration    = "MANDARIN_MAX_CALL_DURATION"
	envVarSessionRetention   = "MANDARIN_SESSION_RETENTION"
	envVarDeliveryAttempts   = "MANDARIN_DELIVERY_ATTEMPTS"
	envVarDeliveryRetryDelay = "MANDARIN_DELIVERY_RETRY_DELAY"
	envVarInitiatePerMinute  = "MANDARIN_INITIATE_PER_MINUTE"
	envVarInitiateBurst      = "MANDARIN_INITIATE_BURST"
	envVarDirectoryFile      = "MANDARIN_DIRECTORY_FILE"
	envVarOpenDirectory      = "MANDARIN_OPEN_DIRECTORY"
	envVarHistoryDB          = "MANDARIN_HISTORY_DB"

	// Peer knobs.
	envVarRelayURL             = "MANDARIN_RELAY_URL"
	envVarUser                 = "MANDARIN_USER"
	envVarICEServers           = "MANDARIN_ICE_SERVERS"
	envVarSignalingTimeout     = "MANDARIN_SIGNALING_TIMEOUT"
	envVarGracePeriod          = "MANDARIN_GRACE_PERIOD"
	envVarRecoveryTimeout      = "MANDARIN_RECOVERY_TIMEOUT"
	envVarReconnectBaseDelay   = "MANDARIN_RECONNECT_BASE_DELAY"
	envVarMaxReconnectAttempts = "MANDARIN_MAX_RECONNECT_ATTEMPTS"
	envVarQualityInterval      = "MANDARIN_QUALITY_INTERVAL"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultRelayURL        = "ws://127.0.0.1:8080/ws"
	DefaultICEServers      = "stun:stun.l.google.com:19302"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = LogFormatText
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging is shared by both binaries.
type Logging struct {
	Level  zerolog.Level
	Format LogFormat
}

type Server struct {
	Logging
	ListenAddr      string
	ShutdownTimeout time.Duration
	PingInterval    time.Duration
	Calls           service.CallConfig
	// DirectoryFile is a JSON user list. Empty means an open directory.
	DirectoryFile string
	OpenDirectory bool
	// HistoryDB is the sqlite path for call history. Empty keeps history in
	// memory.
	HistoryDB string
}

type Peer struct {
	Logging
	RelayURL string
	User     domain.UserID
	// Call, when set, places a call to that user on startup.
	Call       domain.UserID
	CallType   domain.CallType
	AutoAnswer bool
	Media      pion.Config
	Engine     negotiation.Config
}

type lookupFunc func(string) (string, bool)

func LoadServer(args []string) (Server, error) {
	return loadServer(os.LookupEnv, args)
}

func LoadPeer(args []string) (Peer, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadServer(lookup lookupFunc, args []string) (Server, error) {
	calls := service.DefaultCallConfig()
	cfg := Server{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout: DefaultShutdownTimeout,
		PingInterval:    DefaultPingInterval,
		DirectoryFile:   envOrDefault(lookup, envVarDirectoryFile, ""),
		HistoryDB:       envOrDefault(lookup, envVarHistoryDB, ""),
	}
	var (
		logLevel  = envOrDefault(lookup, envVarLogLevel, DefaultLogLevel)
		logFormat = envOrDefault(lookup, envVarLogFormat, string(DefaultLogFormat))
		err       error
	)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarPingInterval, &cfg.PingInterval},
		{envVarRingTimeout, &calls.RingTimeout},
		{envVarMaxCallDuration, &calls.MaxCallDuration},
		{envVarSessionRetention, &calls.SessionRetention},
		{envVarDeliveryRetryDelay, &calls.DeliveryRetryDelay},
	}
	for _, d := range durations {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Server{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{envVarDeliveryAttempts, &calls.DeliveryAttempts},
		{envVarInitiatePerMinute, &calls.InitiatePerMinute},
		{envVarInitiateBurst, &calls.InitiateBurst},
	}
	for _, n := range ints {
		if *n.dst, err = envIntOrDefault(lookup, n.key, *n.dst); err != nil {
			return Server{}, err
		}
	}
	_, openFromEnv := lookup(envVarOpenDirectory)
	if cfg.OpenDirectory, err = envBoolOrDefault(lookup, envVarOpenDirectory, false); err != nil {
		return Server{}, err
	}

	fs := flag.NewFlagSet("mandarin-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: trace, debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json (env "+envVarLogFormat+")")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.DurationVar(&cfg.PingInterval, "ws-ping-interval", cfg.PingInterval, "Websocket keepalive ping interval")
	fs.DurationVar(&calls.RingTimeout, "ring-timeout", calls.RingTimeout, "Time a call may ring before it is missed")
	fs.DurationVar(&calls.MaxCallDuration, "max-call-duration", calls.MaxCallDuration, "Hard cap on call length")
	fs.DurationVar(&calls.SessionRetention, "session-retention", calls.SessionRetention, "How long ended sessions stay queryable")
	fs.IntVar(&calls.DeliveryAttempts, "delivery-attempts", calls.DeliveryAttempts, "Delivery attempts per event")
	fs.DurationVar(&calls.DeliveryRetryDelay, "delivery-retry-delay", calls.DeliveryRetryDelay, "Delay between delivery attempts")
	fs.IntVar(&calls.InitiatePerMinute, "initiate-per-minute", calls.InitiatePerMinute, "Initiate requests allowed per user per minute, 0 disables")
	fs.IntVar(&calls.InitiateBurst, "initiate-burst", calls.InitiateBurst, "Initiate burst size")
	fs.StringVar(&cfg.DirectoryFile, "directory-file", cfg.DirectoryFile, "JSON user directory (env "+envVarDirectoryFile+")")
	fs.BoolVar(&cfg.OpenDirectory, "open-directory", cfg.OpenDirectory, "Accept users missing from the directory")
	fs.StringVar(&cfg.HistoryDB, "history-db", cfg.HistoryDB, "sqlite call history path, empty keeps history in memory (env "+envVarHistoryDB+")")
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	openSet := openFromEnv
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "open-directory" {
			openSet = true
		}
	})
	if !openSet {
		cfg.OpenDirectory = cfg.DirectoryFile == ""
	}

	if cfg.Logging, err = parseLogging(logLevel, logFormat); err != nil {
		return Server{}, err
	}
	cfg.Calls = calls
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	positive := map[string]time.Duration{
		"shutdown timeout":     c.ShutdownTimeout,
		"ws ping interval":     c.PingInterval,
		"ring timeout":         c.Calls.RingTimeout,
		"max call duration":    c.Calls.MaxCallDuration,
		"session retention":    c.Calls.SessionRetention,
		"delivery retry delay": c.Calls.DeliveryRetryDelay,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Calls.DeliveryAttempts < 1 {
		errs = append(errs, fmt.Errorf("delivery attempts must be at least 1, got %d", c.Calls.DeliveryAttempts))
	}
	if c.Calls.InitiatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("initiate per minute must not be negative, got %d", c.Calls.InitiatePerMinute))
	}
	if c.Calls.InitiatePerMinute > 0 && c.Calls.InitiateBurst < 1 {
		errs = append(errs, fmt.Errorf("initiate burst must be at least 1, got %d", c.Calls.InitiateBurst))
	}
	if c.DirectoryFile == "" && !c.OpenDirectory {
		errs = append(errs, errors.New("a closed directory needs a directory file"))
	}
	return errors.Join(errs...)
}

func loadPeer(lookup lookupFunc, args []string) (Peer, error) {
	engine := negotiation.DefaultConfig()
	cfg := Peer{
		RelayURL: envOrDefault(lookup, envVarRelayURL, DefaultRelayURL),
		User:     domain.UserID(envOrDefault(lookup, envVarUser, "")),
		CallType: domain.CallTypeAudio,
	}
	var (
		logLevel   = envOrDefault(lookup, envVarLogLevel, DefaultLogLevel)
		logFormat  = envOrDefault(lookup, envVarLogFormat, string(DefaultLogFormat))
		iceServers = envOrDefault(lookup, envVarICEServers, DefaultICEServers)
		user       = string(cfg.User)
		call       string
		callType   = string(cfg.CallType)
		err        error
	)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envVarSignalingTimeout, &engine.SignalingTimeout},
		{envVarGracePeriod, &engine.GracePeriod},
		{envVarRecoveryTimeout, &engine.RecoveryTimeout},
		{envVarReconnectBaseDelay, &engine.ReconnectBaseDelay},
		{envVarQualityInterval, &engine.QualityInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Peer{}, err
		}
	}
	if engine.MaxReconnectAttempts, err = envIntOrDefault(lookup, envVarMaxReconnectAttempts, engine.MaxReconnectAttempts); err != nil {
		return Peer{}, err
	}

	fs := flag.NewFlagSet("mandarin-peer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay websocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&user, "user", user, "User id to connect as (env "+envVarUser+")")
	fs.StringVar(&call, "call", "", "Call this user on startup")
	fs.StringVar(&callType, "call-type", callType, "Call type: audio or video")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "Accept incoming calls")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level (env "+envVarLogLevel+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&iceServers, "ice-servers", iceServers, "Comma-separated STUN/TURN URLs (env "+envVarICEServers+")")
	fs.DurationVar(&engine.SignalingTimeout, "signaling-timeout", engine.SignalingTimeout, "Time to wait for an answer to an offer")
	fs.DurationVar(&engine.GracePeriod, "grace-period", engine.GracePeriod, "Time a disconnected transport may self-heal")
	fs.DurationVar(&engine.RecoveryTimeout, "recovery-timeout", engine.RecoveryTimeout, "Time an ICE restart may take")
	fs.DurationVar(&engine.ReconnectBaseDelay, "reconnect-base-delay", engine.ReconnectBaseDelay, "Base delay between full reconnects")
	fs.IntVar(&engine.MaxReconnectAttempts, "max-reconnect-attempts", engine.MaxReconnectAttempts, "Full reconnects before giving up")
	fs.DurationVar(&engine.QualityInterval, "quality-interval", engine.QualityInterval, "Transport stats sampling interval")
	if err := fs.Parse(args); err != nil {
		return Peer{}, err
	}

	if cfg.Logging, err = parseLogging(logLevel, logFormat); err != nil {
		return Peer{}, err
	}
	if cfg.User, err = domain.ParseUserID(user); err != nil {
		return Peer{}, fmt.Errorf("user is required: %w", err)
	}
	if call != "" {
		if cfg.Call, err = domain.ParseUserID(call); err != nil {
			return Peer{}, fmt.Errorf("call target: %w", err)
		}
	}
	cfg.CallType = domain.CallType(strings.ToLower(strings.TrimSpace(callType)))
	cfg.Media = pion.Config{
		ICEServers: parseList(iceServers),
		LogLevel:   cfg.Level,
	}
	cfg.Engine = engine
	if err := cfg.validate(); err != nil {
		return Peer{}, err
	}
	return cfg, nil
}

func (c Peer) validate() error {
	var errs []error
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		errs = append(errs, fmt.Errorf("relay url must be ws:// or wss://, got %q", c.RelayURL))
	}
	if c.Call == c.User {
		errs = append(errs, errors.New("a peer cannot call itself"))
	}
	if !c.CallType.Valid() {
		errs = append(errs, fmt.Errorf("invalid call type %q", c.CallType))
	}
	positive := map[string]time.Duration{
		"signaling timeout":    c.Engine.SignalingTimeout,
		"grace period":         c.Engine.GracePeriod,
		"recovery timeout":     c.Engine.RecoveryTimeout,
		"reconnect base delay": c.Engine.ReconnectBaseDelay,
		"quality interval":     c.Engine.QualityInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Engine.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("max reconnect attempts must be at least 1, got %d", c.Engine.MaxReconnectAttempts))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger: a console writer for text, plain
// zerolog JSON otherwise.
func NewLogger(cfg Logging, out io.Writer) zerolog.Logger {
	if cfg.Format == LogFormatText {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level).With().Timestamp().Caller().Logger()
}

func parseLogging(level, format string) (Logging, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return Logging{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(format))); f {
	case LogFormatText, LogFormatJSON:
		return Logging{Level: lvl, Format: f}, nil
	default:
		return Logging{}, fmt.Errorf("invalid log format %q (expected text or json)", format)
	}
}

func envOrDefault(lookup lookupFunc, key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup lookupFunc, key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup lookupFunc, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup lookupFunc, key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
