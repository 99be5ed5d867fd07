package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/policygate/gateway/internal/adapter/outbound/audit"
	mcpclient "github.com/policygate/gateway/internal/adapter/outbound/mcp"
	"github.com/policygate/gateway/internal/adapter/outbound/memory"
	"github.com/policygate/gateway/internal/adapter/outbound/sqlite"
	"github.com/policygate/gateway/internal/adapter/outbound/state"
	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain/action"
	"github.com/policygate/gateway/internal/domain/anomaly"
	"github.com/policygate/gateway/internal/domain/auth"
	"github.com/policygate/gateway/internal/domain/circuit"
	auditdomain "github.com/policygate/gateway/internal/domain/audit"
	"github.com/policygate/gateway/internal/domain/constraint"
	"github.com/policygate/gateway/internal/domain/decision"
	"github.com/policygate/gateway/internal/domain/judge"
	"github.com/policygate/gateway/internal/domain/obligation"
	"github.com/policygate/gateway/internal/domain/proxy"
	"github.com/policygate/gateway/internal/domain/ratelimit"
	"github.com/policygate/gateway/internal/domain/session"
	"github.com/policygate/gateway/internal/domain/upstream"
	"github.com/policygate/gateway/internal/observability"
	httptransport "github.com/policygate/gateway/internal/adapter/inbound/http"
	"github.com/policygate/gateway/internal/adapter/inbound/stdio"
	"github.com/policygate/gateway/internal/port/outbound"
	"github.com/policygate/gateway/internal/service"
)

var serveDevMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start PolicyGate as a long-running process that fronts one or more
upstream MCP servers, evaluating every tool call against the configured
policies before it reaches the upstream and before the response reaches
the agent.

Examples:
  # Start with stdio transport (the default MCP transport)
  policygate serve

  # Start in development mode with permissive defaults
  policygate serve --dev`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDevMode, "dev", false, "enable development mode (permissive defaults)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return configError(fmt.Errorf("load config: %w", err))
	}
	if serveDevMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return configError(fmt.Errorf("invalid config: %w", err))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if cfg.DevMode {
		logger.Warn("DEV MODE enabled: permissive default identity, API key, and policy are active")
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, draining in-flight requests")
	}()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.OSSConfig, logger *slog.Logger) error {
	statePath := stateFilePath
	if statePath == "" {
		statePath = "./state.json"
	}
	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return startupError(fmt.Errorf("load state: %w", err))
	}

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := observability.Setup(ctx)
		if err != nil {
			logger.Warn("telemetry setup failed, continuing without", "error", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	// --- Auth and session substrate (ambient, seeded from YAML identities/keys) ---
	authStore := memory.NewAuthStore()
	if err := seedAuth(ctx, authStore, cfg); err != nil {
		return startupError(fmt.Errorf("seed auth: %w", err))
	}
	apiKeyService := auth.NewAPIKeyService(authStore)

	sessionStore := memory.NewSessionStore()
	defer sessionStore.Stop()
	sessionTimeout, err := time.ParseDuration(cfg.Server.SessionTimeout)
	if err != nil {
		logger.Warn("invalid session_timeout, using default", "value", cfg.Server.SessionTimeout, "error", err)
		sessionTimeout = session.DefaultTimeout
	}
	sessionService := session.NewSessionService(sessionStore, session.Config{Timeout: sessionTimeout})

	// --- Decision substrate: structured policy store, rule evaluator, cache, judge ---
	decisionStore := memory.NewDecisionPolicyStore()
	if err := service.LoadPolicies(ctx, decisionStore, cfg.Policies); err != nil {
		return startupError(fmt.Errorf("load policies: %w", err))
	}
	if err := service.LoadPoliciesDir(ctx, decisionStore, cfg.PoliciesDir); err != nil {
		return startupError(fmt.Errorf("load policies dir: %w", err))
	}
	ruleEval, err := service.NewRuleEvaluator(ctx, decisionStore)
	if err != nil {
		return startupError(fmt.Errorf("build rule evaluator: %w", err))
	}
	decisionCache := memory.NewDecisionCache(cfg.Cache.MaxEntries)

	judgeBackend := buildJudge(cfg, logger)

	// --- Constraint processors (post-PERMIT argument transformation) ---
	constraintPipeline := buildConstraintPipeline(cfg, logger)

	// --- Audit sink and obligation dispatcher ---
	auditStore, err := createAuditStore(cfg, logger)
	if err != nil {
		return startupError(fmt.Errorf("create audit store: %w", err))
	}
	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(mustParseDuration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(mustParseDuration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()
	statsService := service.NewStatsService()

	dispatcher := obligation.NewDispatcher(logger)
	dispatcher.Register(obligation.NewAuditLoggerExecutor(auditStore))
	dispatcher.Register(obligation.NewNotifierExecutor(logNotify(logger)))
	dispatcher.Register(obligation.NewDataLifecycleExecutor(logPurge(logger)))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	go drainEscalations(ctx, dispatcher, logger)

	decisionPipeline := service.NewDecisionPipeline(
		decisionStore, ruleEval, decisionCache, judgeBackend,
		constraintPipeline, dispatcher, logger,
		mustParseMillis(cfg.Cache.DefaultTTLMs), cfg.AI.ConfidenceThreshold,
	)

	anomalyDetector := anomaly.NewDetector(anomaly.DefaultConfig())
	go logAnomalyAlerts(ctx, anomalyDetector, logger)

	circuitRegistry := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Window:           mustParseMillis(cfg.CircuitBreaker.WindowMs),
		Cooldown:         mustParseMillis(cfg.CircuitBreaker.CooldownMs),
	})

	// --- Upstream substrate: connections and tool discovery ---
	upstreamStore := memory.NewUpstreamStore()
	upstreamService := service.NewUpstreamService(upstreamStore, stateStore, logger)
	if err := upstreamService.LoadFromState(ctx, appState); err != nil {
		return startupError(fmt.Errorf("load upstreams from state: %w", err))
	}
	if err := seedUpstreamsFromConfig(ctx, upstreamService, cfg); err != nil {
		return startupError(fmt.Errorf("seed upstreams: %w", err))
	}

	clientFactory := defaultClientFactory(cfg)
	upstreamManager := service.NewUpstreamManager(upstreamService, clientFactory, logger).WithCircuitRegistry(circuitRegistry)
	defer upstreamManager.Close()
	if err := upstreamManager.StartAll(ctx); err != nil {
		logger.Warn("one or more upstreams failed to start", "error", err)
	}

	toolCache := upstream.NewToolCache()
	discovery := service.NewToolDiscoveryService(upstreamService, toolCache, clientFactory, logger)
	defer discovery.Stop()
	if err := discovery.DiscoverAll(ctx); err != nil {
		logger.Warn("initial tool discovery incomplete", "error", err)
	}
	discovery.StartPeriodicRetry(ctx)

	toolSecurity := service.NewToolSecurityService(toolCache, stateStore, logger)
	toolSecurity.LoadFromState(appState)

	// --- Interceptor chain: frame-level validation/auth/audit/rate-limit on
	// the outside, then the canonical-action core (quarantine -> decision
	// enforcement -> response scan -> upstream routing). ---
	cacheAdapter := proxy.NewToolCacheAdapter(toolCache)
	upstreamRouter := proxy.NewUpstreamRouter(cacheAdapter, upstreamManager, logger).
		WithCircuitBreaker(circuitRegistry).
		WithListChangedHandler(func(method string) {
			// An upstream changed its advertised set; refresh discovery so
			// routing reflects it before the next aggregated list.
			go func() {
				refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := discovery.DiscoverAll(refreshCtx); err != nil {
					logger.Warn("discovery refresh after listChanged failed", "notification", method, "error", err)
				}
			}()
		})
	routerAction := action.NewMessageBridge(upstreamRouter, "upstream-router")

	var head action.ActionInterceptor = routerAction
	if cfg.Scan.Mode != "" {
		mode := action.ScanModeMonitor
		if cfg.Scan.Mode == "enforce" {
			mode = action.ScanModeEnforce
		}
		head = action.NewResponseScanInterceptor(action.NewResponseScanner(), head, mode, true, logger)
	}

	identityService := service.NewIdentityService(stateStore, logger)
	if err := identityService.Init(); err != nil {
		logger.Warn("failed to load agent directory", "error", err)
	}
	enrichers := service.BuildEnrichers(cfg, identityService)
	decisionInterceptor := action.NewDecisionActionInterceptor(decisionPipeline, enrichers, head, logger).
		WithAnomalyRecorder(anomalyDetector)
	head = decisionInterceptor
	head = action.NewQuarantineInterceptor(toolSecurity, head, logger)

	normalizer := action.NewMCPNormalizer()
	canonicalChain := action.NewInterceptorChain(normalizer, head, logger)

	var chainHead proxy.MessageInterceptor = canonicalChain
	if cfg.RateLimit.Enabled {
		rateLimiter := memory.NewRateLimiter()
		userCfg := ratelimit.RateLimitConfig{
			Rate: cfg.RateLimit.UserRate, Burst: cfg.RateLimit.UserRate,
			Period: mustParseMillis(cfg.RateLimit.DefaultWindowMs),
		}
		ipCfg := ratelimit.RateLimitConfig{
			Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate,
			Period: mustParseMillis(cfg.RateLimit.DefaultWindowMs),
		}
		chainHead = proxy.NewUserRateLimitInterceptor(rateLimiter, userCfg, chainHead, logger)
		chainHead = proxy.NewAuditInterceptor(auditService, statsService, chainHead, logger)
		chainHead = proxy.NewAuthInterceptor(apiKeyService, sessionService, chainHead, logger, cfg.DevMode)
		chainHead = proxy.NewIPRateLimitInterceptor(rateLimiter, ipCfg, chainHead, logger)
	} else {
		chainHead = proxy.NewAuditInterceptor(auditService, statsService, chainHead, logger)
		chainHead = proxy.NewAuthInterceptor(apiKeyService, sessionService, chainHead, logger, cfg.DevMode)
	}
	chainHead = proxy.NewValidationInterceptor(chainHead, logger)

	// Router-only mode: no single direct upstream; the interceptor chain's
	// upstream router resolves the destination per call.
	proxyService := service.NewProxyService(nil, chainHead, logger)

	ruleCount := countActivePolicyRules(ctx, decisionStore)
	logger.Info("policygate starting",
		"transport", cfg.Transport,
		"dev_mode", cfg.DevMode,
		"policies", len(cfg.Policies),
		"rules", ruleCount,
	)

	switch cfg.Transport {
	case "http":
		healthChecker := httptransport.NewHealthChecker(sessionStore, nil, auditService, Version)
		transport := httptransport.NewHTTPTransport(proxyService,
			httptransport.WithAddr(cfg.Server.HTTPAddr),
			httptransport.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			httptransport.WithLogger(logger),
			httptransport.WithHealthChecker(healthChecker),
		)
		return transport.Start(ctx)
	default:
		return stdio.NewStdioTransport(proxyService).Start(ctx)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func mustParseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// mustParseMillis converts a millisecond count to a Duration; it is used for
// the several config fields expressed as *Ms integers rather than Go
// duration strings.
func mustParseMillis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func buildJudge(cfg *config.OSSConfig, logger *slog.Logger) judge.Judge {
	if cfg.Judge != "" && cfg.Judge != "none" {
		logger.Warn("no concrete judge backend is bundled; falling back to the stub judge", "configured", cfg.Judge)
	}
	return judge.NewStubJudge()
}

// buildConstraintPipeline registers the full processor set — anonymizer,
// rate limiter, geo restrictor — keyed by directive scheme, so every
// policy's own directives are enforceable regardless of gateway config.
// Config contributes gateway-wide default directives that run ahead of each
// decision's own.
func buildConstraintPipeline(cfg *config.OSSConfig, logger *slog.Logger) *constraint.Pipeline {
	pipeline := constraint.NewPipeline(
		constraint.NewAnonymizer(),
		constraint.NewRateLimiter(memory.NewRateLimiter(), mustParseMillis(cfg.RateLimit.DefaultWindowMs)),
		constraint.NewGeoRestrictor(logger),
	)

	var defaults []string
	if cfg.RateLimit.Enabled && cfg.RateLimit.UserRate > 0 {
		defaults = append(defaults, fmt.Sprintf("rate-limit:%d/%s",
			cfg.RateLimit.UserRate, mustParseMillis(cfg.RateLimit.DefaultWindowMs)))
	}
	if len(cfg.GeoRestrict.AllowedCountries) > 0 {
		defaults = append(defaults, "geo-restrict:"+strings.Join(cfg.GeoRestrict.AllowedCountries, ","))
	}
	if len(defaults) > 0 {
		pipeline.WithDefaults(defaults...)
		logger.Info("gateway-wide constraint directives active", "directives", defaults)
	}
	return pipeline
}

func createAuditStore(cfg *config.OSSConfig, logger *slog.Logger) (auditdomain.AuditStore, error) {
	switch cfg.Audit.Sink {
	case "file":
		return audit.NewFileAuditStore(audit.AuditFileConfig{
			Dir:           cfg.AuditFile.Dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.AuditFile.CacheSize,
		}, logger)
	case "sqlite":
		return sqlite.NewAuditStore(cfg.AuditFile.Dir)
	case "null":
		return memory.NewAuditStoreWithWriter(discardWriter{}, cfg.Audit.BufferSize), nil
	default:
		return memory.NewAuditStore(cfg.Audit.BufferSize), nil
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func logNotify(logger *slog.Logger) obligation.NotifyFunc {
	return func(ctx context.Context, subject, body string) error {
		logger.Info("obligation: notify", "subject", subject, "body", body)
		return nil
	}
}

func logPurge(logger *slog.Logger) obligation.PurgeFunc {
	return func(ctx context.Context, agent, resource string, after time.Duration) error {
		logger.Info("obligation: purge scheduled", "agent", agent, "resource", resource, "after", after)
		return nil
	}
}

func drainEscalations(ctx context.Context, d *obligation.Dispatcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case esc, ok := <-d.Escalations():
			if !ok {
				return
			}
			logger.Error("obligation escalated after repeated failure",
				"agent", esc.Agent, "duty", esc.Duty.Name, "attempts", esc.Attempts, "error", esc.Err)
		}
	}
}

func logAnomalyAlerts(ctx context.Context, d *anomaly.Detector, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-d.Alerts():
			if !ok {
				return
			}
			logger.Warn("anomaly detected", "agent", alert.Agent, "reason", alert.Reason, "detail", alert.Detail)
		}
	}
}

func seedAuth(_ context.Context, store *memory.AuthStore, cfg *config.OSSConfig) error {
	for _, id := range cfg.Auth.Identities {
		store.AddIdentity(&auth.Identity{
			ID:    id.ID,
			Name:  id.Name,
			Roles: identityRoles(id.Roles),
		})
	}
	for _, k := range cfg.Auth.APIKeys {
		store.AddKey(&auth.APIKey{
			Key:        strings.TrimPrefix(k.KeyHash, "sha256:"),
			IdentityID: k.IdentityID,
		})
	}
	return nil
}

func identityRoles(raw []string) []auth.Role {
	roles := make([]auth.Role, len(raw))
	for i, r := range raw {
		roles[i] = auth.Role(r)
	}
	return roles
}

func seedUpstreamsFromConfig(ctx context.Context, svc *service.UpstreamService, cfg *config.OSSConfig) error {
	existing, err := svc.List(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, u := range existing {
		known[u.Name] = true
	}

	for _, us := range cfg.UpstreamServers {
		if known[us.Name] {
			continue
		}
		u := &upstream.Upstream{
			Name:    us.Name,
			Enabled: true,
			Command: us.Command,
			Args:    us.Args,
			URL:     us.URL,
			Env:     us.Env,
		}
		if us.Command != "" {
			u.Type = upstream.TypeStdio
		} else {
			u.Type = upstream.TypeHTTP
		}
		if _, err := svc.Add(ctx, u); err != nil {
			return fmt.Errorf("add upstream %q: %w", us.Name, err)
		}
	}
	return nil
}

// defaultClientFactory builds MCP clients per upstream type. HTTP upstreams
// honor a per-upstream timeout from configuration; stdio upstreams inherit
// the configured env vars.
func defaultClientFactory(cfg *config.OSSConfig) service.ClientFactory {
	return func(u *upstream.Upstream) (outbound.MCPClient, error) {
		switch u.Type {
		case upstream.TypeHTTP:
			if u.URL == "" {
				return nil, fmt.Errorf("http upstream %q has no url", u.Name)
			}
			timeout := 30 * time.Second
			for _, us := range cfg.UpstreamServers {
				if us.Name == u.Name && us.Timeout != "" {
					if d, err := time.ParseDuration(us.Timeout); err == nil {
						timeout = d
					}
				}
			}
			return mcpclient.NewHTTPClient(u.URL, mcpclient.WithTimeout(timeout)), nil
		default:
			if u.Command == "" {
				return nil, fmt.Errorf("stdio upstream %q has no command", u.Name)
			}
			return mcpclient.NewStdioClient(u.Command, u.Args...).WithEnv(u.Env), nil
		}
	}
}

// countActivePolicyRules sums permission and prohibition rules across the
// active policy snapshot, for the startup log line.
func countActivePolicyRules(ctx context.Context, store decision.Store) int {
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return 0
	}
	total := 0
	for _, p := range snap.Policies {
		total += len(p.Permission) + len(p.Prohibition)
	}
	return total
}
