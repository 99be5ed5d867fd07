package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/domain/upstream"
)

// UpstreamLister provides a list of configured upstreams for discovery.
type UpstreamLister interface {
	List(ctx context.Context) ([]upstream.Upstream, error)
	Get(ctx context.Context, id string) (*upstream.Upstream, error)
}

// ToolDiscoveryService discovers tools and resources from configured
// upstreams and maintains the shared ToolCache the router consults for
// aggregation and per-call routing.
type ToolDiscoveryService struct {
	upstreamService UpstreamLister
	cache           *upstream.ToolCache
	clientFactory   ClientFactory
	logger          *slog.Logger
	retryInterval   time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	stopped         bool
	mu              sync.Mutex
}

// NewToolDiscoveryService creates a new ToolDiscoveryService.
func NewToolDiscoveryService(
	upstreamService UpstreamLister,
	cache *upstream.ToolCache,
	clientFactory ClientFactory,
	logger *slog.Logger,
) *ToolDiscoveryService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ToolDiscoveryService{
		upstreamService: upstreamService,
		cache:           cache,
		clientFactory:   clientFactory,
		logger:          logger,
		retryInterval:   60 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// DiscoverAll discovers tools from all enabled upstreams.
func (s *ToolDiscoveryService) DiscoverAll(ctx context.Context) error {
	// Clear previous conflict records before re-discovery.
	s.cache.ClearConflicts()

	upstreams, err := s.upstreamService.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}

	var totalTools int
	var discoveredUpstreams int

	for i := range upstreams {
		u := &upstreams[i]

		// Skip disabled upstreams.
		if !u.Enabled {
			s.logger.Debug("skipping disabled upstream", "id", u.ID, "name", u.Name)
			continue
		}

		count, err := s.DiscoverFromUpstream(ctx, u.ID)
		if err != nil {
			s.logger.Error("discovery failed for upstream",
				"id", u.ID, "name", u.Name, "error", err)
			continue
		}

		totalTools += count
		discoveredUpstreams++
	}

	s.logger.Info("discovery complete",
		"total_tools", totalTools,
		"upstreams_discovered", discoveredUpstreams)

	return nil
}

// DiscoverFromUpstream discovers tools and resources from a single upstream.
// It spins up a short-lived client, performs the MCP initialize handshake,
// then issues tools/list and resources/list, caching what comes back under
// qualified names. Returns the number of non-conflicting tools stored.
func (s *ToolDiscoveryService) DiscoverFromUpstream(ctx context.Context, upstreamID string) (int, error) {
	u, err := s.upstreamService.Get(ctx, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("get upstream %s: %w", upstreamID, err)
	}

	client, err := s.clientFactory(u)
	if err != nil {
		return 0, fmt.Errorf("create client for %s: %w", upstreamID, err)
	}
	defer func() { _ = client.Close() }()

	stdin, stdout, err := client.Start(ctx)
	if err != nil {
		return 0, fmt.Errorf("start client for %s: %w", upstreamID, err)
	}
	reader := bufio.NewScanner(stdout)
	reader.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// Readiness: the upstream is usable once it answers initialize.
	initParams := `{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"policygate","version":"1.0.0"}}`
	if _, err := s.rpcCall(ctx, stdin, reader, upstreamID, "initialize", initParams); err != nil {
		return 0, fmt.Errorf("initialize handshake with %s: %w", upstreamID, err)
	}
	if _, err := fmt.Fprintln(stdin, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); err != nil {
		return 0, fmt.Errorf("send initialized to %s: %w", upstreamID, err)
	}

	count, err := s.discoverTools(ctx, stdin, reader, u)
	if err != nil {
		return 0, err
	}

	// Resources are optional; an upstream without a resources capability
	// simply contributes none.
	if err := s.discoverResources(ctx, stdin, reader, u); err != nil {
		s.logger.Debug("resource discovery skipped", "upstream", upstreamID, "reason", err)
	}

	return count, nil
}

// rpcCall writes one JSON-RPC request and reads one newline-delimited
// response, honoring ctx for the read deadline.
func (s *ToolDiscoveryService) rpcCall(ctx context.Context, stdin io.Writer, reader *bufio.Scanner, upstreamID, method, params string) ([]byte, error) {
	reqID := fmt.Sprintf("discovery-%s-%s", upstreamID, method)
	var request string
	if params == "" {
		request = fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":%q}`, reqID, method)
	} else {
		request = fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"method":%q,"params":%s}`, reqID, method, params)
	}

	if _, err := fmt.Fprintln(stdin, request); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	type readResult struct {
		line string
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		if reader.Scan() {
			resultCh <- readResult{line: reader.Text()}
			return
		}
		if err := reader.Err(); err != nil {
			resultCh <- readResult{err: err}
		} else {
			resultCh <- readResult{err: fmt.Errorf("EOF reading %s response", method)}
		}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return []byte(result.line), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for %s response: %w", method, ctx.Err())
	}
}

// discoverTools issues tools/list and stores the namespaced result.
func (s *ToolDiscoveryService) discoverTools(ctx context.Context, stdin io.Writer, reader *bufio.Scanner, u *upstream.Upstream) (int, error) {
	line, err := s.rpcCall(ctx, stdin, reader, u.ID, "tools/list", "")
	if err != nil {
		return 0, fmt.Errorf("tools/list from %s: %w", u.ID, err)
	}

	var resp struct {
		Result struct {
			Tools []struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				InputSchema json.RawMessage `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return 0, fmt.Errorf("parse tools/list from %s: %w", u.ID, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("tools/list error from %s: %s (code %d)", u.ID, resp.Error.Message, resp.Error.Code)
	}

	// Every tool is namespaced as "<upstream>__<tool>" before it reaches
	// the cache, so a bare-name collision between two upstreams never needs
	// to be resolved by dropping one of them -- both stay reachable under
	// their qualified names. A conflict is only possible when discovery
	// races a rename of the owning upstream.
	now := time.Now()
	discovered := make([]*upstream.DiscoveredTool, 0, len(resp.Result.Tools))

	for _, t := range resp.Result.Tools {
		qualified := upstream.QualifiedToolName(u.Name, t.Name)
		if conflict, existingID := s.cache.HasConflict(qualified, u.ID); conflict {
			s.cache.RecordConflict(upstream.ToolConflict{
				ToolName:            qualified,
				SkippedUpstreamID:   u.ID,
				SkippedUpstreamName: u.Name,
				WinnerUpstreamID:    existingID,
			})
			s.logger.Warn("qualified tool name already registered by another upstream, skipping",
				"qualified_name", qualified,
				"upstream", u.ID,
				"existing_upstream", existingID)
			continue
		}

		discovered = append(discovered, &upstream.DiscoveredTool{
			Name:          t.Name,
			QualifiedName: qualified,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
			UpstreamID:    u.ID,
			UpstreamName:  u.Name,
			DiscoveredAt:  now,
		})
	}

	s.cache.SetToolsForUpstream(u.ID, discovered)

	s.logger.Info("discovered tools",
		"upstream_id", u.ID,
		"upstream_name", u.Name,
		"tools", len(discovered))

	return len(discovered), nil
}

// discoverResources issues resources/list and caches the URIs for
// resources/read routing.
func (s *ToolDiscoveryService) discoverResources(ctx context.Context, stdin io.Writer, reader *bufio.Scanner, u *upstream.Upstream) error {
	line, err := s.rpcCall(ctx, stdin, reader, u.ID, "resources/list", "")
	if err != nil {
		return err
	}

	var resp struct {
		Result struct {
			Resources []struct {
				URI         string `json:"uri"`
				Name        string `json:"name"`
				Description string `json:"description"`
				MimeType    string `json:"mimeType"`
			} `json:"resources"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("parse resources/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("resources/list error: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	now := time.Now()
	discovered := make([]*upstream.DiscoveredResource, 0, len(resp.Result.Resources))
	for _, res := range resp.Result.Resources {
		if res.URI == "" {
			continue
		}
		discovered = append(discovered, &upstream.DiscoveredResource{
			URI:          res.URI,
			Name:         res.Name,
			Description:  res.Description,
			MimeType:     res.MimeType,
			UpstreamID:   u.ID,
			UpstreamName: u.Name,
			DiscoveredAt: now,
		})
	}

	s.cache.SetResourcesForUpstream(u.ID, discovered)

	if len(discovered) > 0 {
		s.logger.Info("discovered resources",
			"upstream_id", u.ID,
			"upstream_name", u.Name,
			"resources", len(discovered))
	}
	return nil
}

// RefreshUpstream re-discovers tools from an upstream, replacing the cached tools.
// This is the same as DiscoverFromUpstream but logs as a refresh operation.
func (s *ToolDiscoveryService) RefreshUpstream(ctx context.Context, upstreamID string) (int, error) {
	s.logger.Info("refreshing tools for upstream", "upstream_id", upstreamID)
	count, err := s.DiscoverFromUpstream(ctx, upstreamID)
	if err != nil {
		return 0, fmt.Errorf("refresh upstream %s: %w", upstreamID, err)
	}
	s.logger.Info("refresh complete", "upstream_id", upstreamID, "tools", count)
	return count, nil
}

// StartPeriodicRetry starts a background goroutine that periodically retries
// discovery for upstreams with 0 cached tools.
func (s *ToolDiscoveryService) StartPeriodicRetry(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.retryEmptyUpstreams(ctx)
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// retryEmptyUpstreams retries discovery for upstreams that have 0 tools cached.
func (s *ToolDiscoveryService) retryEmptyUpstreams(ctx context.Context) {
	upstreams, err := s.upstreamService.List(ctx)
	if err != nil {
		s.logger.Error("failed to list upstreams for retry", "error", err)
		return
	}

	for i := range upstreams {
		u := &upstreams[i]
		if !u.Enabled {
			continue
		}

		// Only retry upstreams with 0 tools.
		tools := s.cache.GetToolsByUpstream(u.ID)
		if len(tools) > 0 {
			continue
		}

		s.logger.Info("retrying discovery for upstream with 0 tools",
			"upstream_id", u.ID, "upstream_name", u.Name)

		count, err := s.DiscoverFromUpstream(ctx, u.ID)
		if err != nil {
			s.logger.Error("retry discovery failed",
				"upstream_id", u.ID, "error", err)
			continue
		}

		if count > 0 {
			s.logger.Info("retry discovered tools",
				"upstream_id", u.ID, "tools", count)
		}
	}
}

// Stop cancels the discovery service context and stops periodic retry.
// Safe to call multiple times.
func (s *ToolDiscoveryService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	if s.cancel != nil {
		s.cancel()
	}
}

// Cache returns the shared tool cache.
func (s *ToolDiscoveryService) Cache() *upstream.ToolCache {
	return s.cache
}
