package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/dstreamhq/dstream/store"
	"github.com/dstreamhq/dstream/webhook"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for storing stream data.
	// If empty, uses in-memory storage (for testing).
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// MaxMessageBytes bounds the size of a single append body (0 = unlimited).
	MaxMessageBytes int `json:"max_message_bytes,omitempty"`

	// MaxAppendsPerSecond throttles append throughput across the handler
	// instance (0 = unlimited). Backed by a token bucket.
	MaxAppendsPerSecond float64 `json:"max_appends_per_second,omitempty"`

	// ProducerStateTTL is how long idle producer fencing state is retained
	// before FileStore's periodic cleanup sweep drops it. Provision does not
	// set a cleanup interval, so that sweep does not run, and the in-memory
	// store does not collect producer state on its own.
	ProducerStateTTL caddy.Duration `json:"producer_state_ttl,omitempty"`

	// StrictFirstSeq requires a producer's first observed sequence number
	// (per epoch) to be exactly 0. Default is permissive.
	StrictFirstSeq bool `json:"strict_first_seq,omitempty"`

	// WebhookDeliveryTimeout bounds a single webhook delivery attempt.
	WebhookDeliveryTimeout caddy.Duration `json:"webhook_delivery_timeout,omitempty"`

	// EnableWebhooks turns on the subscription registry and delivery dispatcher.
	EnableWebhooks bool `json:"enable_webhooks,omitempty"`

	// AnalyticsDB, if set, enables a DuckDB-backed secondary index over
	// append events (path, offset, size, timestamp) for ad-hoc SQL queries.
	AnalyticsDB string `json:"analytics_db,omitempty"`

	store           store.Store
	logger          *zap.Logger
	webhookManager  *webhook.Manager
	webhookRoutes   *webhook.Routes
	limiter         *rate.Limiter
	maxMessageBytes int
	analytics       *store.AnalyticsIndex
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	// Set defaults
	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.ProducerStateTTL == 0 {
		h.ProducerStateTTL = caddy.Duration(7 * 24 * time.Hour)
	}
	if h.WebhookDeliveryTimeout == 0 {
		h.WebhookDeliveryTimeout = caddy.Duration(10 * time.Second)
	}

	h.maxMessageBytes = h.MaxMessageBytes

	if h.MaxAppendsPerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(h.MaxAppendsPerSecond), int(h.MaxAppendsPerSecond)+1)
	}

	fenceOpts := store.FenceOptions{StrictFirstSeq: h.StrictFirstSeq}

	// Initialize store
	if h.DataDir == "" {
		// Use in-memory store for testing
		h.store = store.NewMemoryStoreWithOptions(fenceOpts)
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		// Use file-backed store
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:          h.DataDir,
			MaxFileHandles:   h.MaxFileHandles,
			FenceOptions:     fenceOpts,
			ProducerStateTTL: time.Duration(h.ProducerStateTTL),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store", zap.String("data_dir", h.DataDir))
	}

	if h.EnableWebhooks {
		h.webhookManager = webhook.NewManager(h.logger, time.Duration(h.WebhookDeliveryTimeout))
		h.webhookRoutes = webhook.NewRoutes(h.webhookManager)
		h.logger.Info("webhook subscriptions enabled")
	}

	if h.AnalyticsDB != "" {
		analytics, err := store.NewAnalyticsIndex(h.AnalyticsDB)
		if err != nil {
			return fmt.Errorf("failed to initialize analytics index: %w", err)
		}
		h.analytics = analytics
		h.logger.Info("analytics index enabled", zap.String("path", h.AnalyticsDB))
	}

	return nil
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	if h.MaxAppendsPerSecond < 0 {
		return fmt.Errorf("max_appends_per_second cannot be negative")
	}
	if h.MaxMessageBytes < 0 {
		return fmt.Errorf("max_message_bytes cannot be negative")
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.webhookManager != nil {
		h.webhookManager.Shutdown()
	}
	if h.analytics != nil {
		h.analytics.Close()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    max_message_bytes 1048576
//	    max_appends_per_second 500
//	    producer_state_ttl 168h
//	    strict_first_seq
//	    webhook_delivery_timeout 10s
//	    enable_webhooks
//	    analytics_db /var/lib/durable-streams/analytics.duckdb
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "max_message_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxMessageBytes, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_message_bytes: %v", err)
				}
			case "max_appends_per_second":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var rateVal float64
				if _, err := fmt.Sscanf(val, "%g", &rateVal); err != nil {
					return d.Errf("invalid max_appends_per_second: %v", err)
				}
				h.MaxAppendsPerSecond = rateVal
			case "producer_state_ttl":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.ProducerStateTTL = caddy.Duration(dur)
			case "strict_first_seq":
				h.StrictFirstSeq = true
			case "webhook_delivery_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.WebhookDeliveryTimeout = caddy.Duration(dur)
			case "enable_webhooks":
				h.EnableWebhooks = true
			case "analytics_db":
				if !d.Args(&h.AnalyticsDB) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
