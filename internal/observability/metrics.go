package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/internal/dispatch"
	"github.com/haasonsaas/nekobot/internal/llm"
	"github.com/haasonsaas/nekobot/internal/plugins"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// Metrics exports adapter, dispatch, plugin and provider activity to
// Prometheus. It satisfies each component's Observer interface.
type Metrics struct {
	// AdapterEvents counts inbound events.
	// Labels: adapter, category
	AdapterEvents *prometheus.CounterVec

	// AdapterDropped counts frames that could not be decoded or delivered.
	// Labels: adapter, reason
	AdapterDropped *prometheus.CounterVec

	// AdapterActions counts control calls (send, kick, mute, card).
	// Labels: adapter, action, status
	AdapterActions *prometheus.CounterVec

	// AdapterActionDuration measures control call latency in seconds.
	// Labels: adapter, action
	AdapterActionDuration *prometheus.HistogramVec

	// HandlerInvocations counts handler runs.
	// Labels: category, owner, status (ok|error|panic|timeout)
	HandlerInvocations *prometheus.CounterVec

	// HandlerDuration measures handler run time in seconds.
	// Labels: category
	HandlerDuration *prometheus.HistogramVec

	// PluginLifecycle counts lifecycle operations.
	// Labels: op (load|unload|reload|enable|disable|install|uninstall), result
	PluginLifecycle *prometheus.CounterVec

	// PluginLifecycleDuration measures lifecycle operations in seconds.
	// Labels: op
	PluginLifecycleDuration *prometheus.HistogramVec

	// PluginsLoaded is the number of loaded plugins.
	PluginsLoaded prometheus.Gauge

	// LLMRequests counts provider requests.
	// Labels: provider, model, status (ok or a chat error kind)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens reported by providers.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ProviderUp is 1 when the last health probe succeeded.
	// Labels: provider
	ProviderUp *prometheus.GaugeVec
}

var (
	_ channels.Observer = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
	_ plugins.Observer  = (*Metrics)(nil)
	_ llm.Observer      = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdapterEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_adapter_events_total",
			Help: "Inbound events received by adapter and category",
		}, []string{"adapter", "category"}),

		AdapterDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_adapter_dropped_total",
			Help: "Inbound frames dropped by adapter and reason",
		}, []string{"adapter", "reason"}),

		AdapterActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_adapter_actions_total",
			Help: "Control calls by adapter, action and status",
		}, []string{"adapter", "action", "status"}),

		AdapterActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nekobot_adapter_action_duration_seconds",
			Help:    "Duration of control calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"adapter", "action"}),

		HandlerInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_handler_invocations_total",
			Help: "Handler invocations by category, owning plugin and status",
		}, []string{"category", "owner", "status"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nekobot_handler_duration_seconds",
			Help:    "Duration of handler invocations in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"category"}),

		PluginLifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_plugin_lifecycle_total",
			Help: "Plugin lifecycle operations by op and result",
		}, []string{"op", "result"}),

		PluginLifecycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nekobot_plugin_lifecycle_duration_seconds",
			Help:    "Duration of plugin lifecycle operations in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 300},
		}, []string{"op"}),

		PluginsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nekobot_plugins_loaded",
			Help: "Number of loaded plugins",
		}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_llm_requests_total",
			Help: "Provider requests by provider, model and status",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nekobot_llm_request_duration_seconds",
			Help:    "Duration of provider requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_llm_tokens_total",
			Help: "Tokens reported by provider, model and type",
		}, []string{"provider", "model", "type"}),

		ProviderUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nekobot_provider_up",
			Help: "Whether the last health probe of a provider succeeded",
		}, []string{"provider"}),
	}
}

func (m *Metrics) EventReceived(adapter, category string) {
	m.AdapterEvents.WithLabelValues(adapter, category).Inc()
}

func (m *Metrics) EventDropped(adapter, reason string) {
	m.AdapterDropped.WithLabelValues(adapter, reason).Inc()
}

func (m *Metrics) ActionCompleted(adapter, action, status string, duration time.Duration) {
	m.AdapterActions.WithLabelValues(adapter, action, status).Inc()
	m.AdapterActionDuration.WithLabelValues(adapter, action).Observe(duration.Seconds())
}

func (m *Metrics) HandlerCompleted(category models.EventCategory, owner, status string, duration time.Duration) {
	m.HandlerInvocations.WithLabelValues(string(category), owner, status).Inc()
	m.HandlerDuration.WithLabelValues(string(category)).Observe(duration.Seconds())
}

func (m *Metrics) LifecycleCompleted(op, result string, duration time.Duration) {
	m.PluginLifecycle.WithLabelValues(op, result).Inc()
	m.PluginLifecycleDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) PluginsLoaded(count int) {
	m.PluginsLoaded.Set(float64(count))
}

func (m *Metrics) RequestCompleted(provider, model, status string, duration time.Duration, usage models.Usage) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if usage.PromptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(usage.CompletionTokens))
	}
}

func (m *Metrics) ProviderHealth(provider string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	m.ProviderUp.WithLabelValues(provider).Set(value)
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
