package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 业务与 HTTP 指标，方法对 nil 接收者安全
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	Turns            *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	ToolExecutions   *prometheus.CounterVec
	Escalations      *prometheus.CounterVec
	VoiceFrames      *prometheus.CounterVec
	VoiceSessions    prometheus.Gauge
	WebhookDelivered *prometheus.CounterVec
	LLMTokens        *prometheus.CounterVec
	PostCallStages   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default 全局指标实例
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New("lingdesk")
	})
	return defaultMetrics
}

func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method", "route"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total", Help: "Conversation turns by channel and outcome",
		}, []string{"channel", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "turn_duration_seconds", Help: "End to end turn latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 30},
		}, []string{"channel"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_executions_total", Help: "Tool executions by tool and outcome",
		}, []string{"tool", "outcome"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total", Help: "Escalations detected by reason",
		}, []string{"reason"}),
		VoiceFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "voice_frames_total", Help: "Voice protocol frames by direction and type",
		}, []string{"direction", "type"}),
		VoiceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "voice_sessions_active", Help: "Open voice protocol connections",
		}),
		WebhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_deliveries_total", Help: "Outbound webhook attempts by outcome",
		}, []string{"outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_tokens_total", Help: "Model tokens by model and direction",
		}, []string{"model", "direction"}),
		PostCallStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "post_call_stages_total", Help: "Post-call stage results",
		}, []string{"stage", "outcome"}),
	}
	registry.MustRegister(
		m.HTTPRequests, m.HTTPDuration, m.Turns, m.TurnDuration, m.ToolExecutions,
		m.Escalations, m.VoiceFrames, m.VoiceSessions, m.WebhookDelivered, m.LLMTokens,
		m.PostCallStages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTurn(channel, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(channel, outcome).Inc()
	m.TurnDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) ObserveTool(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome(success)).Inc()
}

func (m *Metrics) ObserveEscalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveVoiceFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.VoiceFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) VoiceSessionOpened() {
	if m != nil {
		m.VoiceSessions.Inc()
	}
}

func (m *Metrics) VoiceSessionClosed() {
	if m != nil {
		m.VoiceSessions.Dec()
	}
}

func (m *Metrics) ObserveWebhook(success bool) {
	if m == nil {
		return
	}
	m.WebhookDelivered.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) ObserveTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completion))
}

func (m *Metrics) ObservePostCallStage(stage string, success bool) {
	if m == nil {
		return
	}
	m.PostCallStages.WithLabelValues(stage, outcome(success)).Inc()
}

// GinMiddleware 记录请求耗时，路由取模板路径避免高基数
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
