package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TokenAvailable       prometheus.Gauge
	TokenRefreshes       *prometheus.CounterVec
	DeviceAuthorizations prometheus.Counter
	ValidationFailures   *prometheus.CounterVec
	StreamState          *prometheus.GaugeVec
	StreamReconnects     *prometheus.CounterVec
	StreamEvents         *prometheus.CounterVec
	KeepAlives           prometheus.Counter
	ProtocolViolations   prometheus.Counter
	Commands             *prometheus.CounterVec

	stateMu   sync.Mutex
	lastState string
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hcbridge_token_available",
			Help: "1 while a validated access token is available to API callers.",
		}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hcbridge_token_refreshes_total",
			Help: "Refresh grant attempts by result.",
		}, []string{"result"}),
		DeviceAuthorizations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hcbridge_device_authorizations_total",
			Help: "Device authorization flows started.",
		}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hcbridge_token_validation_failures_total",
			Help: "Token pairs rejected during validation by reason.",
		}, []string{"reason"}),
		StreamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hcbridge_stream_state",
			Help: "1 for the event stream's current connection state.",
		}, []string{"state"}),
		StreamReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hcbridge_stream_reconnects_total",
			Help: "Event stream reconnects by cause.",
		}, []string{"reason"}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hcbridge_stream_events_total",
			Help: "Appliance events delivered to subscribers by event type.",
		}, []string{"event"}),
		KeepAlives: factory.NewCounter(prometheus.CounterOpts{
			Name: "hcbridge_stream_keepalives_total",
			Help: "KEEP-ALIVE frames received.",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hcbridge_stream_protocol_violations_total",
			Help: "Unrecognized lines on the event stream.",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hcbridge_commands_total",
			Help: "Dispatched appliance commands by command and result.",
		}, []string{"command", "result"}),
	}
}

// SetTokenAvailable records the credential gate state.
func (m *Metrics) SetTokenAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.TokenAvailable.Set(1)
	} else {
		m.TokenAvailable.Set(0)
	}
}

// ObserveRefresh counts one refresh attempt.
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// IncDeviceAuthorization counts a started device authorization flow.
func (m *Metrics) IncDeviceAuthorization() {
	if m == nil {
		return
	}
	m.DeviceAuthorizations.Inc()
}

// IncValidationFailure counts a rejected token pair.
func (m *Metrics) IncValidationFailure(reason string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(reason).Inc()
}

// SetStreamState moves the state gauge to state.
func (m *Metrics) SetStreamState(state string) {
	if m == nil {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.lastState != "" {
		m.StreamState.WithLabelValues(m.lastState).Set(0)
	}
	m.StreamState.WithLabelValues(state).Set(1)
	m.lastState = state
}

// IncReconnect counts a stream reconnect.
func (m *Metrics) IncReconnect(reason string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(reason).Inc()
}

// IncEvent counts a delivered appliance event.
func (m *Metrics) IncEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(event).Inc()
}

// IncKeepAlive counts a KEEP-ALIVE frame.
func (m *Metrics) IncKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlives.Inc()
}

// IncProtocolViolation counts an unrecognized stream line.
func (m *Metrics) IncProtocolViolation() {
	if m == nil {
		return
	}
	m.ProtocolViolations.Inc()
}

// ObserveCommand counts a dispatched command.
func (m *Metrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, result).Inc()
}
