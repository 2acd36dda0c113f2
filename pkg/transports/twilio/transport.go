package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/redact"
	"github.com/harunnryd/callpilot/pkg/transports"
)

type Config struct {
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// ServerAddr is only used to build webhook URLs when PublicURL is empty.
	ServerAddr string `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/audiostream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport terminates Twilio Media Streams and hands every started stream to
// a CallHandler.
type Transport struct {
	cfg      Config
	handler  transports.CallHandler
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream // by call sid

	draining atomic.Bool
}

// stream is one accepted media websocket.
type stream struct {
	callID   string
	streamID string
	call     transports.Call
	conn     *mediaConn
}

func New(cfg Config, handler transports.CallHandler) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:     logging.NewComponentLogger(slog.Default(), "twilio_transport"),
		streams: make(map[string]*stream),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicURL("https", t.cfg.VoicePath),
		"stream_url":          t.publicURL("wss", t.cfg.WebsocketPath),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
	}
}

// Routes registers the webhook and media stream endpoints.
func (t *Transport) Routes(r chi.Router) {
	r.Post(t.cfg.VoicePath, t.handleVoice)
	r.Post(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	r.Get(t.cfg.WebsocketPath, t.ServeHTTP)
}

// Stop refuses new streams and closes the open ones. Sessions see a stop for
// each of them.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.mu.Lock()
	open := make([]*stream, 0, len(t.streams))
	for _, s := range t.streams {
		open = append(open, s)
	}
	t.mu.Unlock()
	for _, s := range open {
		s.call.Stop("shutdown")
		_ = s.conn.Close("shutdown")
	}
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("twilio_ws_upgrade_failed", "error", err)
		return
	}
	conn := &mediaConn{ws: ws}
	defer conn.Close("handler_exit")

	var active *stream
	var fallbackSeq int64
	stopReason := "transport_closed"
read:
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.log.Debug("twilio_event_invalid", "error", err, "reason_code", string(errorsx.ReasonTransportProtocol))
			continue
		}
		switch evt.Event {
		case "connected":
			continue
		case "start":
			if active != nil || evt.Start == nil {
				t.log.Warn("twilio_unexpected_start", "stream_id", evt.StreamSID, "reason_code", string(errorsx.ReasonTransportProtocol))
				continue
			}
			active, err = t.open(r.Context(), evt, conn)
			if err != nil {
				return
			}
		case "media":
			if active == nil || evt.Media == nil {
				continue
			}
			fallbackSeq++
			seq := evt.sequence(fallbackSeq)
			if err := active.call.Media(seq, []byte(evt.Media.Payload)); err != nil {
				stopReason = "session_closed"
				break read
			}
		case "stop":
			stopReason = "completed"
			break read
		}
	}
	if active != nil {
		active.call.Stop(stopReason)
		t.detach(active)
	}
}

func (t *Transport) open(ctx context.Context, evt Event, conn *mediaConn) (*stream, error) {
	req := evt.Start.request(evt.StreamSID)
	call, err := t.handler.Open(ctx, req, conn)
	if err != nil {
		t.log.Warn("twilio_stream_rejected", "call_id", req.CallID, "stream_id", req.StreamID, "error", err)
		_ = conn.Close("rejected")
		return nil, err
	}
	s := &stream{callID: req.CallID, streamID: req.StreamID, call: call, conn: conn}
	t.mu.Lock()
	t.streams[req.CallID] = s
	t.mu.Unlock()
	t.log.Info("twilio_stream_started",
		"call_id", req.CallID,
		"stream_id", req.StreamID,
		"from", redact.Number(req.CallerNumber))
	return s, nil
}

func (t *Transport) detach(s *stream) {
	t.mu.Lock()
	if t.streams[s.callID] == s {
		delete(t.streams, s.callID)
	}
	t.mu.Unlock()
}

func (t *Transport) lookup(callID string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[callID]
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	params := map[string]string{
		"from": r.FormValue("From"),
		"to":   r.FormValue("To"),
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(buildStreamTwiml(t.websocketURL(r), t.cfg.VoiceGreeting, params)))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s := t.lookup(callSID); s != nil {
		s.call.Stop(reason)
		_ = s.conn.Close(reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "wss" {
		return "ws://" + addr + path
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func buildStreamTwiml(wsURL, greeting string, params map[string]string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if greeting = strings.TrimSpace(greeting); greeting != "" {
		b.WriteString("<Say>" + xmlEscape(greeting) + "</Say>")
	}
	b.WriteString(`<Connect><Stream url="` + xmlEscape(wsURL) + `">`)
	for _, name := range []string{"from", "to"} {
		if v := params[name]; v != "" {
			b.WriteString(`<Parameter name="` + name + `" value="` + xmlEscape(v) + `"/>`)
		}
	}
	b.WriteString("</Stream></Connect></Response>")
	return b.String()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// mediaConn is the session's handle on the websocket.
type mediaConn struct {
	ws     *websocket.Conn
	once   sync.Once
	reason atomic.Value
}

func (c *mediaConn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		c.reason.Store(reason)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// ClosedWith reports the reason the connection was closed with, if any.
func (c *mediaConn) ClosedWith() string {
	v, _ := c.reason.Load().(string)
	return v
}

type Start struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

// request builds the call start request. The call id falls back to the stream
// id when Twilio omits it.
func (s *Start) request(envelopeStreamSID string) transports.StartRequest {
	streamID := s.StreamSID
	if streamID == "" {
		streamID = envelopeStreamSID
	}
	if streamID == "" {
		streamID = "stream"
	}
	callID := s.CallSID
	if callID == "" {
		callID = streamID
	}
	params := make(map[string]string, len(s.CustomParameters))
	for k, v := range s.CustomParameters {
		params[k] = v
	}
	return transports.StartRequest{
		CallID:       callID,
		StreamID:     streamID,
		CallerNumber: firstParam(params, "from", "From", "caller"),
		ForwardedTo:  firstParam(params, "to", "To", "forwardedTo"),
		Params:       params,
	}
}

func firstParam(params map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(params[k]); v != "" {
			return v
		}
	}
	return ""
}

type Media struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type Stop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

// sequence returns the envelope sequence number, then the media chunk number,
// then fallback.
func (e Event) sequence(fallback int64) int64 {
	if n, err := strconv.ParseInt(e.SequenceNumber, 10, 64); err == nil {
		return n
	}
	if e.Media != nil {
		if n, err := strconv.ParseInt(e.Media.Chunk, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
