package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/frames"
	"github.com/harunnryd/callpilot/pkg/logging"
	"github.com/harunnryd/callpilot/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Config is decoded from stt.settings.
type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Endpointing    string `mapstructure:"endpointing"`
}

type StreamingSTT struct {
	cfg  Config
	call stt.Config

	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	writeMu    sync.Mutex

	utt     stt.Utterance
	emitter *stt.Emitter
	closing atomic.Bool
	failed  atomic.Bool
	logger  *slog.Logger
}

func New(cfg Config, call stt.Config) *StreamingSTT {
	if call.SampleRate == 0 {
		call.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if call.Language != "" {
		cfg.Language = call.Language
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt").With("call_id", call.CallSID)
	return &StreamingSTT{
		cfg:     cfg,
		call:    call,
		emitter: stt.NewEmitter(call, "deepgram", 256, logger),
		logger:  logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("deepgram: api_key is required"), errorsx.ReasonSTTConnect)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     s.call.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}
	if s.cfg.Endpointing != "" {
		transcriptOptions.Endpointing = s.cfg.Endpointing
	}

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error", "error", err)
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient
	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	s.logger.Info("deepgram_connected", "model", s.cfg.Model, "sample_rate", s.call.SampleRate)

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && !s.closing.Load() {
			s.logger.Error("deepgram_stream_error", "error", err)
			s.fail("stream_error")
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.emitter.Close()
	s.logger.Debug("deepgram_closed")
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errors.New("not started")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Flush() string { return s.utt.Finish() }

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.emitter.C() }

func (s *StreamingSTT) fail(reason string) {
	if s.closing.Load() || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.emitter.Error(reason)
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

// Message handles segment results. is_final commits a segment of the current
// utterance; speech_final closes it.
func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	text := ""
	if len(mr.Channel.Alternatives) > 0 {
		text = mr.Channel.Alternatives[0].Transcript
	}
	p := c.parent
	switch {
	case mr.IsFinal && mr.SpeechFinal:
		p.utt.Commit(text)
		if final := p.emitter.FinishUtterance(&p.utt); final != "" {
			p.logger.Debug("transcript_final", "text", redact.Text(final))
		}
	case mr.IsFinal:
		if partial := p.utt.Commit(text); partial != "" {
			p.emitter.Partial(partial)
		}
	case text != "":
		p.emitter.Partial(p.utt.Interim(text))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

// UtteranceEnd fires after a silence gap when speech_final never arrived.
func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	p := c.parent
	p.emitter.FinishUtterance(&p.utt)
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	if c.parent.closing.Load() {
		return nil
	}
	c.parent.logger.Warn("deepgram_connection_dropped", "reason_code", string(errorsx.ReasonSTTStream))
	c.parent.fail("connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		"error_code", er.ErrCode,
		"error_message", er.ErrMsg,
		"reason_code", string(errorsx.ReasonSTTStream))
	c.parent.fail(er.ErrCode)
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", "bytes", len(byData))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
