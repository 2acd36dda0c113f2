package googlestt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harunnryd/callpilot/pkg/adapters/stt"
	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/frames"
	"github.com/harunnryd/callpilot/pkg/logging"
)

const speechAPIEndpointPort = 443

// Config is decoded from stt.settings.
type Config struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Location        string `mapstructure:"location"`
	Model           string `mapstructure:"model"`
	Language        string `mapstructure:"language"`
}

// StreamingSTT streams LINEAR16 mono audio to Cloud Speech-to-Text v2.
type StreamingSTT struct {
	cfg  Config
	call stt.Config

	mu      sync.Mutex
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	failed  atomic.Bool

	utt     stt.Utterance
	emitter *stt.Emitter
	logger  *slog.Logger
}

func New(cfg Config, call stt.Config) *StreamingSTT {
	if call.SampleRate == 0 {
		call.SampleRate = 16000
	}
	if strings.TrimSpace(cfg.Location) == "" {
		cfg.Location = "global"
	}
	if cfg.Model == "" {
		cfg.Model = "telephony"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if call.Language != "" {
		cfg.Language = call.Language
	}
	logger := logging.NewComponentLogger(slog.Default(), "google_stt").With("call_id", call.CallSID)
	return &StreamingSTT{
		cfg:     cfg,
		call:    call,
		emitter: stt.NewEmitter(call, "google", 256, logger),
		logger:  logger,
	}
}

func (s *StreamingSTT) Name() string { return "google_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.ProjectID == "" {
		return errorsx.Wrap(errors.New("google stt: project_id is required"), errorsx.ReasonSTTConnect)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	detect := &credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	if s.cfg.CredentialsJSON != "" {
		detect.CredentialsJSON = []byte(s.cfg.CredentialsJSON)
	}
	creds, err := credentials.DetectDefault(detect)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "detect credentials: %w", err)
	}
	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if s.cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", s.cfg.Location, speechAPIEndpointPort)))
	}
	client, err := speech.NewClient(s.ctx, opts...)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	stream, err := s.openStream(client)
	if err != nil {
		_ = client.Close()
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.mu.Lock()
	s.client = client
	s.stream = stream
	s.mu.Unlock()
	go s.receive(stream)
	s.logger.Info("google_stt_connected", "location", s.cfg.Location, "model", s.cfg.Model)
	return nil
}

func (s *StreamingSTT) openStream(client *speech.Client) (speechpb.Speech_StreamingRecognizeClient, error) {
	stream, err := client.StreamingRecognize(s.ctx)
	if err != nil {
		return nil, err
	}
	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", s.cfg.ProjectID, s.cfg.Location)
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         s.cfg.Model,
					LanguageCodes: []string{s.cfg.Language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(s.call.SampleRate),
							AudioChannelCount: 1,
						},
					},
					Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	})
	if err != nil {
		_ = stream.CloseSend()
		return nil, err
	}
	return stream, nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil || s.closing.Load() {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: frame.RawPayload()},
	}
	err := s.stream.Send(req)
	if err == nil {
		return nil
	}
	if !isReconnectableStreamError(err) {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	// Streams are capped at five minutes; a call outlives that routinely.
	s.logger.Info("google_stt_reconnecting", "error", err)
	_ = s.stream.CloseSend()
	next, err := s.openStream(s.client)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSTTConnect, "reconnect stream: %w", err)
	}
	s.stream = next
	go s.receive(next)
	return s.stream.Send(req)
}

func (s *StreamingSTT) receive(stream speechpb.Speech_StreamingRecognizeClient) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if s.closing.Load() || err == io.EOF || status.Code(err) == codes.Canceled {
				return
			}
			if isReconnectableStreamError(err) {
				s.logger.Debug("google_stt_stream_rotated", "error", err)
				return
			}
			s.logger.Error("google_stt_receive_error", "error", err, "reason_code", string(errorsx.ReasonSTTStream))
			if s.failed.CompareAndSwap(false, true) {
				s.emitter.Error(status.Code(err).String())
			}
			return
		}
		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			text := result.GetAlternatives()[0].GetTranscript()
			if result.GetIsFinal() {
				s.utt.Commit(text)
				s.emitter.FinishUtterance(&s.utt)
				continue
			}
			if text != "" {
				s.emitter.Partial(s.utt.Interim(text))
			}
		}
	}
}

func (s *StreamingSTT) Flush() string { return s.utt.Finish() }

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.emitter.C() }

func (s *StreamingSTT) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.stream != nil {
		err = s.stream.CloseSend()
	}
	if s.client != nil {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.emitter.Close()
	return err
}

func isReconnectableStreamError(err error) bool {
	if err == io.EOF {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
