// Package router feeds game events received over NATS into the narration
// pipeline and replies with the outcome.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/event"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const drainTimeout = 5 * time.Second

var requestJSON = sonic.Config{ValidateString: true, CopyString: true}.Froze()

type Narrator interface {
	Process(ctx context.Context, evt event.GameEvent) (pipeline.Result, error)
}

type Service struct {
	conn     *nats.Conn
	subject  string
	narrator Narrator
	logger   *slog.Logger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closing  bool
}

func NewService(parent context.Context, conn *nats.Conn, subject string, narrator Narrator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		conn:     conn,
		subject:  subject,
		narrator: narrator,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start joins the narrator queue group on the request subject so several
// instances share the load.
func (s *Service) Start() error {
	if s.subject == "" {
		return nil
	}
	sub, err := s.conn.QueueSubscribe(s.subject, protocol.QueueNarrators, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for narration requests", slog.String("subject", s.subject))
	return nil
}

// Close drains the subscription so requests already delivered are still
// answered, then waits for in-flight ones.
func (s *Service) Close() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("router failed to drain subscription", slogError(err))
		}
		deadline := time.Now().Add(drainTimeout)
		for s.sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	return s.subject == "" || (s.sub != nil && s.sub.IsValid())
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrationRequest
	if err := requestJSON.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode narration request", slogError(err))
		s.reply(msg, protocol.NarrationReply{Status: protocol.ReplyInvalid, Detail: "JSON decode error"})
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.reply(msg, protocol.NarrationReply{RequestID: req.RequestID, Status: protocol.ReplyInternal, Detail: "narrator shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		evt := event.GameEvent{Text: req.Text, Type: event.Type(req.Type), Voice: req.Voice}
		res, err := s.narrator.Process(s.ctx, evt)
		reply := Reply(evt, res, err)
		reply.RequestID = req.RequestID
		s.reply(msg, reply)
	}()
}

// Reply converts a pipeline outcome into its wire form.
func Reply(evt event.GameEvent, res pipeline.Result, err error) protocol.NarrationReply {
	var verr *event.ValidationError
	switch {
	case err == nil:
		return protocol.NarrationReply{
			Status:        protocol.ReplySuccess,
			AudioPath:     res.AudioPath,
			TextProcessed: res.TextProcessed,
		}
	case errors.As(err, &verr):
		return protocol.NarrationReply{Status: protocol.ReplyInvalid, Detail: verr.Error()}
	case errors.Is(err, voice.ErrVoiceNotFound):
		return protocol.NarrationReply{Status: protocol.ReplyVoiceNotFound, Detail: "Voice not found: " + evt.Normalize().Voice}
	case errors.Is(err, tts.ErrSynthesis):
		return protocol.NarrationReply{Status: protocol.ReplyTTSFailed, Detail: "TTS generation failed"}
	default:
		return protocol.NarrationReply{Status: protocol.ReplyInternal, Detail: "Internal server error"}
	}
}

func (s *Service) reply(msg *nats.Msg, reply protocol.NarrationReply) {
	if msg.Reply == "" {
		return
	}
	data, err := sonic.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
