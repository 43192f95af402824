package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/duologue/matchbot/internal/control"
	"github.com/duologue/matchbot/internal/dedup"
	"github.com/duologue/matchbot/internal/matching"
	"github.com/duologue/matchbot/internal/messaging"
	"github.com/duologue/matchbot/internal/protocol"
	"github.com/duologue/matchbot/internal/rating"
)

// Service is the NATS front of the engine: it decodes transport actions,
// runs them through the action pipeline and reports rejections back to the
// acting user.
type Service struct {
	engine *Engine
	nats   *messaging.NATSClient
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates the action service.
func NewService(engine *Engine, nats *messaging.NATSClient) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		engine: engine,
		nats:   nats,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the action subject.
func (s *Service) Start() error {
	if err := s.nats.SubscribeActions(s.handleAction); err != nil {
		return err
	}
	log.Println("[engine] service started")
	return nil
}

// Stop cancels in-flight action handling.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[engine] service stopped")
}

func (s *Service) handleAction(data []byte) {
	msgType, payload, err := protocol.ParseAction(data)
	if err != nil {
		log.Printf("[engine] invalid action: %v", err)
		return
	}

	action := &Action{
		UserID:      actionUser(payload),
		Fingerprint: msgType,
		Payload:     payload,
	}

	pipeline := Pipeline{requireUser, s.dispatch}
	if err := pipeline.Run(s.ctx, action); err != nil {
		s.reportError(action.UserID, err)
	}
}

// requireUser rejects actions with no acting user before any effect runs.
func requireUser(_ context.Context, a *Action) error {
	if a.UserID == "" {
		return fmt.Errorf("engine: action %q without user_id", a.Fingerprint)
	}
	return nil
}

// dispatch routes the decoded action to the matching engine operation.
func (s *Service) dispatch(ctx context.Context, a *Action) error {
	switch msg := a.Payload.(type) {
	case protocol.SearchStartMsg:
		_, err := s.engine.StartSearch(ctx, msg.UserID, msg.MinRating)
		return err
	case protocol.SearchCancelMsg:
		return s.engine.CancelSearch(ctx, msg.UserID)
	case protocol.RelayMsg:
		_, err := s.engine.Relay(ctx, msg.UserID, msg.Text)
		return err
	case protocol.EndDialogMsg:
		return s.engine.EndDialog(ctx, msg.UserID)
	case protocol.ComplainMsg:
		return s.engine.Complain(ctx, msg.UserID, msg.Reason)
	case protocol.RateDialogMsg:
		_, err := s.engine.SubmitRating(ctx, msg.UserID, msg.DialogID, msg.Score)
		return err
	default:
		return fmt.Errorf("engine: unhandled action %T", msg)
	}
}

// reportError sends a caller-visible rejection back to the acting user.
func (s *Service) reportError(userID string, err error) {
	code := errorCode(err)
	if code == "internal" {
		log.Printf("[engine] action from %s failed: %v", userID, err)
	}
	if userID == "" {
		return
	}

	data, encErr := protocol.NewEvent(protocol.TypeActionError, protocol.ErrorMsg{
		Code:    code,
		Message: err.Error(),
	})
	if encErr != nil {
		return
	}
	if pubErr := s.nats.PublishUserEvent(userID, data); pubErr != nil {
		log.Printf("[engine] report error to %s: %v", userID, pubErr)
	}
}

// errorCode maps the engine's sentinel errors to wire codes. Anything
// unrecognized is an internal failure.
func errorCode(err error) string {
	switch {
	case errors.Is(err, dedup.ErrDuplicate):
		return "duplicate_action"
	case errors.Is(err, matching.ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, matching.ErrNotQueued):
		return "not_queued"
	case errors.Is(err, ErrNotInDialog):
		return "not_in_dialog"
	case errors.Is(err, ErrDeactivated):
		return "deactivated"
	case errors.Is(err, ErrSearchRateLimited), errors.Is(err, rating.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, rating.ErrInvalidDelta):
		return "invalid_score"
	case errors.Is(err, rating.ErrSessionNotTerminated):
		return "dialog_not_terminated"
	case errors.Is(err, rating.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, rating.ErrDuplicateRating):
		return "duplicate_rating"
	case errors.Is(err, control.ErrStaleHandle):
		return "stale_handle"
	default:
		return "internal"
	}
}

// actionUser extracts the acting user from any decoded action payload.
func actionUser(payload interface{}) string {
	switch msg := payload.(type) {
	case protocol.SearchStartMsg:
		return msg.UserID
	case protocol.SearchCancelMsg:
		return msg.UserID
	case protocol.RelayMsg:
		return msg.UserID
	case protocol.EndDialogMsg:
		return msg.UserID
	case protocol.ComplainMsg:
		return msg.UserID
	case protocol.RateDialogMsg:
		return msg.UserID
	default:
		return ""
	}
}
