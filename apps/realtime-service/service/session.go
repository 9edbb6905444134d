package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"goim-realtime/apps/realtime-service/dao"
	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/protocol"
)

// SessionState 会话状态
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	errAccessDenied      = protocol.NewError(protocol.CodeAccessDenied, "not a participant of this conversation")
	errNotInConversation = protocol.NewError(protocol.CodeNotInConversation, "join the conversation first")
	errNotAuthenticated  = protocol.NewError(protocol.CodeNotAuthenticated, "authentication required")
)

// Session 单条连接的状态机：Unauthenticated -> Authenticated -> Closed
// HandleFrame 只能由该连接的读协程调用，保证同一连接的事件按到达顺序处理
type Session struct {
	svc      *Service
	conn     Conn
	state    atomic.Int32
	identity auth.Identity
}

// State 当前状态
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Identity 认证后的用户身份
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Authenticate 校验连接时携带的token，失败时发送错误并以策略违规关闭连接
func (s *Session) Authenticate(ctx context.Context, token string) error {
	if s.State() != StateUnauthenticated {
		return fmt.Errorf("session already %s", s.State())
	}

	identity, err := s.svc.validator.ValidateSession(ctx, token)
	if err != nil || identity == nil {
		s.svc.log.Warn(ctx, "Session authentication failed", logger.F("connection_id", s.conn.ID()), logger.F("error", err))
		s.state.Store(int32(StateClosed))
		_ = s.conn.Send(protocol.ErrorEnvelope(protocol.NewError(protocol.CodeNotAuthenticated, "invalid or missing session token"), ""))
		s.conn.Close(websocket.ClosePolicyViolation, "not authenticated")
		if err == nil {
			err = auth.ErrInvalidToken
		}
		return err
	}

	s.identity = *identity
	ctx = logger.WithConnectionID(logger.WithUserID(ctx, identity.UserID), s.conn.ID())
	if err := s.svc.registry.Register(ctx, identity.UserID, s.conn); err != nil {
		s.state.Store(int32(StateClosed))
		s.conn.Close(websocket.CloseInternalServerErr, "registration failed")
		return err
	}
	s.state.Store(int32(StateAuthenticated))

	ready := protocol.MustEnvelope(protocol.TypeConnectionReady, protocol.ConnectionReady{
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
		ConnectionID: s.conn.ID(),
		ProcessID:    s.svc.registry.ProcessID(),
	})
	if err := s.conn.Send(ready); err != nil {
		s.svc.log.Warn(ctx, "Send connection_ready failed", logger.F("error", err))
	}
	s.svc.log.Info(ctx, "Session authenticated")
	return nil
}

// HandleFrame 处理一帧入站数据
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	env, err := protocol.ParseEnvelope(raw)

	switch s.State() {
	case StateClosed:
		return
	case StateUnauthenticated:
		// 未认证时无论帧是否合法都只回 not_authenticated
		s.reply(protocol.ErrorEnvelope(errNotAuthenticated.For(env.Type, ""), env.ID))
		return
	}
	if err != nil {
		s.reply(protocol.ErrorEnvelope(protocol.NewError(protocol.CodeInvalidPayload, err.Error()), ""))
		return
	}
	ctx = logger.WithConnectionID(logger.WithUserID(ctx, s.identity.UserID), s.conn.ID())

	ev, err := protocol.DecodeInbound(env)
	if err != nil {
		s.svc.log.Debug(ctx, "Invalid inbound payload", logger.F("type", string(env.Type)), logger.F("error", err))
		s.reply(protocol.ErrorEnvelope(protocol.AsError(err), env.ID))
		return
	}
	s.dispatch(ctx, env, ev)
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope, ev protocol.InboundEvent) {
	ctx, span := s.svc.tracer.Start(ctx, "realtime."+string(ev.Type()))
	defer span.End()
	span.SetAttributes(
		attribute.String("realtime.connection_id", s.conn.ID()),
		attribute.String("realtime.user_id", s.identity.UserID),
	)

	d := &dispatcher{s: s, ctx: ctx, env: env}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.svc.log.Error(ctx, "Event handler panic",
					logger.F("type", string(env.Type)), logger.F("panic", r), logger.F("stack", string(debug.Stack())))
				err = protocol.NewError(protocol.CodeInternalError, "internal error")
			}
		}()
		return ev.Accept(d)
	}()
	if err == nil {
		return
	}

	if errors.Is(err, ErrConnectionGone) {
		return
	}
	pe := protocol.AsError(err).For(env.Type, d.conversationID)
	if pe.Code == protocol.CodeInternalError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.svc.log.Error(ctx, "Event handling failed", logger.F("type", string(env.Type)), logger.F("error", err))
	}
	s.reply(protocol.ErrorEnvelope(pe, env.ID))
}

// reply 发送给本连接
func (s *Session) reply(env protocol.Envelope) {
	if err := s.conn.Send(env); err != nil {
		s.svc.log.Debug(context.Background(), "Reply dropped", logger.F("connection_id", s.conn.ID()), logger.F("error", err))
	}
}

// Close 进入Closed状态并同步注销连接
func (s *Session) Close(ctx context.Context) {
	prev := SessionState(s.state.Swap(int32(StateClosed)))
	if prev == StateAuthenticated {
		s.svc.registry.Unregister(ctx, s.conn.ID())
		s.svc.log.Info(ctx, "Session closed", logger.F("connection_id", s.conn.ID()), logger.F("user_id", s.identity.UserID))
	}
}

// dispatcher 已认证连接的事件分发表
type dispatcher struct {
	s              *Session
	ctx            context.Context
	env            protocol.Envelope
	conversationID string
}

var _ protocol.InboundVisitor = (*dispatcher)(nil)

func (d *dispatcher) VisitJoinConversation(e protocol.JoinConversation) error {
	d.conversationID = e.ConversationID
	if err := d.requireParticipant(e.ConversationID); err != nil {
		return err
	}
	if err := d.s.svc.registry.Join(d.ctx, d.s.conn.ID(), e.ConversationID); err != nil {
		return err
	}

	d.s.reply(protocol.MustEnvelope(protocol.TypeJoinedConversation, protocol.ConversationRef{ConversationID: e.ConversationID}).WithID(d.env.ID))
	d.broadcast(e.ConversationID, protocol.MustEnvelope(protocol.TypeParticipantJoined, d.participantEvent(e.ConversationID)))
	return nil
}

func (d *dispatcher) VisitLeaveConversation(e protocol.LeaveConversation) error {
	d.conversationID = e.ConversationID
	if err := d.s.svc.registry.Leave(d.ctx, d.s.conn.ID(), e.ConversationID); err != nil {
		return err
	}

	d.s.reply(protocol.MustEnvelope(protocol.TypeLeftConversation, protocol.ConversationRef{ConversationID: e.ConversationID}).WithID(d.env.ID))
	d.broadcast(e.ConversationID, protocol.MustEnvelope(protocol.TypeParticipantLeft, d.participantEvent(e.ConversationID)))
	return nil
}

func (d *dispatcher) VisitTyping(e protocol.Typing) error {
	d.conversationID = e.ConversationID
	if !d.s.svc.registry.IsJoined(d.s.conn.ID(), e.ConversationID) {
		return errNotInConversation
	}
	d.broadcast(e.ConversationID, protocol.MustEnvelope(e.Type(), d.participantEvent(e.ConversationID)))
	return nil
}

func (d *dispatcher) VisitCreateMessage(e protocol.CreateMessage) error {
	d.conversationID = e.ConversationID
	if !d.s.svc.registry.IsJoined(d.s.conn.ID(), e.ConversationID) {
		return errNotInConversation
	}

	stored, err := d.s.svc.messages.PersistMessage(d.ctx, &model.NewMessage{
		ConversationID: e.ConversationID,
		AuthorID:       d.s.identity.UserID,
		AuthorName:     d.s.identity.DisplayName,
		Content:        e.Content,
		Type:           e.MessageType,
		ReplyToID:      e.ReplyToID,
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	msg := stored.ToProtocol()
	out, err := protocol.NewEnvelope(protocol.TypeMessageCreated, msg)
	if err != nil {
		return err
	}
	d.broadcast(e.ConversationID, out)
	// 发送方通过确认路径收到自己的消息，而不是扇出路径
	d.s.reply(out.WithID(d.env.ID))
	d.s.svc.publisher.PublishMessageCreated(d.ctx, msg)
	return nil
}

func (d *dispatcher) VisitPing(protocol.Ping) error {
	d.s.reply(protocol.MustEnvelope(protocol.TypePong, nil).WithID(d.env.ID))
	return nil
}

func (d *dispatcher) VisitConversationCreated(e protocol.ConversationCreated) error {
	d.conversationID = e.ConversationID
	userID := d.s.identity.UserID

	var detail *protocol.Conversation
	err := d.s.svc.retry(d.ctx, func() (bool, error) {
		conv, err := d.s.svc.conversations.ConversationDetail(d.ctx, e.ConversationID)
		if err != nil {
			if errors.Is(err, dao.ErrConversationNotFound) {
				return false, nil
			}
			return false, err
		}
		if hasParticipant(conv, userID) {
			detail = conv
			return true, nil
		}
		return false, nil
	})
	if detail == nil {
		if err != nil {
			return fmt.Errorf("conversation detail: %w", err)
		}
		return errAccessDenied
	}

	if err := d.s.svc.registry.Join(d.ctx, d.s.conn.ID(), e.ConversationID); err != nil {
		return err
	}

	payload := protocol.ConversationPayload{Conversation: *detail}
	d.s.reply(protocol.MustEnvelope(protocol.TypeConversationConfirmed, payload).WithID(d.env.ID))

	userIDs := make([]string, 0, len(detail.Participants))
	for _, p := range detail.Participants {
		userIDs = append(userIDs, p.UserID)
	}
	res := d.s.svc.broadcaster.BroadcastToUsers(d.ctx, userIDs, protocol.MustEnvelope(protocol.TypeConversationCreated, payload), userID)
	d.logFanout(res)
	return nil
}

// requireParticipant 成员校验，带有限次重试
func (d *dispatcher) requireParticipant(conversationID string) error {
	userID := d.s.identity.UserID
	member := false
	err := d.s.svc.retry(d.ctx, func() (bool, error) {
		ids, err := d.s.svc.conversations.Participants(d.ctx, conversationID)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id == userID {
				member = true
				return true, nil
			}
		}
		return false, nil
	})
	if member {
		return nil
	}
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	return errAccessDenied
}

func (d *dispatcher) participantEvent(conversationID string) protocol.ParticipantEvent {
	return protocol.ParticipantEvent{
		ConversationID: conversationID,
		UserID:         d.s.identity.UserID,
		DisplayName:    d.s.identity.DisplayName,
	}
}

// broadcast 扇出给其他参与者，失败不影响发送方
func (d *dispatcher) broadcast(conversationID string, env protocol.Envelope) {
	res, err := d.s.svc.broadcaster.Broadcast(d.ctx, conversationID, env, d.s.identity.UserID)
	if err != nil {
		d.s.svc.log.Warn(d.ctx, "Broadcast failed",
			logger.F("conversation_id", conversationID), logger.F("type", string(env.Type)), logger.F("error", err))
		return
	}
	d.logFanout(res)
}

func (d *dispatcher) logFanout(res BroadcastResult) {
	if res.Failed > 0 || res.Degraded {
		d.s.svc.log.Warn(d.ctx, "Fanout incomplete",
			logger.F("type", string(d.env.Type)),
			logger.F("conversation_id", d.conversationID),
			logger.F("delivered", res.Delivered),
			logger.F("forwarded", res.Forwarded),
			logger.F("failed", res.Failed),
			logger.F("degraded", res.Degraded))
	}
}

func hasParticipant(conv *protocol.Conversation, userID string) bool {
	for _, p := range conv.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
