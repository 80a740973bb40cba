package server

import (
	"context"
	"errors"
	"fmt"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"romer_sequencer/internal/protocol/session"
	"romer_sequencer/internal/utils/log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errLogout       = errors.New("session logged out")
	errLogonRefused = errors.New("logon refused")
	errProtocol     = errors.New("protocol violation")
)

// router turns decoded messages into session manager calls for one
// connection. It only runs on the connection's read goroutine.
type router struct {
	srv       *Server
	conn      *Connection
	sessionID uuid.UUID
}

func newRouter(srv *Server, conn *Connection) *router {
	return &router{srv: srv, conn: conn}
}

// dispatch returns a non-nil error when the connection must close.
func (r *router) dispatch(ctx context.Context, msg *model.ValidatedMessage) error {
	if r.sessionID == uuid.Nil {
		return r.logon(ctx, msg)
	}

	if msg.Type == model.MsgTypeLogon {
		return r.logout(ctx, "Logon received on an established session", errProtocol)
	}
	if msg.Type == model.MsgTypeLogout {
		if err := r.srv.manager.HandleMessage(ctx, r.sessionID, msg); err != nil {
			log.Debug("logout not sequenced", zap.String("session", r.sessionID.String()), zap.Error(err))
		}
		return r.logout(ctx, "Logout acknowledged", errLogout)
	}
	if err := fix.CheckSendingTime(msg.SendingTime, r.srv.now(), r.srv.cfg.MaxClockSkew); err != nil {
		log.Debug("stale SendingTime", zap.String("session", r.sessionID.String()), zap.Error(err))
		return r.check(ctx, msg, r.srv.manager.RejectMessage(ctx, r.sessionID, msg, "SendingTime outside accepted window"))
	}

	switch msg.Type {
	case model.MsgTypeTestRequest:
		if err := r.check(ctx, msg, r.srv.manager.HandleMessage(ctx, r.sessionID, msg)); err != nil {
			return err
		}
		fields, err := fix.ParseFields(msg.Raw)
		if err != nil {
			return err
		}
		hb := fix.NewMessage(model.MsgTypeHeartbeat)
		if id, ok := fields.Get(fix.TagTestReqID); ok {
			hb.Set(fix.TagTestReqID, id)
		}
		return r.send(ctx, hb)

	case model.MsgTypeSequenceReset:
		s, err := r.srv.manager.Session(r.sessionID)
		if err != nil {
			return err
		}
		if s.State == session.ResyncRequired {
			return r.resync(ctx, msg)
		}
	}

	if !msg.Type.IsAdmin() {
		fields, err := fix.ParseFields(msg.Raw)
		if err != nil {
			return err
		}
		if verr := fix.ValidateApplication(msg.Type, fields); verr != nil {
			return r.check(ctx, msg, r.srv.manager.RejectMessage(ctx, r.sessionID, msg, verr.Error()))
		}
	}
	return r.check(ctx, msg, r.srv.manager.HandleMessage(ctx, r.sessionID, msg))
}

func (r *router) logon(ctx context.Context, msg *model.ValidatedMessage) error {
	if msg.Type != model.MsgTypeLogon {
		return r.refuse(ctx, msg, "first message must be Logon")
	}

	fields, err := fix.ParseFields(msg.Raw)
	if err != nil {
		return err
	}
	heartbeat, publicKey, reason := r.validateLogon(msg, fields)
	if reason != "" {
		return r.refuse(ctx, msg, reason)
	}

	m := r.srv.manager
	id, err := m.CreateSession(msg.SenderID, msg.TargetID, heartbeat, publicKey)
	if err != nil {
		return r.refuse(ctx, msg, "session already active")
	}
	if err := m.BeginAuthentication(id); err != nil {
		_ = m.TerminateSession(id)
		return err
	}
	if err := m.Authenticate(id, fields); err != nil {
		_ = m.TerminateSession(id)
		log.Warn("logon authentication failed", zap.String("sender", msg.SenderID), zap.Error(err))
		return r.refuse(ctx, msg, "authentication failed")
	}

	r.sessionID = id
	r.conn.setSession(id, msg.SenderID, heartbeat)
	r.srv.bind(id, r.conn)

	if err := m.HandleMessage(ctx, id, msg); err != nil {
		var seqErr *session.SequenceError
		if errors.As(err, &seqErr) {
			return r.logout(ctx, sequenceText(seqErr), err)
		}
		return r.logout(ctx, "logon not accepted", err)
	}

	ack := fix.NewMessage(model.MsgTypeLogon).
		SetInt(fix.TagEncryptMethod, 0).
		SetInt(fix.TagHeartBtInt, int64(heartbeat/time.Second))
	if err := r.send(ctx, ack); err != nil {
		return err
	}
	log.Info("participant logged on",
		zap.String("sender", msg.SenderID),
		zap.String("session", id.String()),
		zap.Duration("heartbeat", heartbeat))
	return nil
}

// validateLogon returns a non-empty reason when the Logon must be refused
// before a session is created.
func (r *router) validateLogon(msg *model.ValidatedMessage, fields fix.Fields) (time.Duration, []byte, string) {
	cfg := r.srv.cfg
	if msg.BeginString != cfg.BeginString {
		return 0, nil, "unsupported BeginString " + msg.BeginString
	}
	if cfg.CompID != "" && msg.TargetID != cfg.CompID {
		return 0, nil, "unknown TargetCompID " + msg.TargetID
	}
	if err := fix.CheckSendingTime(msg.SendingTime, r.srv.now(), cfg.MaxClockSkew); err != nil {
		return 0, nil, "SendingTime outside accepted window"
	}

	secs, err := fields.Int(fix.TagHeartBtInt)
	if err != nil {
		return 0, nil, "missing or invalid HeartBtInt"
	}
	heartbeat := time.Duration(secs) * time.Second
	if heartbeat <= 0 ||
		(cfg.MinHeartbeat > 0 && heartbeat < cfg.MinHeartbeat) ||
		(cfg.MaxHeartbeat > 0 && heartbeat > cfg.MaxHeartbeat) {
		return 0, nil, fmt.Sprintf("HeartBtInt %d out of range", secs)
	}

	publicKey, ok := r.srv.keys.LookupKey(msg.SenderID)
	if !ok {
		return 0, nil, "unknown SenderCompID " + msg.SenderID
	}
	return heartbeat, publicKey, ""
}

func (r *router) resync(ctx context.Context, msg *model.ValidatedMessage) error {
	fields, err := fix.ParseFields(msg.Raw)
	if err != nil {
		return err
	}
	newSeq, err := fields.Int(fix.TagNewSeqNo)
	if err != nil {
		return r.logout(ctx, "SequenceReset without NewSeqNo", err)
	}
	if err := r.srv.manager.Resync(r.sessionID, newSeq); err != nil {
		return r.logout(ctx, "SequenceReset refused", err)
	}
	log.Info("session resynced", zap.String("session", r.sessionID.String()), zap.Uint64("next_seq", newSeq))
	return nil
}

// check maps a manager error to the session-level response. Sequence gaps
// end the session; a stalled batcher leaves it waiting for a SequenceReset.
func (r *router) check(ctx context.Context, msg *model.ValidatedMessage, err error) error {
	if err == nil {
		return nil
	}

	var seqErr *session.SequenceError
	switch {
	case errors.As(err, &seqErr):
		return r.logout(ctx, sequenceText(seqErr), err)
	case errors.Is(err, session.ErrForwardFailed), errors.Is(err, session.ErrSessionNotActive):
		reject := fix.NewMessage(model.MsgTypeReject).
			Set(fix.TagRefSeqNum, strconv.FormatUint(msg.SeqNum, 10)).
			Set(fix.TagRefMsgType, msg.TypeCode).
			Set(fix.TagText, "message not sequenced, SequenceReset required")
		return r.send(ctx, reject)
	}
	return err
}

func (r *router) send(ctx context.Context, msg *fix.Message) error {
	return r.srv.manager.Send(ctx, r.sessionID, msg)
}

// logout says goodbye on the live session, terminates it and returns cause.
func (r *router) logout(ctx context.Context, text string, cause error) error {
	if r.sessionID == uuid.Nil {
		return cause
	}
	if err := r.send(ctx, fix.NewMessage(model.MsgTypeLogout).Set(fix.TagText, text)); err != nil {
		log.Debug("logout not delivered", zap.String("session", r.sessionID.String()), zap.Error(err))
	}
	r.close()
	return cause
}

// refuse answers a Logon that never produced a session. The Logout carries
// our own sequence number 1 since no session exists to stamp it.
func (r *router) refuse(ctx context.Context, msg *model.ValidatedMessage, reason string) error {
	metrics.SessionEvents.WithLabelValues("logon_refused").Inc()
	log.Warn("logon refused",
		zap.String("sender", msg.SenderID),
		zap.String("remote", r.conn.conn.RemoteAddr().String()),
		zap.String("reason", reason))

	out := fix.NewMessage(model.MsgTypeLogout)
	out.BeginString = r.srv.cfg.BeginString
	out.SenderID = r.srv.cfg.CompID
	out.TargetID = msg.SenderID
	out.SeqNum = 1
	out.SendingTime = r.srv.now()
	out.Set(fix.TagText, reason)

	frame, err := out.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.srv.cfg.WriteTimeout)
	defer cancel()
	if err := r.conn.enqueue(ctx, frame); err != nil {
		log.Debug("refusal not delivered", zap.Error(err))
	}
	return fmt.Errorf("%w: %s", errLogonRefused, reason)
}

// abort ends the session after a framing or parse error.
func (r *router) abort(ctx context.Context, reason string) {
	_ = r.logout(ctx, reason, nil)
}

// close terminates the bound session, if any. Safe to call repeatedly.
func (r *router) close() {
	if r.sessionID == uuid.Nil {
		return
	}
	id := r.sessionID
	r.sessionID = uuid.Nil
	r.srv.unbind(id, r.conn)
	if err := r.srv.manager.TerminateSession(id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Error("terminate session failed", zap.String("session", id.String()), zap.Error(err))
	}
}

func sequenceText(err *session.SequenceError) string {
	return fmt.Sprintf("MsgSeqNum out of sequence, expected %d received %d", err.Expected, err.Received)
}
