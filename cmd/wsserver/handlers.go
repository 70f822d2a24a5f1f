package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/duet/roulette/internal/ban"
	"github.com/duet/roulette/internal/chat"
	"github.com/duet/roulette/internal/config"
	"github.com/duet/roulette/internal/matching"
	"github.com/duet/roulette/internal/messaging"
	"github.com/duet/roulette/internal/metrics"
	"github.com/duet/roulette/internal/moderation"
	"github.com/duet/roulette/internal/protocol"
	"github.com/duet/roulette/internal/ratelimit"
	"github.com/duet/roulette/internal/report"
	"github.com/duet/roulette/internal/session"
	"github.com/duet/roulette/internal/ws"
)

// backendTimeout bounds each Redis or NATS call made from a handler.
const backendTimeout = time.Second

// signaling wires the transport to the matching engine. Redis-backed
// pieces (sessions, limiter, bans) and NATS are nil when disabled.
type signaling struct {
	cfg        *config.Config
	engine     *matching.Engine
	server     *ws.Server
	dispatcher *ws.MessageDispatcher
	filter     *moderation.Filter
	buffer     *chat.MessageBuffer

	sessions *session.Store
	limiter  *ratelimit.Limiter
	bans     *ban.Store
	nats     *messaging.NATSClient
}

func (a *signaling) register() {
	d := a.dispatcher

	// -----------------------------------------------------------------------
	// find-match
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeFindMatch, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.FindMatchMsg)
		if !ok {
			return
		}
		if !a.allow(conn, ratelimit.RuleMatch, protocol.TypeFindMatch) {
			return
		}
		a.engine.FindMatch(conn.ID, a.profile(m.MergedProfile()))
	})

	// -----------------------------------------------------------------------
	// leave-room
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return
		}
		a.engine.LeaveRoom(conn.ID, m.RoomID, m.IsSkip)
	})

	// -----------------------------------------------------------------------
	// WebRTC signaling and media state, relayed verbatim
	// -----------------------------------------------------------------------
	d.Register(protocol.TypeOffer, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.OfferMsg); ok {
			a.engine.Relay(conn.ID, protocol.TypeOffer, m.RoomID, m)
		}
	})
	d.Register(protocol.TypeAnswer, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.AnswerMsg); ok {
			a.engine.Relay(conn.ID, protocol.TypeAnswer, m.RoomID, m)
		}
	})
	d.Register(protocol.TypeICECandidate, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.ICECandidateMsg); ok {
			a.engine.Relay(conn.ID, protocol.TypeICECandidate, m.RoomID, m)
		}
	})
	d.Register(protocol.TypeMediaToggle, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.MediaToggleMsg); ok {
			a.engine.Relay(conn.ID, protocol.TypeMediaToggle, m.RoomID, m)
		}
	})

	d.Register(protocol.TypeChatMessage, a.handleChat)
	d.Register(protocol.TypeReport, a.handleReport)
}

// profile converts the wire profile and screens the display name.
func (a *signaling) profile(p protocol.ProfileMsg) matching.Profile {
	return matching.Profile{
		DisplayName:        a.filter.CheckDisplayName(p.DisplayName),
		Gender:             p.Gender,
		GenderPreference:   p.GenderPreference,
		Country:            p.Country,
		PreferredCountries: p.PreferredCountries,
		CountryFilter:      p.CountryFilter,
	}
}

func (a *signaling) handleChat(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMessageMsg)
	if !ok {
		return
	}

	if err := chat.ValidateMessage(m.Message); err != nil {
		if !errors.Is(err, chat.ErrEmptyMessage) {
			a.dispatcher.SendError(conn, "invalid_message", err.Error())
		}
		return
	}
	if !a.allow(conn, ratelimit.RuleChat, protocol.TypeChatMessage) {
		return
	}
	if res := a.filter.Check(m.Message); res.Blocked {
		metrics.RelayedTotal.WithLabelValues(protocol.TypeChatMessage, "blocked").Inc()
		log.Printf("[chat] blocked message from session=%s reason=%s term=%q", conn.ID, res.Reason, res.Term)
		a.dispatcher.SendError(conn, "message_blocked", "message was not delivered")
		return
	}

	if !a.engine.Relay(conn.ID, protocol.TypeChatMessage, m.RoomID, protocol.ServerChatMsg{Message: m.Message}) {
		return
	}
	a.buffer.Add(m.RoomID, chat.BufferedMessage{From: conn.ID, Text: m.Message, At: time.Now()})

	// The room may have closed between the relay and the append.
	if _, ok := a.engine.Partner(conn.ID, m.RoomID); !ok {
		a.buffer.Remove(m.RoomID)
	}
}

func (a *signaling) handleReport(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportMsg)
	if !ok {
		return
	}
	if !report.ValidReason(m.Reason) {
		a.dispatcher.SendError(conn, "invalid_reason", "unknown report reason")
		return
	}
	partner, ok := a.engine.Partner(conn.ID, m.RoomID)
	if !ok {
		log.Printf("[report] dropped report from session=%s for room=%q: not a member", conn.ID, m.RoomID)
		return
	}

	r := report.New(m.RoomID, conn.ID, partner, m.Reason)
	r.Messages = a.buffer.Get(m.RoomID)
	r.Server = a.cfg.ServerName
	if pc := a.server.Connections().Get(partner); pc != nil {
		r.ReportedIP = pc.RemoteIP
	}

	if a.nats == nil {
		log.Printf("[report] NATS disabled, report %s from session=%s not forwarded", r.ID, conn.ID)
		return
	}
	data, err := r.Encode()
	if err != nil {
		log.Printf("[report] %v", err)
		return
	}
	if err := a.nats.PublishReport(data); err != nil {
		log.Printf("[report] publish %s: %v", r.ID, err)
		return
	}
	log.Printf("[report] session=%s reported partner in %s reason=%s", conn.ID, m.RoomID, m.Reason)
}

// allow applies a per-handle rate limit and tells the client when it is
// exceeded.
func (a *signaling) allow(conn *ws.Connection, rule ratelimit.Rule, msgType string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	ok, retryAfter, _ := a.limiter.Allow(ctx, conn.ID, rule)
	if ok {
		return true
	}
	metrics.RelayedTotal.WithLabelValues(msgType, "limited").Inc()
	a.dispatcher.SendRateLimited(conn, retryAfter)
	return false
}

// admit refuses banned addresses and addresses over the connect limit.
func (a *signaling) admit(ip string) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	banned, remaining, reason, err := a.bans.IsBanned(ctx, ip)
	if err != nil {
		log.Printf("[admit] ban lookup for %s: %v (failing open)", ip, err)
	}
	if banned {
		log.Printf("[admit] refused banned ip=%s reason=%s", ip, reason)
		if remaining <= 0 {
			remaining = time.Minute
		}
		return false, remaining
	}

	ok, retryAfter, _ := a.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
	return ok, retryAfter
}

// forwardEvents mirrors engine events to Redis and NATS and frees chat
// buffers of closed rooms. After ctx is cancelled it drains what is already
// queued and returns.
func (a *signaling) forwardEvents(ctx context.Context) {
	events := a.engine.Events()
	for {
		select {
		case ev := <-events:
			a.handleEvent(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-events:
					a.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *signaling) handleEvent(ev matching.Event) {
	if ev.Kind == matching.EventRoomClosed {
		a.buffer.Remove(ev.RoomID)
	}

	if a.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := a.sessions.Apply(ctx, ev); err != nil {
			log.Printf("[session] mirror %s for session=%s: %v", ev.Kind, ev.Handle, err)
		}
		cancel()
	}

	if a.nats == nil {
		return
	}
	var err error
	switch ev.Kind {
	case matching.EventRoomCreated:
		err = a.nats.PublishRoomCreated(messaging.RoomEvent{
			RoomID:  ev.RoomID,
			Handles: [2]string{ev.Handle, ev.Partner},
			Tier:    ev.Tier.String(),
			Server:  a.cfg.ServerName,
			At:      ev.At,
		})
	case matching.EventRoomClosed:
		err = a.nats.PublishRoomClosed(messaging.RoomEvent{
			RoomID:  ev.RoomID,
			Handles: [2]string{ev.Handle, ev.Partner},
			Skip:    ev.Skip,
			Server:  a.cfg.ServerName,
			At:      ev.At,
		})
	}
	if err != nil {
		log.Printf("[nats] publish %s for %s: %v", ev.Kind, ev.RoomID, err)
	}
}

// refreshSessions keeps the Redis mirror of live connections from expiring
// while they sit in long rooms without state changes.
func (a *signaling) refreshSessions(ctx context.Context) {
	ticker := time.NewTicker(session.SessionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range a.server.Connections().All() {
				rctx, cancel := context.WithTimeout(ctx, backendTimeout)
				if err := a.sessions.RefreshTTL(rctx, c.ID); err != nil {
					log.Printf("[session] refresh ttl session=%s: %v", c.ID, err)
				}
				cancel()
			}
		}
	}
}
