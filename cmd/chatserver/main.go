package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kindline/chat-app/internal/auth"
	"github.com/kindline/chat-app/internal/config"
	"github.com/kindline/chat-app/internal/history"
	"github.com/kindline/chat-app/internal/httpapi"
	"github.com/kindline/chat-app/internal/message"
	"github.com/kindline/chat-app/internal/messaging"
	"github.com/kindline/chat-app/internal/metrics"
	"github.com/kindline/chat-app/internal/moderation"
	"github.com/kindline/chat-app/internal/protocol"
	"github.com/kindline/chat-app/internal/ratelimit"
	"github.com/kindline/chat-app/internal/room"
	"github.com/kindline/chat-app/internal/search"
	"github.com/kindline/chat-app/internal/session"
	"github.com/kindline/chat-app/internal/storage"
	"github.com/kindline/chat-app/internal/ws"
)

// roomEnvelope wraps a server event for NATS fanout. Target/exclude let a
// publisher address one connection or skip the originator; CloseAfter asks
// the owning instance to close the target after delivery (used for session
// supersession).
type roomEnvelope struct {
	TargetConn  string          `json:"target_conn,omitempty"`
	ExcludeConn string          `json:"exclude_conn,omitempty"`
	CloseAfter  bool            `json:"close_after,omitempty"`
	Data        json.RawMessage `json:"data"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := storage.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	if cfg.ServerName != "" {
		natsConfig.Name = cfg.ServerName
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var sessions session.Store
	switch cfg.SessionBackend {
	case "redis":
		redisStore, err := session.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	default:
		sessions = session.NewMemoryStore()
	}

	searchIndex, err := search.Open(cfg.SearchIndexDir)
	if err != nil {
		log.Fatalf("failed to open search index: %v", err)
	}
	defer searchIndex.Close()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	rooms := room.NewResolver(db)
	messages := message.NewStore(db)
	histories := history.NewService(db)
	gate := moderation.NewGate(moderation.NewNATSAnalyzer(natsClient), cfg.AnalyzerTimeout)

	log.Printf("chat gateway starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  session_backend: %s", cfg.SessionBackend)
	log.Printf("  search_index:    %s", cfg.SearchIndexDir)

	// Declared early so handler closures can capture it.
	var server *ws.Server

	// broadcast publishes a server event to every member of a room.
	broadcast := func(roomID string, eventType string, payload interface{}) {
		broadcastEnvelope(natsClient, roomID, eventType, payload, "", "", false)
	}

	// broadcastExcept skips the originating connection.
	broadcastExcept := func(roomID, excludeConn, eventType string, payload interface{}) {
		broadcastEnvelope(natsClient, roomID, eventType, payload, "", excludeConn, false)
	}

	sendTo := func(conn *ws.Connection, eventType string, payload interface{}) {
		data, err := protocol.NewServerEvent(eventType, payload)
		if err != nil {
			log.Printf("[send] build %s for conn=%s: %v", eventType, conn.ID, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[send] write %s to conn=%s: %v", eventType, conn.ID, err)
		}
	}

	sendError := func(conn *ws.Connection, code, msg string) {
		sendTo(conn, protocol.TypeError, protocol.NewErrorEvent(code, msg))
	}

	sendMessageError := func(conn *ws.Connection, optimisticID, code, msg string) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		sendTo(conn, protocol.TypeMessageError, protocol.MessageErrorEvent{
			OptimisticID: optimisticID,
			Code:         code,
			Error:        msg,
		})
	}

	// requireSession loads and revalidates the caller's join state: a live
	// session plus a fresh membership check on every message-affecting
	// event. Revoked pairings take effect mid-connection.
	requireSession := func(ctx context.Context, conn *ws.Connection) (*session.Session, bool, string) {
		sess, err := sessions.Get(ctx, conn.ID)
		if err != nil {
			log.Printf("[session] lookup conn=%s: %v", conn.ID, err)
			return nil, false, protocol.CodeServerError
		}
		if sess == nil {
			return nil, false, protocol.CodeNotInRoom
		}
		member, err := rooms.VerifyMembership(ctx, sess.UserID, sess.RoomID)
		if err != nil {
			log.Printf("[session] membership conn=%s: %v", conn.ID, err)
			return nil, false, protocol.CodeServerError
		}
		if !member {
			rollbackJoin(ctx, sessions, natsClient, conn.ID)
			return nil, false, protocol.CodeMembershipInvalid
		}
		return sess, true, ""
	}

	// subscribeRoom wires a connection into its room's NATS fanout.
	subscribeRoom := func(conn *ws.Connection, roomID string) error {
		connID := conn.ID
		return natsClient.SubscribeRoom(roomID, connID, func(data []byte) {
			var env roomEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("[room-sub] unmarshal for conn=%s: %v", connID, err)
				return
			}
			if env.TargetConn != "" && env.TargetConn != connID {
				return
			}
			if env.ExcludeConn == connID {
				return
			}
			if err := server.SendMessage(connID, env.Data); err != nil {
				log.Printf("[room-sub] deliver to conn=%s: %v", connID, err)
			}
			if env.CloseAfter && env.TargetConn == connID {
				if c := server.Connections().Get(connID); c != nil {
					server.RemoveConnection(c)
				}
			}
		})
	}

	// broadcastRoster recomputes and broadcasts the live roster: the
	// members with an active session in the room.
	broadcastRoster := func(ctx context.Context, roomID string) {
		live, err := sessions.ListByRoom(ctx, roomID)
		if err != nil {
			log.Printf("[roster] list room=%s: %v", roomID, err)
			return
		}
		roster := make([]string, 0, len(live))
		for _, s := range live {
			roster = append(roster, s.Email)
		}
		broadcast(roomID, protocol.TypeRosterUpdated, protocol.RosterUpdatedEvent{
			RoomID: roomID,
			Roster: roster,
		})
	}

	limiter := ratelimit.NewLimiter()
	dispatcher := ws.NewDispatcher(limiter)

	// -----------------------------------------------------------------------
	// join — enter the caller's room, superseding any previous session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, ratelimit.RuleJoin, func(conn *ws.Connection, _ interface{}) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		identity := conn.Identity
		rm, err := rooms.ResolveRoom(ctx, identity.UserID)
		if errors.Is(err, room.ErrNoRoom) {
			sendError(conn, protocol.CodeMembershipInvalid, "no active room for this account")
			return
		}
		if err != nil {
			// Fail closed: an indeterminate membership check denies the join.
			log.Printf("[join] resolve room user=%s: %v", identity.Email, err)
			sendError(conn, protocol.CodeServerError, "could not verify room membership")
			return
		}

		evicted, err := sessions.Put(ctx, &session.Session{
			ConnectionID: conn.ID,
			UserID:       identity.UserID,
			Email:        identity.Email,
			RoomID:       rm.ID,
			JoinedAt:     time.Now().UnixMilli(),
		})
		if err != nil {
			log.Printf("[join] session put conn=%s: %v", conn.ID, err)
			sendError(conn, protocol.CodeServerError, "could not register session")
			return
		}

		// The newest join wins: the superseded connection gets a notice
		// and is closed by whichever instance owns it.
		if evicted != nil && evicted.ConnectionID != conn.ID {
			notifySuperseded(natsClient, evicted)
		} else if evicted == nil {
			metrics.SessionsActive.Inc()
		}

		// Any failure past this point undoes the registration: the client
		// saw a failed join, so the server must not keep a session for it.
		if err := subscribeRoom(conn, rm.ID); err != nil {
			log.Printf("[join] subscribe conn=%s room=%s: %v", conn.ID, rm.ID, err)
			sendError(conn, protocol.CodeServerError, "could not join room")
			rollbackJoin(ctx, sessions, natsClient, conn.ID)
			return
		}

		snapshot, hasMore, err := histories.Snapshot(ctx, rm.ID)
		if err != nil {
			log.Printf("[join] snapshot room=%s: %v", rm.ID, err)
			sendError(conn, protocol.CodeServerError, "could not load history")
			rollbackJoin(ctx, sessions, natsClient, conn.ID)
			return
		}
		members, err := rooms.Members(ctx, rm.ID)
		if err != nil {
			log.Printf("[join] members room=%s: %v", rm.ID, err)
			sendError(conn, protocol.CodeServerError, "could not load roster")
			rollbackJoin(ctx, sessions, natsClient, conn.ID)
			return
		}

		sendTo(conn, protocol.TypeJoinSuccess, protocol.JoinSuccessEvent{
			RoomID:   rm.ID,
			RoomName: rm.Name,
			Roster:   members,
			Messages: message.ToWireSlice(snapshot, members),
			HasMore:  hasMore,
		})

		notice := &message.Message{
			RoomID: rm.ID,
			Sender: identity.Email,
			Kind:   message.KindSystem,
			Text:   fmt.Sprintf("%s joined the conversation", identity.Email),
		}
		if err := messages.Create(ctx, notice); err != nil {
			log.Printf("[join] join notice room=%s: %v", rm.ID, err)
		} else {
			broadcast(rm.ID, protocol.TypeNewMessage, protocol.NewMessageEvent{
				Message: notice.ToWire(""),
			})
		}

		broadcastRoster(ctx, rm.ID)
		log.Printf("join user=%s room=%s conn=%s", identity.Email, rm.ID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// send_message — validate, persist, ack, broadcast
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, ratelimit.RuleSendMessage, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.SendMessageEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		start := time.Now()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendMessageError(conn, ev.OptimisticID, code, "not joined to a room")
			return
		}

		// A room needs both parties provisioned before it can carry
		// messages; a lone member can read history but not send.
		members, err := rooms.Members(ctx, sess.RoomID)
		if err != nil {
			log.Printf("[send_message] members room=%s: %v", sess.RoomID, err)
			sendMessageError(conn, ev.OptimisticID, protocol.CodeServerError, "could not verify room roster")
			return
		}
		if len(members) < room.MinMembers {
			sendMessageError(conn, ev.OptimisticID, protocol.CodeMembershipInvalid, "room has no other member to receive messages")
			return
		}

		m := &message.Message{
			RoomID:   sess.RoomID,
			Sender:   sess.Email,
			Kind:     message.KindUser,
			Text:     ev.Text,
			ThreadID: ev.ThreadID,
		}
		if ev.IsPreApprovedRewrite {
			// The author accepted a rewrite; record the provenance on the
			// message itself. This is the only path that persists analysis.
			m.Rewritten = true
			m.OriginalText = ev.OriginalRewrite
			m.RiskLevel = moderation.RiskLow
		}

		if err := messages.Create(ctx, m); err != nil {
			switch {
			case errors.Is(err, message.ErrEmptyText),
				errors.Is(err, message.ErrTextTooLong),
				errors.Is(err, message.ErrInvalidUTF8):
				sendMessageError(conn, ev.OptimisticID, protocol.CodeValidation, err.Error())
			default:
				log.Printf("[send_message] create conn=%s: %v", conn.ID, err)
				sendMessageError(conn, ev.OptimisticID, protocol.CodeServerError, "could not store message")
			}
			return
		}

		if err := searchIndex.Add(m.ID, m.RoomID, m.Sender, m.Text, m.CreatedAt.UnixMilli()); err != nil {
			log.Printf("[send_message] index %s: %v", m.ID, err)
		}

		sendTo(conn, protocol.TypeMessageSent, protocol.MessageSentEvent{
			OptimisticID: ev.OptimisticID,
			MessageID:    m.ID,
			Ts:           m.CreatedAt.UnixMilli(),
		})

		broadcast(sess.RoomID, protocol.TypeNewMessage, protocol.NewMessageEvent{
			Message: m.ToWire(room.Receiver(members, m.Sender)),
		})

		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	})

	// -----------------------------------------------------------------------
	// edit_message — owner-only text replacement
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEditMessage, ratelimit.RuleMutate, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.EditMessageEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		m, err := messages.Update(ctx, ev.MessageID, sess.Email, message.Patch{Text: &ev.Text})
		if err != nil {
			switch {
			case errors.Is(err, message.ErrNotFound):
				sendError(conn, protocol.CodeValidation, "message not found")
			case errors.Is(err, message.ErrNotOwner):
				sendError(conn, protocol.CodeValidation, "only the sender can edit a message")
			case errors.Is(err, message.ErrEmptyText),
				errors.Is(err, message.ErrTextTooLong),
				errors.Is(err, message.ErrInvalidUTF8):
				sendError(conn, protocol.CodeValidation, err.Error())
			default:
				log.Printf("[edit_message] conn=%s msg=%s: %v", conn.ID, ev.MessageID, err)
				sendError(conn, protocol.CodeServerError, "could not edit message")
			}
			return
		}

		// Re-adding under the same document ID replaces the indexed text.
		if err := searchIndex.Add(m.ID, m.RoomID, m.Sender, m.Text, m.CreatedAt.UnixMilli()); err != nil {
			log.Printf("[edit_message] reindex %s: %v", m.ID, err)
		}

		broadcast(sess.RoomID, protocol.TypeMessageEdited, protocol.MessageEditedEvent{
			MessageID: m.ID,
			Text:      m.Text,
			Edited:    true,
			EditedTs:  m.EditedAt.UnixMilli(),
		})
		metrics.MessagesTotal.WithLabelValues("edited").Inc()
	})

	// -----------------------------------------------------------------------
	// delete_message — owner-only soft delete
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeDeleteMsg, ratelimit.RuleMutate, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.DeleteMessageEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		if err := messages.Delete(ctx, ev.MessageID, sess.Email); err != nil {
			switch {
			case errors.Is(err, message.ErrNotFound):
				sendError(conn, protocol.CodeValidation, "message not found")
			case errors.Is(err, message.ErrNotOwner):
				sendError(conn, protocol.CodeValidation, "only the sender can delete a message")
			default:
				log.Printf("[delete_message] conn=%s msg=%s: %v", conn.ID, ev.MessageID, err)
				sendError(conn, protocol.CodeServerError, "could not delete message")
			}
			return
		}

		if err := searchIndex.Remove(ev.MessageID); err != nil {
			log.Printf("[delete_message] unindex %s: %v", ev.MessageID, err)
		}

		broadcast(sess.RoomID, protocol.TypeMessageDeleted, protocol.MessageDeletedEvent{
			MessageID: ev.MessageID,
		})
		metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	})

	// -----------------------------------------------------------------------
	// add_reaction — serialized toggle, full set broadcast
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAddReaction, ratelimit.RuleMutate, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.AddReactionEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		m, err := messages.ToggleReaction(ctx, ev.MessageID, ev.Emoji, sess.Email)
		if err != nil {
			switch {
			case errors.Is(err, message.ErrNotFound):
				sendError(conn, protocol.CodeValidation, "message not found")
			case errors.Is(err, message.ErrEmptyText):
				sendError(conn, protocol.CodeValidation, "emoji is required")
			default:
				log.Printf("[add_reaction] conn=%s msg=%s: %v", conn.ID, ev.MessageID, err)
				sendError(conn, protocol.CodeServerError, "could not update reaction")
			}
			return
		}

		broadcast(sess.RoomID, protocol.TypeReactionUpdated, protocol.ReactionUpdatedEvent{
			MessageID: m.ID,
			Reactions: m.Reactions,
		})
	})

	// -----------------------------------------------------------------------
	// typing — transient relay, never persisted
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, ratelimit.RuleTyping, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.TypingEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sess, ok, _ := requireSession(ctx, conn)
		if !ok {
			// Typing is best-effort; silently drop when not joined.
			return
		}

		broadcastExcept(sess.RoomID, conn.ID, protocol.TypeUserTyping, protocol.UserTypingEvent{
			Sender:   sess.Email,
			IsTyping: ev.IsTyping,
		})
	})

	// -----------------------------------------------------------------------
	// load_older_messages — cursor pagination into history
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLoadOlder, ratelimit.RuleHistory, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.LoadOlderEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}
		if ev.BeforeTimestamp <= 0 {
			sendError(conn, protocol.CodeValidation, "before_timestamp is required")
			return
		}

		older, hasMore, err := histories.LoadOlder(ctx, sess.RoomID,
			time.UnixMilli(ev.BeforeTimestamp).UTC(), ev.BeforeID, ev.Limit)
		if err != nil {
			log.Printf("[load_older] conn=%s room=%s: %v", conn.ID, sess.RoomID, err)
			sendError(conn, protocol.CodeServerError, "could not load history")
			return
		}

		members, _ := rooms.Members(ctx, sess.RoomID)
		sendTo(conn, protocol.TypeOlderMessages, protocol.OlderMessagesEvent{
			Messages: message.ToWireSlice(older, members),
			HasMore:  hasMore,
		})
	})

	// -----------------------------------------------------------------------
	// search_messages — full-text search scoped to the caller's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSearch, ratelimit.RuleSearch, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.SearchEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		result, err := searchIndex.Search(ctx, sess.RoomID, ev.Query, ev.Limit, ev.Offset)
		if errors.Is(err, search.ErrQueryTooShort) {
			sendError(conn, protocol.CodeValidation, err.Error())
			return
		}
		if err != nil {
			log.Printf("[search] conn=%s room=%s: %v", conn.ID, sess.RoomID, err)
			sendError(conn, protocol.CodeServerError, "search failed")
			return
		}

		members, _ := rooms.Members(ctx, sess.RoomID)
		msgs := make([]protocol.Message, 0, len(result.Hits))
		for _, h := range result.Hits {
			msgs = append(msgs, protocol.Message{
				ID:       h.MessageID,
				RoomID:   h.RoomID,
				Sender:   h.Sender,
				Receiver: room.Receiver(members, h.Sender),
				Kind:     message.KindUser,
				Text:     h.Text,
				Ts:       h.Ts,
			})
		}
		sendTo(conn, protocol.TypeSearchResults, protocol.SearchResultsEvent{
			Messages: msgs,
			Total:    result.Total,
			HasMore:  result.HasMore,
		})
	})

	// -----------------------------------------------------------------------
	// jump_to_message — context window around a search hit
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJumpTo, ratelimit.RuleHistory, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.JumpToEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		window, err := histories.JumpTo(ctx, sess.RoomID, ev.MessageID)
		if errors.Is(err, history.ErrNotFound) {
			sendError(conn, protocol.CodeValidation, "message not found")
			return
		}
		if err != nil {
			log.Printf("[jump_to] conn=%s msg=%s: %v", conn.ID, ev.MessageID, err)
			sendError(conn, protocol.CodeServerError, "could not load context")
			return
		}

		members, _ := rooms.Members(ctx, sess.RoomID)
		wire := message.ToWireSlice(window, members)
		for i := range wire {
			if wire[i].ID == ev.MessageID {
				wire[i].Highlight = true
			}
		}
		sendTo(conn, protocol.TypeJumpToResult, protocol.JumpToResultEvent{
			Messages:        wire,
			TargetMessageID: ev.MessageID,
		})
	})

	// -----------------------------------------------------------------------
	// analyze_draft — advisory risk analysis, requester-only delivery
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAnalyzeDraft, ratelimit.RuleAnalyzeDraft, func(conn *ws.Connection, event interface{}) {
		ev, ok := event.(protocol.AnalyzeDraftEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.AnalyzerTimeout+time.Second)
		defer cancel()

		sess, ok, code := requireSession(ctx, conn)
		if !ok {
			sendError(conn, code, "not joined to a room")
			return
		}

		members, _ := rooms.Members(ctx, sess.RoomID)
		start := time.Now()
		result := gate.Analyze(ctx, moderation.Draft{
			Text:     ev.DraftText,
			Sender:   sess.Email,
			Receiver: room.Receiver(members, sess.Email),
			RoomID:   sess.RoomID,
		})
		metrics.AnalysisLatency.Observe(time.Since(start).Seconds())
		metrics.AnalysisTotal.WithLabelValues(result.RiskLevel).Inc()

		sendTo(conn, protocol.TypeDraftAnalysis, protocol.DraftAnalysisEvent{
			RiskLevel:          result.RiskLevel,
			ShouldSend:         result.ShouldSend,
			RewriteSuggestions: result.RewriteSuggestions,
			ObserverSummary:    result.ObserverSummary,
		})
	})

	server = ws.NewServer(ws.ServerConfig{
		ListenAddr:      cfg.ListenAddr,
		WorkerPoolSize:  cfg.WorkerPoolSize,
		MaxConnections:  cfg.MaxConnections,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxPayloadBytes: int64(cfg.MaxPayloadBytes),
	}, verifier, dispatcher.Dispatch)

	// The REST history listing shares the gateway listener.
	api := httpapi.New(verifier, rooms, histories)
	server.RegisterHTTP(api.Register)

	// Disconnect: tear down the session, tell the room, leave a durable
	// departure notice unless this connection was superseded (its session
	// is already gone in that case).
	server.SetOnDisconnect(func(conn *ws.Connection) {
		dispatcher.Forget(conn.ID)
		_ = natsClient.UnsubscribeRoom(conn.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sess, err := sessions.Get(ctx, conn.ID)
		if err != nil || sess == nil {
			return
		}
		if err := sessions.Remove(ctx, conn.ID); err != nil {
			log.Printf("[disconnect] session remove conn=%s: %v", conn.ID, err)
		}
		metrics.SessionsActive.Dec()

		notice := &message.Message{
			RoomID: sess.RoomID,
			Sender: sess.Email,
			Kind:   message.KindSystem,
			Text:   fmt.Sprintf("%s left the conversation", sess.Email),
		}
		if err := messages.Create(ctx, notice); err != nil {
			log.Printf("[disconnect] departure notice room=%s: %v", sess.RoomID, err)
		} else {
			broadcast(sess.RoomID, protocol.TypeNewMessage, protocol.NewMessageEvent{
				Message: notice.ToWire(""),
			})
		}

		broadcastRoster(ctx, sess.RoomID)
		log.Printf("disconnect user=%s room=%s conn=%s", sess.Email, sess.RoomID, conn.ID)
	})

	// Prometheus metrics on a separate listener.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := searchIndex.Close(); err != nil {
			log.Printf("search index close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// roomPublisher abstracts the NATS client for the fanout helpers.
type roomPublisher interface {
	PublishRoomEvent(roomID string, data []byte) error
}

// roomUnsubscriber abstracts the NATS client for connection teardown.
type roomUnsubscriber interface {
	UnsubscribeRoom(connID string) error
}

// broadcastEnvelope builds the server event, wraps it for fanout, and
// publishes it to the room subject.
func broadcastEnvelope(pub roomPublisher, roomID, eventType string, payload interface{}, targetConn, excludeConn string, closeAfter bool) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		log.Printf("[broadcast] build %s room=%s: %v", eventType, roomID, err)
		return
	}
	env, err := json.Marshal(roomEnvelope{
		TargetConn:  targetConn,
		ExcludeConn: excludeConn,
		CloseAfter:  closeAfter,
		Data:        data,
	})
	if err != nil {
		log.Printf("[broadcast] marshal envelope room=%s: %v", roomID, err)
		return
	}
	if err := pub.PublishRoomEvent(roomID, env); err != nil {
		log.Printf("[broadcast] publish %s room=%s: %v", eventType, roomID, err)
	}
}

// notifySuperseded tells a replaced connection that a newer join for the
// same identity took over; the notice is targeted at that connection and
// asks the instance owning it to close the socket after delivery.
func notifySuperseded(pub roomPublisher, evicted *session.Session) {
	broadcastEnvelope(pub, evicted.RoomID, protocol.TypeSessionSuperseded,
		protocol.SessionSupersededEvent{RoomID: evicted.RoomID},
		evicted.ConnectionID, "", true)
}

// rollbackJoin undoes a registration after a join failed partway, so a
// client that saw a failed join is never left with a live session. Also
// used when a mid-connection membership check finds the pairing revoked.
func rollbackJoin(ctx context.Context, sessions session.Store, nats roomUnsubscriber, connID string) {
	_ = sessions.Remove(ctx, connID)
	_ = nats.UnsubscribeRoom(connID)
	metrics.SessionsActive.Dec()
}
