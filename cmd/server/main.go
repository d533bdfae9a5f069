package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huddle/chat-backend/internal/cache"
	"github.com/huddle/chat-backend/internal/contention"
	"github.com/huddle/chat-backend/internal/delivery"
	"github.com/huddle/chat-backend/internal/fault"
	"github.com/huddle/chat-backend/internal/history"
	"github.com/huddle/chat-backend/internal/identity"
	"github.com/huddle/chat-backend/internal/messaging"
	"github.com/huddle/chat-backend/internal/metrics"
	"github.com/huddle/chat-backend/internal/protocol"
	"github.com/huddle/chat-backend/internal/ratelimit"
	"github.com/huddle/chat-backend/internal/store"
	"github.com/huddle/chat-backend/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- PostgreSQL ---
	storeConfig := store.DefaultConfig()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		storeConfig.DSN = dsn
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			storeConfig.MaxOpenConns = n
		}
	}

	st, err := store.Open(storeConfig)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := st.Migrate(); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to redis: %v", err)
	}
	pingCancel()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Conversation locks ---
	lockTimeout := contention.DefaultAcquireTimeout
	if v := os.Getenv("LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			lockTimeout = d
		}
	}
	var locker contention.Locker
	lockBackend := os.Getenv("LOCK_BACKEND")
	if lockBackend == "redis" {
		// Multi-instance deployments serialize across processes.
		locker = contention.NewRedisLocker(redisClient, lockTimeout)
	} else {
		lockBackend = "local"
		locker = contention.NewKeyedMutex(lockTimeout)
	}

	agg := cache.New(redisClient, st)
	membership := cache.NewMembership(redisClient, st)
	verifier := identity.NewRedisVerifier(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)
	pages := history.NewEngine(st)
	svc := delivery.NewService(st, membership, agg, locker, natsClient, pages)

	log.Printf("Huddle messaging server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  db_pool:         %d", storeConfig.MaxOpenConns)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  lock_backend:    %s (timeout %s)", lockBackend, lockTimeout)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// opCtx bounds each handler's downstream work so a stuck backend can
	// never pin a worker goroutine forever.
	opCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}

	// throttle converts a rate-limit rejection into a throttled fault with
	// the window-reset hint.
	throttle := func(ctx context.Context, userID string, rule ratelimit.Rule, what string) error {
		allowed, _ := limiter.Allow(ctx, userID, rule)
		if allowed {
			return nil
		}
		retry := time.Duration(limiter.RetryAfter(ctx, userID, rule)) * time.Second
		return fault.Throttled(what+" quota exceeded", retry)
	}

	// reply sends a ref-carrying response directly to the requesting
	// connection.
	reply := func(conn *ws.Connection, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("reply: build %s: %v", msgType, err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("reply: send %s conn=%s: %v", msgType, conn.ID, err)
		}
	}

	// subscribeRoom attaches this instance to a conversation's bus
	// subjects; every event received is fanned out to the local room.
	subscribeRoom := func(conversationID string) {
		err := natsClient.SubscribeConv(conversationID, func(data []byte) {
			server.Rooms().Broadcast(conversationID, data)
		})
		if err != nil {
			log.Printf("room subscribe conv=%s: %v", conversationID, err)
		}
		err = natsClient.SubscribePresence(conversationID, func(data []byte) {
			server.Rooms().Broadcast(conversationID, data)
		})
		if err != nil {
			log.Printf("presence subscribe conv=%s: %v", conversationID, err)
		}
	}

	publishPresence := func(conversationID, userID string, online bool) {
		data, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
			ConversationID: conversationID,
			UserID:         userID,
			Online:         online,
		})
		if err != nil {
			log.Printf("presence: build event: %v", err)
			return
		}
		if err := natsClient.PublishPresence(conversationID, data); err != nil {
			log.Printf("presence: publish conv=%s: %v", conversationID, err)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// join_room — subscribe the connection to a conversation's live events
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.JoinRoomMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed join_room")
		}
		ctx, cancel := opCtx()
		defer cancel()

		member, err := membership.IsMember(ctx, m.ConversationID, conn.UserID)
		if err != nil {
			return err
		}
		if !member {
			return fault.New(fault.KindForbidden, "not a conversation member")
		}

		first := server.Rooms().Join(m.ConversationID, conn)
		if first {
			subscribeRoom(m.ConversationID)
		}
		metrics.RoomsActive.Set(float64(server.Rooms().RoomCount()))

		publishPresence(m.ConversationID, conn.UserID, true)
		reply(conn, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{Ref: m.Ref, ConversationID: m.ConversationID})
		log.Printf("join_room user=%s conv=%s (first_local=%v)", conn.UserID, m.ConversationID, first)
		return nil
	})

	// -----------------------------------------------------------------------
	// leave_room — drop the connection's room subscription
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.LeaveRoomMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed leave_room")
		}

		empty := server.Rooms().Leave(m.ConversationID, conn)
		if empty {
			_ = natsClient.UnsubscribeConv(m.ConversationID)
			_ = natsClient.UnsubscribePresence(m.ConversationID)
		}
		metrics.RoomsActive.Set(float64(server.Rooms().RoomCount()))

		publishPresence(m.ConversationID, conn.UserID, false)
		reply(conn, protocol.TypeRoomLeft, protocol.RoomLeftMsg{Ref: m.Ref, ConversationID: m.ConversationID})
		return nil
	})

	// -----------------------------------------------------------------------
	// send_message — persist and broadcast
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed send_message")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleMessage, "message"); err != nil {
			return err
		}

		view, err := svc.SendMessage(ctx, conn.UserID, m)
		if err != nil {
			return err
		}

		// The sender's ack carries the ref; the room copy arrives through
		// the broadcast and is deduplicated client-side by message id.
		reply(conn, protocol.TypeNewMessage, protocol.NewMessageMsg{Ref: m.Ref, Message: *view})
		return nil
	})

	// -----------------------------------------------------------------------
	// edit_message / delete_message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.EditMessageMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed edit_message")
		}
		ctx, cancel := opCtx()
		defer cancel()

		view, err := svc.EditMessage(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypeMessageEdited, protocol.MessageEditedMsg{Ref: m.Ref, Message: *view})
		return nil
	})

	dispatcher.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed delete_message")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := svc.DeleteMessage(ctx, conn.UserID, m); err != nil {
			return err
		}
		reply(conn, protocol.TypeAck, protocol.AckMsg{Ref: m.Ref})
		return nil
	})

	// -----------------------------------------------------------------------
	// add_reaction / remove_reaction — optimistic shared-counter writes
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAddReaction, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.AddReactionMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed add_reaction")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleReaction, "reaction"); err != nil {
			return err
		}

		summary, err := svc.AddReaction(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypeReactionSummary, protocol.ReactionSummaryMsg{
			Ref:       m.Ref,
			MessageID: m.MessageID,
			Reactions: summary,
		})
		return nil
	})

	dispatcher.Register(protocol.TypeRemoveReaction, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.RemoveReactionMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed remove_reaction")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleReaction, "reaction"); err != nil {
			return err
		}

		summary, err := svc.RemoveReaction(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypeReactionSummary, protocol.ReactionSummaryMsg{
			Ref:       m.Ref,
			MessageID: m.MessageID,
			Reactions: summary,
		})
		return nil
	})

	// -----------------------------------------------------------------------
	// create_poll / cast_vote / retract_vote
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCreatePoll, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.CreatePollMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed create_poll")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleMessage, "message"); err != nil {
			return err
		}

		view, err := svc.CreatePoll(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypeNewMessage, protocol.NewMessageMsg{Ref: m.Ref, Message: *view})
		return nil
	})

	dispatcher.Register(protocol.TypeCastVote, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.CastVoteMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed cast_vote")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleVote, "vote"); err != nil {
			return err
		}

		view, err := svc.CastVote(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypePollSummary, protocol.PollSummaryMsg{Ref: m.Ref, Poll: *view})
		return nil
	})

	dispatcher.Register(protocol.TypeRetractVote, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.RetractVoteMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed retract_vote")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleVote, "vote"); err != nil {
			return err
		}

		view, err := svc.RetractVote(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		reply(conn, protocol.TypePollSummary, protocol.PollSummaryMsg{Ref: m.Ref, Poll: *view})
		return nil
	})

	// -----------------------------------------------------------------------
	// mark_read / fetch_history / list_reactors
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed mark_read")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := svc.MarkRead(ctx, conn.UserID, m); err != nil {
			return err
		}
		reply(conn, protocol.TypeAck, protocol.AckMsg{Ref: m.Ref})
		return nil
	})

	dispatcher.Register(protocol.TypeFetchHistory, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.FetchHistoryMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed fetch_history")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleHistory, "history"); err != nil {
			return err
		}

		page, err := svc.FetchHistory(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		page.Ref = m.Ref
		reply(conn, protocol.TypeHistoryPage, page)
		return nil
	})

	dispatcher.Register(protocol.TypeListReactors, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.ListReactorsMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed list_reactors")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleHistory, "history"); err != nil {
			return err
		}

		page, err := svc.ListReactors(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		page.Ref = m.Ref
		reply(conn, protocol.TypeReactorPage, page)
		return nil
	})

	dispatcher.Register(protocol.TypeListVoters, func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(protocol.ListVotersMsg)
		if !ok {
			return fault.New(fault.KindInvalid, "malformed list_voters")
		}
		ctx, cancel := opCtx()
		defer cancel()

		if err := throttle(ctx, conn.UserID, ratelimit.RuleHistory, "history"); err != nil {
			return err
		}

		page, err := svc.ListVoters(ctx, conn.UserID, m)
		if err != nil {
			return err
		}
		page.Ref = m.Ref
		reply(conn, protocol.TypeVoterPage, page)
		return nil
	})

	server = ws.NewServer(config, verifier, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Per-identity connection rate limit, enforced before the upgrade.
	server.SetConnectGate(func(ctx context.Context, userID string) error {
		return throttle(ctx, userID, ratelimit.RuleConnect, "connection")
	})

	// When the last local member of a room disconnects or leaves, drop the
	// instance's bus subscriptions for that conversation.
	server.SetOnRoomEmpty(func(conversationID string) {
		_ = natsClient.UnsubscribeConv(conversationID)
		_ = natsClient.UnsubscribePresence(conversationID)
	})

	// Disconnects announce the member going offline in every room they
	// were joined to.
	server.SetOnDisconnect(func(conn *ws.Connection, rooms []string) {
		for _, conversationID := range rooms {
			publishPresence(conversationID, conn.UserID, false)
		}
	})

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
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
