package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/watchparty/client/api"
	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/client/playback"
	"github.com/adwski/watchparty/client/queue"
	"github.com/adwski/watchparty/client/session"
	"github.com/adwski/watchparty/client/transport/websocket"
	"github.com/adwski/watchparty/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	defaultHistoryFetch = 20
	defaultAPITimeout   = 5 * time.Second
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("partyctl", pflag.ContinueOnError)

	var (
		endpoint = fs.StringP("endpoint", "e", "ws://localhost:8888/ws", "room websocket endpoint")
		coreAPI  = fs.StringP("api", "a", "http://localhost:8080", "rooms rest api base url, empty disables rest calls")
		chatAPI  = fs.StringP("chat-api", "c", "", "chat history rest api base url, defaults to --api")
		roomID   = fs.StringP("room", "r", "", "room to join, empty creates a new one")
		userID   = fs.StringP("user", "u", "", "user id, random if empty")
		name     = fs.StringP("name", "n", "", "display name")
		token    = fs.StringP("token", "t", "", "bearer token")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *userID == "" {
		*userID = uuid.NewString()
	}
	if *name == "" {
		*name = *userID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *coreAPI != "" {
		client := api.NewClient(api.Config{
			Logger:  &logger,
			CoreURL: *coreAPI,
			ChatURL: *chatAPI,
			Token:   func() string { return *token },
			OnUnauthorized: func() {
				logger.Error().Msg("token rejected, signing out")
				cancel()
			},
		})
		*roomID = prepareRoom(ctx, client, *roomID, *userID, *name, &logger)
	}
	if *roomID == "" {
		*roomID = uuid.NewString()
	}

	events := bus.New(&logger)
	ch := websocket.NewChannel(websocket.Config{
		Logger:   &logger,
		Bus:      events,
		Queue:    queue.New(queue.DefaultCapacity, queue.DropOldest),
		Endpoint: withName(*endpoint, *name),
		Token:    *token,
	})
	sess, err := session.NewSession(session.Config{
		Logger:    &logger,
		Transport: ch,
		RoomID:    *roomID,
		UserID:    *userID,
		Player:    playback.NewVirtualPlayer(nil, 0),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}
	defer sess.Close()

	out := os.Stdout
	subscribeUI(sess, *userID, out)

	fmt.Fprintf(out, "room %s as %s (%s)\n", *roomID, *name, *userID)
	if err = sess.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to connect, messages will be queued")
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

InputLoop:
	for {
		select {
		case <-ctx.Done():
			break InputLoop
		case line, ok := <-lines:
			if !ok {
				break InputLoop
			}
			if !command(ctx, sess, ch, line, out) {
				break InputLoop
			}
		}
	}
	sess.Leave()
}

func prepareRoom(ctx context.Context, client *api.Client, roomID, userID, name string, logger *zerolog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, defaultAPITimeout)
	defer cancel()

	if roomID == "" {
		room, err := client.CreateRoom(ctx, api.CreateRoomRequest{HostID: userID, Username: name})
		if err != nil {
			logger.Warn().Err(err).Msg("room was not created through the api")
			return ""
		}
		return room.ID
	}

	if _, err := client.JoinRoom(ctx, roomID, api.JoinRoomRequest{UserID: userID, Username: name}); err != nil {
		logger.Warn().Err(err).Msg("room was not joined through the api")
		return roomID
	}
	history, err := client.ChatHistory(ctx, roomID, defaultHistoryFetch)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch chat history")
		return roomID
	}
	for _, m := range history {
		fmt.Printf("[%s] %s: %s\n", time.UnixMilli(m.Timestamp).Format(time.Kitchen), m.Username, m.Message)
	}
	return roomID
}

func withName(endpoint, name string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String()
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func subscribeUI(sess *session.Session, self string, out io.Writer) {
	sess.On(model.EventHistory, func(ev bus.Event) {
		msg, ok := ev.Payload.(model.ChatMessage)
		if !ok {
			return
		}
		ts := msg.Timestamp.Format(time.Kitchen)
		switch {
		case msg.Deleted:
			fmt.Fprintf(out, "[%s] message %s was deleted\n", ts, msg.ID)
		case msg.Kind == model.KindSystem:
			fmt.Fprintf(out, "[%s] * %s\n", ts, msg.Content)
		case msg.Kind == model.KindReaction:
			fmt.Fprintf(out, "[%s] %s reacted %s\n", ts, msg.AuthorName, msg.Content)
		case len(msg.Reactions) > 0:
			var sb strings.Builder
			for emoji, r := range msg.Reactions {
				fmt.Fprintf(&sb, " %s%d", emoji, r.Count)
			}
			fmt.Fprintf(out, "[%s] reactions on %s:%s\n", ts, msg.ID, sb.String())
		default:
			author := msg.AuthorName
			if msg.AuthorID == self {
				author = "you"
			}
			fmt.Fprintf(out, "[%s] %s: %s  (%s)\n", ts, author, msg.Content, msg.ID)
		}
	})
	sess.On(model.EventTypingUsers, func(ev bus.Event) {
		if users, ok := ev.Payload.([]string); ok && len(users) > 0 {
			fmt.Fprintf(out, "... %s typing\n", strings.Join(users, ", "))
		}
	})
	sess.On(model.EventPlayback, func(ev bus.Event) {
		if st, ok := ev.Payload.(model.PlaybackState); ok {
			state := "paused"
			if st.Playing {
				state = "playing"
			}
			fmt.Fprintf(out, "~ %s %s at %.1fs\n", state, st.VideoURL, st.CurrentTime)
		}
	})
	sess.On(model.EventDisconnected, func(bus.Event) {
		fmt.Fprintln(out, "! disconnected")
	})
	sess.On(model.EventReconnected, func(ev bus.Event) {
		fmt.Fprintf(out, "! reconnected after %d attempt(s)\n", ev.Attempt)
	})
	sess.On(model.EventReconnectFailed, func(bus.Event) {
		fmt.Fprintln(out, "! gave up reconnecting, messages stay queued")
	})
	sess.On(model.EventError, func(ev bus.Event) {
		if ev.Err != nil {
			fmt.Fprintf(out, "! %v\n", ev.Err)
		}
	})
}

// command runs one input line and reports whether to keep reading.
func command(ctx context.Context, sess *session.Session, ch *websocket.Channel, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := sess.Chat().SendMessage(line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		return true
	}

	args := strings.Fields(line)
	var err error
	switch args[0] {
	case "/quit":
		return false
	case "/play":
		err = sess.Playback().Play()
	case "/pause":
		err = sess.Playback().Pause()
	case "/seek":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /seek SECONDS")
			break
		}
		var pos float64
		if pos, err = strconv.ParseFloat(args[1], 64); err == nil {
			err = sess.Playback().Seek(pos)
		}
	case "/load":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /load URL")
			break
		}
		err = sess.Playback().Load(args[1])
	case "/react":
		if len(args) < 3 {
			err = fmt.Errorf("usage: /react MESSAGE_ID|- EMOJI")
			break
		}
		target := args[1]
		if target == "-" {
			target = ""
		}
		err = sess.Chat().React(target, args[2])
	case "/delete":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /delete MESSAGE_ID")
			break
		}
		err = sess.Chat().DeleteMessage(args[1])
	case "/report":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /report USER_ID [REASON]")
			break
		}
		err = sess.Chat().ReportUser(args[1], strings.Join(args[2:], " "))
	case "/who":
		for _, p := range sess.Chat().Participants() {
			mark := ""
			if p.IsHost {
				mark = " (host)"
			}
			fmt.Fprintf(out, "  %s %s%s\n", p.ID, p.Username, mark)
		}
	case "/state":
		spew.Fdump(out, sess.State(), ch.State(), ch.Queued(), ch.LastHeartbeat())
	case "/hide":
		ch.SetVisible(false)
	case "/show":
		ch.SetVisible(true)
	case "/reconnect":
		err = sess.Connect(ctx)
	default:
		err = fmt.Errorf("unknown command %s", args[0])
	}
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}
	return true
}
