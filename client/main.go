package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) openConversation(ctx context.Context, other string) (string, error) {
	var conv struct {
		ID string `json:"id"`
	}
	err := a.do(ctx, http.MethodPost, "/conversations", map[string]string{"other_user_id": other}, &conv)
	return conv.ID, err
}

func (a *apiClient) history(ctx context.Context, conversationID string) ([]model.Message, error) {
	var page struct {
		Messages []model.Message `json:"messages"`
	}
	q := url.Values{"conversation_id": {conversationID}, "limit": {"50"}}
	err := a.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &page)
	return page.Messages, err
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	dmUser := flag.String("dm", "", "user id to chat with")
	token := flag.String("token", "", "bearer token; minted from -secret when empty")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret for minting a development token")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(level, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if *dmUser == "" || *dmUser == *userID {
		log.Fatal("-dm must name another user")
	}
	if *token == "" {
		if *secret == "" {
			log.Fatal("either -token or -secret (JWT_SECRET) is required")
		}
		*token, err = auth.NewTokens(*secret, 24*time.Hour).GenerateToken(*userID)
		if err != nil {
			log.Fatal("mint token", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := &apiClient{base: *apiAddr, token: *token, http: &http.Client{Timeout: 10 * time.Second}}
	convID, err := api.openConversation(ctx, *dmUser)
	if err != nil {
		log.Fatal("open conversation", zap.Error(err))
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	header := http.Header{"Authorization": {"Bearer " + *token}}
	gw := newLink(func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		return conn, err
	}, log)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = gw.connect(dialCtx)
	cancel()
	if err != nil {
		log.Fatal("dial", zap.String("url", u.String()), zap.Error(err))
	}

	chat, err := newChatSession(*userID, *dmUser, convID, gw.send, os.Stdout, log)
	if err != nil {
		log.Fatal("client state", zap.Error(err))
	}
	fmt.Printf("chatting with %s in conversation %s (/typing, /retry <id>, /quit)\n", *dmUser, convID)

	// History after the socket is up, so nothing sent in between is missed.
	msgs, err := api.history(ctx, convID)
	if err != nil {
		log.Warn("history unavailable", zap.Error(err))
	}
	chat.loadHistory(msgs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := gw.run(ctx, func(env model.Envelope) {
			if err := chat.Handle(env); err != nil {
				log.Warn("bad event", zap.String("type", string(env.Type)), zap.Error(err))
			}
		}, func() {
			chat.printf("  reconnected")
			msgs, err := api.history(ctx, convID)
			if err != nil {
				log.Warn("history unavailable after reconnect", zap.Error(err))
			}
			chat.Resync(msgs)
		})
		if err != nil {
			log.Info("gateway link ended", zap.Error(err))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			hangUp(gw, done)
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				hangUp(gw, done)
				return
			}
			if err := command(chat, strings.TrimSpace(line)); err != nil {
				chat.printf("! %v", err)
				continue
			}
			fmt.Print("> ")
		}
	}
}

func command(chat *chatSession, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/typing":
		chat.Keystroke()
		return nil
	case strings.HasPrefix(line, "/retry "):
		return chat.Retry(strings.TrimSpace(strings.TrimPrefix(line, "/retry ")))
	default:
		return chat.Say(line)
	}
}

// hangUp sends a close frame and waits briefly for the server to close
// the connection.
func hangUp(gw *link, done <-chan struct{}) {
	gw.close()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
