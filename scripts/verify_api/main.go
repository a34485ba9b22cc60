// Command verify_api smoke-tests a running API: it opens a conversation
// between two seeded users and reads back history, the conversation list
// and presence.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/logger"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userA := flag.String("a", "userA", "first user")
	userB := flag.String("b", "userB", "second user")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret shared with the api")
	flag.Parse()

	log, err := logger.New("info", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *secret == "" {
		log.Fatal("-secret or JWT_SECRET is required")
	}
	token, err := auth.NewTokens(*secret, time.Hour).GenerateToken(*userA)
	if err != nil {
		log.Fatal("mint token", zap.Error(err))
	}

	client := &http.Client{Timeout: 5 * time.Second}
	call := func(method, path, body string) []byte {
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, *apiAddr+path, rd)
		if err != nil {
			log.Fatal("build request", zap.Error(err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			log.Fatal("request failed", zap.String("path", path), zap.Error(err))
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		log.Info("response", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", out))
		if resp.StatusCode/100 != 2 {
			os.Exit(1)
		}
		return out
	}

	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(call(http.MethodPost, "/conversations", fmt.Sprintf(`{"other_user_id":%q}`, *userB)), &conv); err != nil {
		log.Fatal("decode conversation", zap.Error(err))
	}
	call(http.MethodGet, "/history?conversation_id="+conv.ID, "")
	call(http.MethodGet, "/conversations", "")
	call(http.MethodGet, "/presence/"+*userB, "")
}
