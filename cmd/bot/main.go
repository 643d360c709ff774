// Command bot is a CrossChat bot that uses an LLM to respond to
// messages. It auto-accepts channel invites and replies whenever a
// message opens with its character name.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/client"
	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

type OllamaClient struct {
	baseURL      string
	model        string
	httpClient   *http.Client
	systemPrompt string
}

func NewOllamaClient(baseURL, model, systemPrompt string) *OllamaClient {
	return &OllamaClient{
		baseURL:      baseURL,
		model:        model,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		systemPrompt: systemPrompt,
	}
}

func (o *OllamaClient) Complete(history []chatMessage) (string, error) {
	if o.systemPrompt != "" && (len(history) == 0 || history[0].Role != "system") {
		history = append([]chatMessage{{Role: "system", Content: o.systemPrompt}}, history...)
	}

	jsonBody, err := json.Marshal(ollamaRequest{
		Model:    o.model,
		Messages: history,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", o.baseURL+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var ollamaResp ollamaResponse
	if err := json.Unmarshal(body, &ollamaResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if ollamaResp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", ollamaResp.Error)
	}
	return ollamaResp.Message.Content, nil
}

// historyLimit bounds how much channel context goes to the LLM.
const historyLimit = 20

func main() {
	serverURL := flag.String("server", "ws://localhost:14777/sse", "Server websocket URL")
	name := flag.String("name", "Botan Ical", "Bot character name")
	world := flag.Uint("world", 40, "Bot character world id")
	dataDir := flag.String("data-dir", "~/.crosschat-bot", "Directory for key and channel state")
	model := flag.String("model", "llama3.2", "Ollama model")
	ollamaURL := flag.String("ollama-url", "http://localhost:11434", "Ollama server URL")
	systemPrompt := flag.String("system", "", "System prompt (optional)")
	flag.Parse()

	if *systemPrompt == "" {
		*systemPrompt = fmt.Sprintf(`You are %s, a helpful assistant in an in-game chat channel.
Keep your responses short and friendly.
Don't use markdown formatting since the chat does not render it.`, *name)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dir, err := client.ExpandPath(*dataDir)
	if err != nil {
		logger.Fatal("bad data dir", zap.Error(err))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Fatal("failed to create data dir", zap.Error(err))
	}

	keys, _, err := crypto.NewKeyStore(dir).LoadOrGenerateKey("bot")
	if err != nil {
		logger.Fatal("failed to load identity key", zap.Error(err))
	}
	store, err := client.OpenStore(dir)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	self := client.Identity{Name: *name, World: uint16(*world)}
	c, err := client.New(client.Options{
		URL:          *serverURL,
		Self:         func() client.Identity { return self },
		KeyPair:      keys,
		Store:        store,
		Logger:       logger,
		AllowInvites: true,
	})
	if err != nil {
		logger.Fatal("failed to create client", zap.Error(err))
	}

	llm := NewOllamaClient(*ollamaURL, *model, *systemPrompt)
	logger.Info("starting bot",
		zap.String("server", *serverURL),
		zap.String("name", *name),
		zap.String("model", *model))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	go c.Run(ctx)
	runBot(ctx, c, llm, logger)

	c.Close()
}

// runBot drives the whole bot from the client's event stream.
func runBot(ctx context.Context, c *client.Client, llm *OllamaClient, logger *zap.Logger) {
	history := make(map[protocol.ChannelID][]chatMessage)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case client.StateEvent:
				// A fresh account registers itself on first contact.
				if ev.State == client.StateNotAuthenticated {
					go register(ctx, c, logger)
				}
			case client.InviteEvent:
				logger.Info("accepting invite",
					zap.String("from", ev.From),
					zap.String("channel", ev.ChannelName))
				if err := c.Join(ctx, ev.Channel); err != nil {
					logger.Warn("failed to join", zap.Error(err))
				}
			case client.MessageEvent:
				handleMessage(c, llm, logger, history, ev)
			}
		}
	}
}

func register(ctx context.Context, c *client.Client, logger *zap.Logger) {
	// The dev server accepts any challenge without verification.
	if _, err := c.GetChallenge(ctx); err != nil {
		logger.Error("failed to get challenge", zap.Error(err))
		return
	}
	if err := c.CompleteRegistration(ctx); err != nil {
		logger.Error("failed to register", zap.Error(err))
	}
}

func handleMessage(c *client.Client, llm *OllamaClient, logger *zap.Logger, history map[protocol.ChannelID][]chatMessage, ev client.MessageEvent) {
	if !ev.Decrypted {
		return
	}
	self := c.Self()
	fromSelf := self.Matches(ev.Sender, ev.World)

	role := "user"
	if fromSelf {
		role = "assistant"
	}
	entry := chatMessage{Role: role, Content: fmt.Sprintf("%s: %s", ev.Sender, ev.Text)}
	history[ev.Channel] = append(history[ev.Channel], entry)
	if len(history[ev.Channel]) > historyLimit {
		history[ev.Channel] = history[ev.Channel][len(history[ev.Channel])-historyLimit:]
	}

	if fromSelf || !mentionsBot(ev.Text, self.Name) {
		return
	}

	response, err := llm.Complete(history[ev.Channel])
	if err != nil {
		logger.Warn("llm error", zap.Error(err))
		return
	}
	if err := c.SendMessage(ev.Channel, response); err != nil {
		logger.Warn("failed to reply", zap.Error(err))
	}
}

// mentionsBot matches the bot's first name at the start of a message,
// case-insensitively.
func mentionsBot(text, botName string) bool {
	first := strings.Fields(botName)[0]
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), strings.ToLower(first))
}
