// Command loadtest drives synthetic client pairs against a chat server
// to measure end-to-end delivery latency. Every pair registers two
// accounts, shares an encrypted channel, and then one side sends
// timestamped messages while the other measures how long delivery and
// decryption took.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/client"
	"github.com/aeolun/crosschat/pkg/client/crypto"
)

// Stats tracks performance metrics
type Stats struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	decryptFailures  atomic.Int64
	sendFailures     atomic.Int64
	setupFailures    atomic.Int64
	totalLatencyUs   atomic.Int64
	activePairs      atomic.Int64
}

var firstNames = []string{"Alma", "Brae", "Cato", "Dour", "Eldi", "Fenn", "Gale", "Hild", "Iona", "Jarl"}
var lastNames = []string{"Vex", "Thorne", "Quill", "Marsh", "Irons", "Howe", "Glade", "Fable", "Ember", "Dray"}

func randomName(pair, side int) string {
	first := firstNames[rand.Intn(len(firstNames))]
	last := lastNames[rand.Intn(len(lastNames))]
	// Suffix keeps identities unique across pairs.
	return fmt.Sprintf("%s %s%d%d", first, last, pair, side)
}

func main() {
	serverURL := flag.String("server", "ws://localhost:14777/sse", "Server websocket URL")
	pairs := flag.Int("pairs", 10, "Number of sender/receiver pairs")
	rate := flag.Duration("rate", time.Second, "Delay between messages per sender")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	stats := &Stats{}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Printf("load test: %d pairs against %s for %s\n", *pairs, *serverURL, *duration)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			runPair(ctx, *serverURL, pair, *rate, stats)
		}(i)
		// Stagger connection storms.
		time.Sleep(20 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report(stats)
		case <-done:
			report(stats)
			fmt.Println("load test complete")
			return
		}
	}
}

func report(stats *Stats) {
	received := stats.messagesReceived.Load()
	var avgLatency time.Duration
	if received > 0 {
		avgLatency = time.Duration(stats.totalLatencyUs.Load()/received) * time.Microsecond
	}
	fmt.Printf("pairs=%d sent=%d received=%d avg_latency=%s send_failures=%d decrypt_failures=%d setup_failures=%d\n",
		stats.activePairs.Load(),
		stats.messagesSent.Load(),
		received,
		avgLatency,
		stats.sendFailures.Load(),
		stats.decryptFailures.Load(),
		stats.setupFailures.Load(),
	)
}

// runPair registers two accounts, wires them into one channel, and
// pumps messages from the first to the second until ctx expires.
func runPair(ctx context.Context, serverURL string, pair int, rate time.Duration, stats *Stats) {
	sender, err := startClient(ctx, serverURL, randomName(pair, 1), uint16(40+pair%10))
	if err != nil {
		stats.setupFailures.Add(1)
		return
	}
	defer sender.Close()
	receiver, err := startClient(ctx, serverURL, randomName(pair, 2), uint16(40+pair%10))
	if err != nil {
		stats.setupFailures.Add(1)
		return
	}
	defer receiver.Close()

	opCtx, opCancel := context.WithTimeout(ctx, 30*time.Second)
	channelID, err := sender.CreateChannel(opCtx, fmt.Sprintf("loadtest %d", pair))
	if err == nil {
		err = sender.Invite(opCtx, channelID, receiver.Self().Name, receiver.Self().World)
	}
	if err == nil {
		// The invite push must land before the join.
		err = waitForInvite(opCtx, receiver)
	}
	if err == nil {
		err = receiver.Join(opCtx, channelID)
	}
	opCancel()
	if err != nil {
		stats.setupFailures.Add(1)
		return
	}

	stats.activePairs.Add(1)
	defer stats.activePairs.Add(-1)

	go drainReceiver(ctx, receiver, stats)
	go drainSenderEcho(ctx, sender)

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			text := fmt.Sprintf("%d %d lorem ipsum dolor sit amet", time.Now().UnixMicro(), seq)
			if err := sender.SendMessage(channelID, text); err != nil {
				stats.sendFailures.Add(1)
				continue
			}
			stats.messagesSent.Add(1)
		}
	}
}

func startClient(ctx context.Context, serverURL, name string, world uint16) (*client.Client, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	self := client.Identity{Name: name, World: world}
	c, err := client.New(client.Options{
		URL:          serverURL,
		Self:         func() client.Identity { return self },
		KeyPair:      keys,
		Store:        client.NewMemoryStore(),
		Logger:       zap.NewNop(),
		AllowInvites: true,
	})
	if err != nil {
		return nil, err
	}
	go c.Run(ctx)

	opCtx, opCancel := context.WithTimeout(ctx, 30*time.Second)
	defer opCancel()
	if err := waitForState(opCtx, c, client.StateNotAuthenticated); err != nil {
		c.Close()
		return nil, err
	}
	if _, err := c.GetChallenge(opCtx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.CompleteRegistration(opCtx); err != nil {
		c.Close()
		return nil, err
	}
	if err := waitForState(opCtx, c, client.StateConnected); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func waitForState(ctx context.Context, c *client.Client, want client.ConnectionState) error {
	for {
		if c.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for state %s", want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func waitForInvite(ctx context.Context, c *client.Client) error {
	for {
		select {
		case ev := <-c.Events():
			if _, ok := ev.(client.InviteEvent); ok {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("invite never arrived")
		}
	}
}

// drainReceiver consumes the receiver's events and turns timestamped
// messages into latency samples.
func drainReceiver(ctx context.Context, c *client.Client, stats *Stats) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			msg, ok := ev.(client.MessageEvent)
			if !ok {
				continue
			}
			if !msg.Decrypted {
				stats.decryptFailures.Add(1)
				continue
			}
			fields := strings.Fields(msg.Text)
			if len(fields) < 1 {
				continue
			}
			sentMicros, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				continue
			}
			stats.messagesReceived.Add(1)
			stats.totalLatencyUs.Add(time.Now().UnixMicro() - sentMicros)
		}
	}
}

// drainSenderEcho keeps the sender's event buffer from filling with its
// own message echoes.
func drainSenderEcho(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Events():
		}
	}
}
