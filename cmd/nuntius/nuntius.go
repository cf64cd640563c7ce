// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nuntius-im/nuntius/cfg"
	"github.com/nuntius-im/nuntius/dm"
	"github.com/nuntius-im/nuntius/engine"
	"github.com/nuntius-im/nuntius/identity"
	"github.com/nuntius-im/nuntius/logger"
	"github.com/nuntius-im/nuntius/model"
	"github.com/nuntius-im/nuntius/relay"
	"github.com/nuntius-im/nuntius/telemetry"
)

var (
	configPath string
	keyFile    string
	keyOut     string
	sendTo     string
	announce   string
	debug      bool

	nuntius = &cobra.Command{
		Use:           "nuntius",
		Short:         "terminal to terminal encrypted chat over Nostr relays",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	keygen = &cobra.Command{
		Use:   "keygen",
		Short: "generate a fresh identity keypair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			nsec, npub, err := identity.Generate()
			if err != nil {
				return err
			}
			if keyOut != "" {
				if err = os.WriteFile(keyOut, []byte(nsec+"\n"), 0o600); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "npub: %v\nnsec written to %v\n", npub, keyOut)

				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nsec: %v\nnpub: %v\n", nsec, npub)
			fmt.Fprintf(cmd.ErrOrStderr(), "store the nsec in %v or a key file, share only the npub\n", identity.EnvVar)

			return nil
		},
	}
	initFlags = func() {
		nuntius.PersistentFlags().StringVar(&configPath, "config", "", "path to the yaml configuration file")
		nuntius.Flags().StringVar(&keyFile, "key-file", "", "file holding the private key when "+identity.EnvVar+" is unset")
		nuntius.Flags().StringVar(&sendTo, "to", "", "peer to chat with (npub or hex public key)")
		nuntius.Flags().StringVar(&announce, "announce", "", "publish an identity beacon under this display name so peers can discover you")
		nuntius.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")
		keygen.Flags().StringVar(&keyOut, "out", "", "write the nsec to this file instead of stdout")
	}
)

func init() {
	initFlags()
	nuntius.AddCommand(keygen)
}

func main() {
	if err := nuntius.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nuntius:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger.MustInit(debug)
	defer logger.Sync()

	// The identity gates everything: no key, no connections, exit early.
	id, err := identity.LoadFromEnv(keyFile)
	if err != nil {
		return err
	}
	defer id.Zero()

	if configPath != "" {
		cfg.MustInit(configPath)
	} else {
		cfg.MustInit()
	}
	scheme, err := dm.ParseScheme(cfg.MustGet[dm.Config]().Scheme)
	if err != nil {
		return err
	}
	cipher := dm.New(scheme, id)

	relayCfg := cfg.MustGet[relay.Config]()
	pool, err := relay.New(relayCfg, engine.SubscriptionFilters(id, cipher))
	if err != nil {
		return err
	}
	eng := engine.New(cfg.MustGet[engine.Config](), id, cipher, pool)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	pool.Start(ctx)
	eng.Start(ctx)
	feed := telemetry.New(cfg.MustGet[telemetry.Config](), pool, eng.Subscribe(), id.PublicKey())
	if err = feed.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stop()
		feed.Close()
		eng.Close()
		pool.Close()
	}()

	// Zero usable relays after the initial attempt window is a startup
	// failure, not a degraded run.
	window := relayCfg.DialTimeout
	if window <= 0 {
		window = 7 * time.Second
	}
	if err = pool.WaitConnected(ctx, window+time.Second); err != nil {
		return err
	}

	fmt.Printf("you are %v (%v scheme)\n", id.Npub(), cipher.Scheme())
	if announce != "" {
		if err = eng.Announce(ctx, announce, ""); err != nil {
			return err
		}
		fmt.Printf("identity beacon published as %q\n", announce)
	}
	if sendTo != "" {
		if _, err = engine.NormalizeRecipient(sendTo); err != nil {
			return err
		}
		fmt.Printf("chatting with %v\n", sendTo)
	}

	go printMessages(ctx, id.PublicKey(), eng.Subscribe())

	return repl(ctx, os.Stdin, eng, feed)
}

// printMessages renders the engine's stream: inbound plaintext and the
// delivery state transitions of our own messages.
func printMessages(ctx context.Context, localPub string, messages <-chan model.ChatMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			at := time.Unix(int64(msg.CreatedAt), 0).Format("15:04:05")
			if msg.Sender == localPub {
				fmt.Printf("[%v] -> %.16v… %v\n", at, msg.Recipient, msg.State)

				continue
			}
			fmt.Printf("[%v] <%.16v…> %v\n", at, msg.Sender, msg.Plaintext)
		}
	}
}

// readLines pumps input lines to a channel so the REPL can honor
// context cancellation while a read is pending.
func readLines(ctx context.Context, input io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return lines
}

// repl reads input line by line. Plain lines go to the current peer;
// slash commands switch peers, show status or quit. Returns promptly on
// context cancellation even while a read is pending.
func repl(ctx context.Context, input io.Reader, eng *engine.Engine, feed *telemetry.Telemetry) error {
	lines := readLines(ctx, input)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case raw, open := <-lines:
			if !open {
				return nil
			}
			line = strings.TrimSpace(raw)
		}
		switch {
		case line == "":
		case line == "/quit", line == "/exit", line == "exit":
			return nil
		case line == "/status":
			for _, msg := range eng.History() {
				fmt.Printf("  %v %.16v… %v\n", msg.State, msg.Recipient, msg.EventID)
			}
		case strings.HasPrefix(line, "/to "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			if _, err := engine.NormalizeRecipient(peer); err != nil {
				fmt.Println("!", err)

				continue
			}
			sendTo = peer
			fmt.Printf("chatting with %v\n", sendTo)
		default:
			if sendTo == "" {
				peer := eng.DiscoveredPeer()
				if peer == nil {
					fmt.Println("! no peer selected, use /to <npub> or wait for a beacon")

					continue
				}
				sendTo = peer.PubKey
				fmt.Printf("chatting with discovered peer %q %.16v…\n", peer.Name, peer.PubKey)
			}
			started := time.Now()
			msg, err := eng.Send(ctx, sendTo, line)
			feed.ObservePublish(time.Since(started))
			if err != nil {
				logger.Named("cli").Warn("send failed", zap.String("eventID", msg.EventID), zap.Error(err))
				fmt.Printf("! message %v: %v\n", msg.State, err)
			}
		}
	}
}
