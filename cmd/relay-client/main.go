package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/mpc-relay/client"
	"github.com/ruteri/mpc-relay/cmd/flags"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "relay-url",
		Value: "http://127.0.0.1:8080",
		Usage: "relay base URL",
	},
	&cli.StringFlag{
		Name:    "key",
		Usage:   "hex-encoded secp256k1 private key; a fresh key is generated if omitted",
		EnvVars: []string{"RELAY_CLIENT_KEY"},
	},
	&cli.StringFlag{
		Name:     "session",
		Required: true,
		Usage:    "session to join",
	},
	&cli.StringSliceFlag{
		Name:  "member",
		Usage: "required member address when creating the session, may be repeated",
	},
	&cli.IntFlag{
		Name:  "quorum",
		Usage: "quorum when creating an open session",
	},
	&cli.StringFlag{
		Name:  "value",
		Usage: "JSON value attached to the session when creating it",
	},
	&cli.StringFlag{
		Name:  "to",
		Usage: "send input lines to this member only instead of broadcasting",
	},
	&cli.BoolFlag{
		Name:  "reconnect",
		Value: true,
		Usage: "reconnect and resume memberships when the connection drops",
	},
	flags.LogDebugFlag,
	flags.LogJsonFlag,
	flags.LogUidFlag,
	flags.LogServiceFlagFn("mpc-relay-client"),
}

func main() {
	app := &cli.App{
		Name:  "relay-client",
		Usage: "Join a relay session, send stdin lines and print received notifications",
		Flags: clientFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			key, err := loadKey(cCtx.String("key"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, client.Config{
				URL:       cCtx.String("relay-url"),
				Key:       key,
				Log:       logger,
				Reconnect: cCtx.Bool("reconnect"),
			})
			if err != nil {
				logger.Error("Failed to connect", "err", err)
				return err
			}
			defer c.Close()
			logger.Info("Connected", "identity", c.Identity())

			join := protocol.JoinParams{
				SessionID: interfaces.SessionID(cCtx.String("session")),
				Quorum:    cCtx.Int("quorum"),
			}
			for _, m := range cCtx.StringSlice("member") {
				join.RequiredMembers = append(join.RequiredMembers, interfaces.PartyID(m))
			}
			if v := cCtx.String("value"); v != "" {
				if !json.Valid([]byte(v)) {
					return fmt.Errorf("--value is not valid JSON")
				}
				join.Value = json.RawMessage(v)
			}

			snap, err := c.Join(ctx, join)
			if err != nil {
				logger.Error("Join failed", "err", err)
				return err
			}
			logger.Info("Joined session", "session", snap.SessionID, "state", snap.State, "members", len(snap.Members))

			to := interfaces.PartyID(cCtx.String("to"))
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return printNotifications(ctx, c) })
			g.Go(func() error { return sendLines(ctx, c, snap.SessionID, to) })

			err = g.Wait()
			if !errors.Is(err, errStdinClosed) {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			// Input finished: our part of the session is complete.
			lctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			defer cancel()
			if err := c.Leave(lctx, snap.SessionID); err != nil {
				logger.Warn("Leave failed", "err", err)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

const leaveTimeout = 5 * time.Second

var errStdinClosed = errors.New("stdin closed")

func loadKey(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return key, nil
}

// printNotifications writes every notification to stdout as a JSON line.
func printNotifications(ctx context.Context, c *client.Client) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case n, ok := <-c.Notifications():
			if !ok {
				return c.Err()
			}
			if err := enc.Encode(struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}{n.Method, n.Params}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendLines sends each stdin line as a payload. Lines that are valid JSON
// are sent as is, anything else as a JSON string.
func sendLines(ctx context.Context, c *client.Client, sid interfaces.SessionID, to interfaces.PartyID) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return err
					}
				default:
				}
				return errStdinClosed
			}
			if line == "" {
				continue
			}
			payload := json.RawMessage(line)
			if !json.Valid(payload) {
				raw, _ := json.Marshal(line)
				payload = raw
			}
			var err error
			if to != "" {
				_, err = c.SendDirect(ctx, sid, to, payload)
			} else {
				_, err = c.Broadcast(ctx, sid, payload)
			}
			var perr *protocol.Error
			if errors.As(err, &perr) {
				fmt.Fprintf(os.Stderr, "send rejected: %v\n", perr)
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
