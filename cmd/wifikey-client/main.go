// Command wifikey-client runs the operator-side endpoint: it rendezvouses with a server,
// authenticates the session, samples paddle input, and transmits keying frames at a fixed
// cadence (spec sections 4.1, 4.2, 4.4).
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/control"
	"github.com/jl1nie/wifikey2/internal/wklog"
	"github.com/jl1nie/wifikey2/keying"
	"github.com/jl1nie/wifikey2/rendezvous"
	"github.com/jl1nie/wifikey2/sampler"
	"github.com/jl1nie/wifikey2/session"
	"github.com/jl1nie/wifikey2/wkerr"
)

var rootCmd = &cobra.Command{
	Use:   "wifikey-client",
	Short: "WiFiKey client: sends paddle keying to a remote transceiver over the internet",
	RunE:  runClient,
}

var (
	flagServerName string
	flagPassphrase string
	flagSTUNServer string
	flagBroker     string
	flagDebug      bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerName, "server-name", "", "rendezvous server name (required)")
	flags.StringVar(&flagPassphrase, "passphrase", os.Getenv("WIFIKEY_PASSPHRASE"), "shared passphrase (env: WIFIKEY_PASSPHRASE)")
	flags.StringVar(&flagSTUNServer, "stun-server", "stun.l.google.com:19302", "STUN server for reflexive address discovery")
	flags.StringVar(&flagBroker, "broker", "pubsub", "rendezvous broker: \"pubsub\" or a ws:// URL")
	flags.BoolVar(&flagDebug, "debug", false, "verbose logging")

	_ = rootCmd.MarkPersistentFlagRequired("server-name")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

func newBroker(ctx context.Context) (collab.Broker, error) {
	if strings.HasPrefix(flagBroker, "ws://") || strings.HasPrefix(flagBroker, "wss://") {
		return rendezvous.NewWSBroker(flagBroker), nil
	}
	return rendezvous.NewPubSubBroker(ctx)
}

func runClient(cmd *cobra.Command, args []string) error {
	wklog.Init(flagDebug)
	if flagPassphrase == "" {
		log.Fatal().Msg("passphrase required: --passphrase or WIFIKEY_PASSPHRASE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()

	broker, err := newBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	rzCfg := rendezvous.Config{
		Role:       rendezvous.RoleClient,
		ServerName: flagServerName,
		Passphrase: flagPassphrase,
		STUNServer: flagSTUNServer,
		Broker:     broker,
		Conn:       conn,
	}
	log.Info().Str("server_name", flagServerName).Msg("client: rendezvousing with server")
	peerAddr, err := rendezvous.NewSession(rzCfg).RunWithRetry(ctx)
	if err != nil {
		return err
	}

	sess, err := session.NewClientSession(ctx, peerAddr, conn, flagPassphrase)
	if err != nil {
		return err
	}
	defer sess.Close()
	log.Info().Str("peer", sess.RemoteAddr().String()).Msg("client: session established")

	clock := collab.NewSystemClock()
	atu := newStdinATU()
	paddle := newStdinPaddle(clock, atu)
	samp := sampler.New(paddle, atu, clock, sess)

	sampCtx, sampCancel := context.WithCancel(ctx)
	defer sampCancel()
	go samp.Run(sampCtx)

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sess.Tick()
				if sess.State() != session.StateAuthOK {
					stop()
					return
				}
			}
		}
	}()

	// recvTick bounds each RecvFrame call to one tick, so ctx cancellation (or the server
	// going silent) is noticed within one iteration rather than blocking indefinitely (spec
	// section 5: "no task may linger past 200ms after cancel").
	const recvTick = 200 * time.Millisecond

	for ctx.Err() == nil {
		recvCtx, recvCancel := context.WithTimeout(ctx, recvTick)
		f, err := sess.RecvFrame(recvCtx)
		recvCancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, wkerr.ErrClosed) {
				break
			}
			log.Warn().Err(err).Msg("client: recv frame")
			continue
		}
		if f.Command == keying.CmdPing {
			_ = sess.SendFrame(control.HandlePing(f))
		}
	}

	log.Info().Msg("client: shutting down")
	return nil
}
