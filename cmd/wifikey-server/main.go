// Command wifikey-server runs the transceiver-side endpoint: it rendezvouses with a single
// client, authenticates the session, and plays received keying frames out on the transceiver
// line (spec sections 4.2, 4.5, 4.6).
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jl1nie/wifikey2/collab"
	"github.com/jl1nie/wifikey2/control"
	"github.com/jl1nie/wifikey2/internal/wklog"
	"github.com/jl1nie/wifikey2/keyer"
	"github.com/jl1nie/wifikey2/keying"
	"github.com/jl1nie/wifikey2/rendezvous"
	"github.com/jl1nie/wifikey2/session"
	"github.com/jl1nie/wifikey2/wkerr"
)

var rootCmd = &cobra.Command{
	Use:   "wifikey-server",
	Short: "WiFiKey server: keys a transceiver from a remote paddle over the internet",
	RunE:  runServer,
}

var (
	flagServerName string
	flagPassphrase string
	flagSTUNServer string
	flagBroker     string
	flagAdminHTTP  string
	flagDebug      bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerName, "server-name", "", "rendezvous server name (required)")
	flags.StringVar(&flagPassphrase, "passphrase", os.Getenv("WIFIKEY_PASSPHRASE"), "shared passphrase (env: WIFIKEY_PASSPHRASE)")
	flags.StringVar(&flagSTUNServer, "stun-server", "stun.l.google.com:19302", "STUN server for reflexive address discovery")
	flags.StringVar(&flagBroker, "broker", "pubsub", "rendezvous broker: \"pubsub\" or a ws:// URL")
	flags.StringVar(&flagAdminHTTP, "admin-http", ":8090", "admin HTTP listen address (empty to disable)")
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

func runServer(cmd *cobra.Command, args []string) error {
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
		Role:       rendezvous.RoleServer,
		ServerName: flagServerName,
		Passphrase: flagPassphrase,
		STUNServer: flagSTUNServer,
		Broker:     broker,
		Conn:       conn,
	}
	log.Info().Str("server_name", flagServerName).Msg("server: waiting for client rendezvous")
	if _, err := rendezvous.NewSession(rzCfg).RunWithRetry(ctx); err != nil {
		return err
	}

	sess, err := session.NewServerSession(ctx, conn, flagPassphrase)
	if err != nil {
		return err
	}
	defer sess.Close()
	log.Info().Str("peer", sess.RemoteAddr().String()).Msg("server: session established")

	reg := prometheus.NewRegistry()
	stats := control.NewStats(reg)
	stats.SetSessionStart(sess.RemoteAddr(), time.Now())

	clock := collab.NewSystemClock()
	line := stdoutLine{}
	ky := keyer.New(line, clock)
	wpm := control.NewWPMEstimator()
	ky.OnKeyDuration = wpm.Feed
	ky.OnWatchdogTrip = stats.RecordWatchdogTrip

	rtt := control.NewRTTTracker(clock, stats)
	atu := logATUTrigger{}

	if flagAdminHTTP != "" {
		go func() {
			log.Info().Str("addr", flagAdminHTTP).Msg("server: admin http listening")
			if err := http.ListenAndServe(flagAdminHTTP, control.NewAdminRouter(reg, stats)); err != nil {
				log.Error().Err(err).Msg("server: admin http failed")
			}
		}()
	}

	kyCtx, kyCancel := context.WithCancel(ctx)
	defer kyCancel()
	go ky.Run(kyCtx)

	// frames is the bounded hand-off channel between the network pump below and the keyer
	// goroutine above (spec section 5: capacity ~64). A full channel means the keyer has
	// fallen behind badly enough that timing reconstruction can no longer be trusted, so the
	// pump drops the oldest queued frame and resets the session rather than blocking.
	frames := make(chan keying.Frame, 64)
	go func() {
		for {
			select {
			case <-kyCtx.Done():
				return
			case f := <-frames:
				ky.Feed(f)
			}
		}
	}()

	var packetCount uint64
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := atomic.SwapUint64(&packetCount, 0)
				stats.SetPacketsPerSecond(float64(n))
				stats.SetWPM(wpm.WPM())
			}
		}
	}()

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

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sess.SendFrame(rtt.BuildPing())
			}
		}
	}()

	// recvTick bounds each RecvFrame call to one tick, so ctx cancellation (or the peer going
	// silent) is noticed within one iteration rather than blocking indefinitely (spec section
	// 5: "no task may linger past 200ms after cancel").
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
			log.Warn().Err(err).Msg("server: recv frame")
			continue
		}
		atomic.AddUint64(&packetCount, 1)

		switch f.Command {
		case keying.CmdKeyerMessage:
			select {
			case frames <- f:
			default:
				// Drop the oldest queued frame to make room for this one, then reset.
				select {
				case <-frames:
				default:
				}
				select {
				case frames <- f:
				default:
				}
				stats.RecordOverflow()
				log.Warn().Msg("server: keyer hand-off channel full, resetting session")
				_ = sess.Reset()
			}
		case keying.CmdStartATU:
			stats.SetATUInProgress(true)
			go func() {
				defer stats.SetATUInProgress(false)
				if err := atu.Trigger(ctx); err != nil {
					log.Warn().Err(err).Msg("server: atu trigger failed")
				}
			}()
		case keying.CmdPing:
			_ = sess.SendFrame(control.HandlePing(f))
		case keying.CmdPong:
			rtt.HandlePong(f)
		}
	}

	ky.SafeState("server: session ended")
	log.Info().Msg("server: shutting down")
	return nil
}
