package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/core/cast"
	"github.com/ktvcast/ktvcast/core/room"
	"github.com/ktvcast/ktvcast/core/upnp"
	"github.com/ktvcast/ktvcast/log"
	"github.com/ktvcast/ktvcast/server/mediaproxy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var interrupted bool

var rootCmd = &cobra.Command{
	Use:   "ktvcast [roomURL]",
	Short: "Cast a karaoke room's current track to a DLNA renderer",
	Long: `ktvcast mirrors a karaoke room's currently-playing track onto a
DLNA/UPnP MediaRenderer on the local network. It follows the room's
playlist over a persistent socket (or HTTP polling) and keeps the
renderer in sync, advancing when a track finishes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := conf.Load(); err != nil {
			return err
		}
		return runCast(cmd.Context(), args)
	},
	SilenceUsage: true,
}

// Execute runs the CLI. Exit codes: 0 clean shutdown, 1 unrecoverable
// error, 2 user interrupt.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	if interrupted {
		os.Exit(2)
	}
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(conf.InitConfig)

	rootCmd.PersistentFlags().String("loglevel", "info", "log level (fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("syncmode", conf.SyncModeWS, "playlist sync transport (WS or POLLING)")
	rootCmd.PersistentFlags().String("nickname", "ktv-casting", "name advertised to renderers")
	rootCmd.PersistentFlags().Int("proxyport", 8080, "media proxy listen port")
	_ = viper.BindPFlag("loglevel", rootCmd.PersistentFlags().Lookup("loglevel"))
	_ = viper.BindPFlag("syncmode", rootCmd.PersistentFlags().Lookup("syncmode"))
	_ = viper.BindPFlag("nickname", rootCmd.PersistentFlags().Lookup("nickname"))
	_ = viper.BindPFlag("proxyport", rootCmd.PersistentFlags().Lookup("proxyport"))
}

func runCast(ctx context.Context, args []string) error {
	stdin := bufio.NewReader(os.Stdin)

	rawURL := ""
	if len(args) > 0 {
		rawURL = args[0]
	} else {
		var err error
		rawURL, err = promptLine(stdin, "Room URL: ")
		if err != nil {
			return err
		}
	}
	rm, err := room.ParseRoomURL(rawURL)
	if err != nil {
		return err
	}
	log.Info(ctx, "Joined room", "room", rm.ID, "service", rm.BaseURL)

	proxy := mediaproxy.New()
	if err := proxy.Start(ctx); err != nil {
		return err
	}

	renderer, discovery, err := selectRenderer(ctx, stdin)
	if err != nil {
		_ = proxy.Shutdown(context.Background())
		return err
	}
	defer discovery.Close()
	fmt.Printf("Casting to %s\n", renderer.FriendlyName)

	client := room.NewClient(rm)
	source := openSource(ctx, rm, client)

	sync := cast.New(renderer, upnp.NewAVTransport(), client, source, proxy.StreamURL)
	sync.OnTransition = printTransition

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sync.Run(runCtx)
	})
	g.Go(func() error {
		return watchKeys(runCtx, sync.TogglePause)
	})

	err = g.Wait()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		interrupted = true
		err = nil
		fmt.Println("\nInterrupted, stopping playback")
	}

	// Shutdown order: the synchronizer already issued its final Stop when
	// Run returned; now close the transport and drain the proxy.
	var result *multierror.Error
	result = multierror.Append(result, err)
	source.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result = multierror.Append(result, proxy.Shutdown(drainCtx))
	return result.ErrorOrNil()
}

// selectRenderer scans the LAN and asks the user to pick a renderer.
func selectRenderer(ctx context.Context, stdin *bufio.Reader) (*upnp.Renderer, *upnp.Discovery, error) {
	fmt.Println("Searching for renderers…")
	discovery := upnp.NewDiscovery()
	renderers, err := discovery.Scan(ctx)
	if err != nil {
		discovery.Close()
		return nil, nil, err
	}
	if len(renderers) == 0 {
		discovery.Close()
		return nil, nil, upnp.ErrNoRenderers
	}

	for i, r := range renderers {
		model := r.ModelName
		if model != "" {
			model = " (" + model + ")"
		}
		fmt.Printf("  [%d] %s%s\n", i, r.FriendlyName, model)
	}

	for {
		answer, err := promptLine(stdin, "Renderer: ")
		if err != nil {
			discovery.Close()
			return nil, nil, err
		}
		idx, err := strconv.Atoi(answer)
		if err != nil || idx < 0 || idx >= len(renderers) {
			fmt.Printf("Enter a number between 0 and %d\n", len(renderers)-1)
			continue
		}
		return renderers[idx], discovery, nil
	}
}

// openSource picks the sync transport: the socket when configured and
// reachable, polling otherwise.
func openSource(ctx context.Context, rm *room.Room, client *room.Client) room.Source {
	if conf.Server.SyncMode == conf.SyncModeWS {
		source, err := room.NewWSSource(ctx, rm, client)
		if err == nil {
			log.Debug(ctx, "Using room socket", "url", rm.WSURL())
			return source
		}
		log.Warn(ctx, "Room socket unavailable", err)
		fmt.Println("Switched to polling")
	}
	return room.NewPollingSource(client)
}

func printTransition(status cast.Status) {
	switch status.State {
	case cast.StatePlaying:
		fmt.Printf("Now playing: %s\n", status.Track.Title)
	case cast.StatePaused:
		fmt.Printf("Paused: %s\n", status.Track.Title)
	case cast.StateEnded:
		if status.Track != nil {
			fmt.Printf("Finished: %s\n", status.Track.Title)
		}
	case cast.StateIdle:
		fmt.Println("Nothing queued")
	case cast.StateError:
		fmt.Println("Renderer unreachable, retrying")
	}
}

func promptLine(r *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("input closed")
	}
	return strings.TrimSpace(line), nil
}
