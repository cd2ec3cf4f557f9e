package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/gosuda/thread-chat/chat"
	"github.com/gosuda/thread-chat/history"
	"github.com/gosuda/thread-chat/profile"
	"github.com/gosuda/thread-chat/render"
)

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Terminal client for a hearst chat thread",
	RunE:  runClient,
}

var (
	flagConfig     string
	flagProfile    string
	flagEndpoint   string
	flagThread     string
	flagMailbox    string
	flagName       string
	flagExternalID string
	flagRender     string
	flagDataPath   string
	flagSendRate   float64
	flagVerbose    bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "TOML file with [profile.<name>] sections")
	flags.StringVar(&flagProfile, "profile", "", "profile to load from --config (defaults to the file's default)")
	flags.StringVar(&flagEndpoint, "endpoint", "", "socket endpoint, e.g. ws://chat.smick.co/socket/")
	flags.StringVar(&flagThread, "thread", "", "thread id to follow")
	flags.StringVar(&flagMailbox, "mailbox", "", "mailbox id messages are sent from")
	flags.StringVar(&flagName, "name", "", "display name attached to sent messages")
	flags.StringVar(&flagExternalID, "external-id", "", "external sender id attached to sent messages")
	flags.StringVar(&flagRender, "render", "", "render mode: rich or minimal")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to cache thread history via PebbleDB")
	flags.Float64Var(&flagSendRate, "send-rate", 2, "maximum messages sent per second (0 disables pacing)")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "log protocol details")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chat-client command")
	}
}

// resolveProfile layers changed flags over the loaded profile.
func resolveProfile(cmd *cobra.Command) (profile.Profile, error) {
	p, err := profile.Load(flagConfig, flagProfile)
	if err != nil {
		return profile.Profile{}, err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override("endpoint", &p.Endpoint, flagEndpoint)
	override("thread", &p.ThreadID, flagThread)
	override("mailbox", &p.MailboxID, flagMailbox)
	override("name", &p.DisplayName, flagName)
	override("external-id", &p.ExternalID, flagExternalID)
	override("render", &p.Render, flagRender)
	override("data-path", &p.DataPath, flagDataPath)
	return p, p.Validate()
}

func runClient(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	p, err := resolveProfile(cmd)
	if err != nil {
		return err
	}
	mode, err := render.ParseMode(p.Render)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	term := render.NewTerminal(cmd.OutOrStdout(), mode)

	store, err := history.Open(p.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] open history failed; running without cache")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[chat] history close error")
		}
	}()
	renderer, err := replayHistory(store, p.ThreadID, p.FollowLimit, term)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] load history failed")
	}

	following := make(chan struct{})
	var followOnce sync.Once
	opts := append(p.SessionOptions(),
		chat.WithRenderer(renderer),
		chat.WithErrorHandler(func(err error) {
			log.Warn().Err(err).Msg("[chat] session error")
		}),
		chat.WithStateHandler(func(st chat.State) {
			log.Debug().Stringer("state", st).Msg("[chat] state changed")
			if st == chat.StateFollowing {
				followOnce.Do(func() { close(following) })
			}
		}),
	)
	session := chat.NewSession(opts...)
	if err := session.Configure(p.ThreadID, p.MailboxID); err != nil {
		return err
	}
	session.IdentityResolved(p.DisplayName, p.ExternalID)

	if err := session.Connect(ctx, p.Endpoint); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info().Str("endpoint", p.Endpoint).Str("thread", p.ThreadID).Msg("[chat] connecting")

	limit := rate.Inf
	if flagSendRate > 0 {
		limit = rate.Limit(flagSendRate)
	}
	in := &inputLoop{
		session:   session,
		limiter:   rate.NewLimiter(limit, 1),
		following: following,
		closed:    session.Done(),
	}
	go func() {
		if err := in.run(ctx, cmd.InOrStdin()); err != nil {
			log.Warn().Err(err).Msg("[chat] input loop stopped")
		}
		stop()
	}()

	select {
	case <-ctx.Done():
	case <-session.Done():
		log.Info().Msg("[chat] connection closed")
		return nil
	}

	select {
	case <-session.Done():
	case <-time.After(3 * time.Second):
		log.Warn().Msg("[chat] timed out waiting for connection to close")
	}
	log.Info().Msg("[chat] shutdown complete")
	return nil
}

// replayHistory shows the cached tail of the thread and returns the renderer
// for live messages, which skips what was just replayed.
func replayHistory(store *history.Store, threadID string, limit int, term chat.Renderer) (chat.Renderer, error) {
	if limit <= 0 {
		limit = chat.DefaultFollowLimit
	}
	renderer, n, err := store.Replay(threadID, limit, term)
	if n > 0 {
		log.Info().Msgf("[chat] replayed %d cached messages", n)
	}
	return renderer, err
}
