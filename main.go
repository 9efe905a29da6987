// Package main provides the entry point for the yapit CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/yapit-tts/yapit/internal/audio"
	"github.com/yapit-tts/yapit/internal/audiocache"
	"github.com/yapit-tts/yapit/internal/config"
	"github.com/yapit-tts/yapit/internal/document"
	"github.com/yapit-tts/yapit/internal/player"
	"github.com/yapit-tts/yapit/internal/position"
	"github.com/yapit-tts/yapit/internal/remote"
	"github.com/yapit-tts/yapit/internal/synth"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	modelFlag  string
	voiceFlag  string
	volumeFlag float64
	debugFlag  bool

	rootCmd = &cobra.Command{
		Use:          "yapit [FILE|DOCUMENT-ID]",
		Short:        "Listen to documents from your terminal",
		Long:         "\nTurn a markdown file or a library document into speech, with prefetched synthesis and resumable positions.",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE:         execute,
	}
)

func execute(cmd *cobra.Command, args []string) error {
	if debugFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("model") {
		cfg.Model = modelFlag
	}
	if cmd.Flags().Changed("voice") {
		cfg.Voice = voiceFlag
	}
	if cmd.Flags().Changed("volume") {
		cfg.Volume = volumeFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	catalog, info, err := openDocument(ctx, cfg, args[0])
	if err != nil {
		return err
	}
	return run(ctx, cfg, catalog, info)
}

// openDocument resolves the argument into a block catalog: an existing path
// is parsed as local markdown, anything else is treated as a library
// document id and fetched from the service.
func openDocument(ctx context.Context, cfg config.Config, arg string) (*document.Catalog, document.Info, error) {
	opts := document.LoadOptions{
		WordsPerMinute: cfg.WordsPerMinute,
		SkipCodeBlocks: cfg.SkipCodeBlocks,
	}
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		catalog, err := document.LoadMarkdown(arg, opts)
		if err != nil {
			return nil, document.Info{}, err
		}
		title := strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
		return catalog, document.Info{ID: catalog.DocumentID(), Title: title}, nil
	}

	client := document.NewClient(cfg.APIBase, cfg.Token)
	info, err := client.GetDocument(ctx, arg)
	if err != nil {
		return nil, document.Info{}, err
	}
	catalog, err := client.ListBlocks(ctx, arg)
	if err != nil {
		return nil, document.Info{}, err
	}
	return catalog, info, nil
}

func run(ctx context.Context, cfg config.Config, catalog *document.Catalog, info document.Info) error {
	cache := audiocache.New(catalog, cfg.EvictThreshold)
	voice := synth.Voice{Model: cfg.Model, Slug: cfg.Voice}

	var channel *remote.Channel
	var remoteSynth synth.Synthesizer
	if voice.RemoteHosted() {
		channel = remote.NewChannel(cfg.WSBase, cfg.Token)
		go channel.Run(ctx)

		r := synth.NewRemote(channel, remote.NewFetcher(cfg.SampleRate), catalog.DocumentID())
		r.BlockTimeout = cfg.BlockTimeout
		r.PollInterval = cfg.PollInterval
		remoteSynth = r
	}

	local := synth.NewLocal(synth.NewMockEngine())
	registry := synth.NewRegistry(local, remoteSynth, cache, voice)

	out, err := audio.NewPlayer(audio.PlayerConfig{SampleRate: cfg.SampleRate, Channels: 1})
	if err != nil {
		return err
	}
	if err := out.SetVolume(cfg.Volume); err != nil {
		return err
	}

	store, err := position.NewStore()
	if err != nil {
		return err
	}
	var syncer *position.Syncer
	if cfg.Authenticated() {
		syncer = position.NewSyncer(cfg.APIBase, cfg.Token)
	}
	tracker := position.NewTracker(store, syncer)

	var chIface player.Channel
	if channel != nil {
		chIface = channel
	}
	ctrl := player.NewController(catalog, cache, registry, out, chIface, tracker, player.Config{
		RefillThreshold:  cfg.RefillThreshold,
		BatchSize:        cfg.BatchSize,
		MinBufferToStart: cfg.MinBufferToStart,
	})
	defer ctrl.Close()

	cache.OnTotalChange(func(time.Duration) { ctrl.Poke() })
	if channel != nil {
		channel.OnChange(ctrl.Poke)
	}
	ctrl.OnConsumed(func(blockIdx, chars int) {
		log.Debug("consumed block", "block", blockIdx, "chars", chars)
	})

	if pos := tracker.Restore(catalog.DocumentID(), catalog.Len(), info.LastKnownBlockIdx); pos.Block > 0 {
		ctrl.Seek(pos.Block)
	}
	ctrl.Play()

	if info.Title != "" {
		fmt.Printf("Reading %q (%d blocks)\n", info.Title, catalog.Len())
	}
	return interact(ctx, ctrl)
}

// interact runs the raw-terminal key loop and the status line until the user
// quits or the context is canceled.
func interact(ctx context.Context, ctrl *player.Controller) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// Non-interactive use: play until interrupted.
		<-ctx.Done()
		return nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(fd, oldState) //nolint:errcheck

	keys := make(chan byte)
	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := os.Stdin.Read(buf); err != nil {
				close(keys)
				return
			}
			keys <- buf[0]
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\n")
			return nil
		case <-ticker.C:
			renderStatus(ctrl.Progress())
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			switch key {
			case ' ':
				if ctrl.State() == player.StatePlaying {
					ctrl.Pause()
				} else {
					ctrl.Play()
				}
			case 'n':
				ctrl.SkipForward()
			case 'p':
				ctrl.SkipBack()
			case 'c':
				ctrl.CancelBuffering()
			case 'q', 3, 4: // q, ctrl-c, ctrl-d
				fmt.Print("\r\n")
				return nil
			}
			renderStatus(ctrl.Progress())
		}
	}
}

func renderStatus(v player.ProgressBarValues) {
	state := v.State.String()
	if v.Synthesizing {
		state = "synthesizing"
	}
	line := fmt.Sprintf("[%s] block %d/%d  %s / %s",
		state, v.Cursor+1, v.BlockCount, fmtClock(v.Elapsed), fmtClock(v.Total))
	if v.Connection == remote.StateReconnecting || v.Connection == remote.StateConnectionError {
		line += "  (" + v.Connection.String() + ")"
	}
	// Pad to clear leftovers from a longer previous line.
	fmt.Printf("\r%-70s", line)
}

func fmtClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "synthesis model")
	rootCmd.Flags().StringVarP(&voiceFlag, "voice", "v", "", "voice within the model")
	rootCmd.Flags().Float64Var(&volumeFlag, "volume", 1.0, "playback volume (0.0 to 1.0)")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "verbose logging")

	rootCmd.AddCommand(configCmd, manCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "yapit")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "yapit")}, dirs...)
	}
	if c := os.Getenv("YAPIT_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("yapit")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("yapit")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}
	configFile = filepath.Join(dirs[0], "yapit.yml")
}
