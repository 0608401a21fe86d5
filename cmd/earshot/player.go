package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"earshot/internal/controller"
	"earshot/internal/engine"
	"earshot/internal/session"
	"earshot/internal/storage"
)

func newPlayCmd(a *app) *cobra.Command {
	var (
		feedURL string
		guid    string
		sleep   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "play [search term]",
		Short: "Play an episode, resuming from where you left off",
		Long: `Play an episode. With a search term the best library match is played;
with --feed and --guid an exact episode is played. With --feed alone the
whole feed is queued oldest-first, starting at the first unfinished episode,
and the previous/next commands move through the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedURL != "" && guid == "" {
				return runPlayback(a, sleep, func(ctrl *controller.Controller) error {
					return playFeedQueue(a, ctrl, feedURL)
				})
			}
			episode, err := resolveEpisode(a, args, feedURL, guid)
			if err != nil {
				return err
			}
			return runPlayback(a, sleep, func(ctrl *controller.Controller) error {
				return ctrl.PlayMedia(episode)
			})
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed", "", "feed URL of the episode")
	cmd.Flags().StringVar(&guid, "guid", "", "GUID of the episode")
	cmd.Flags().DurationVar(&sleep, "sleep", 0, "pause playback after this long (e.g. 30m)")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var sleep time.Duration

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the last played episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayback(a, sleep, func(ctrl *controller.Controller) error {
				if err := ctrl.Restore(); err != nil {
					return err
				}
				if !ctrl.CurrentState().HasItems {
					return errors.New("nothing to resume")
				}
				ctrl.Resume()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&sleep, "sleep", 0, "pause playback after this long (e.g. 30m)")
	return cmd
}

func resolveEpisode(a *app, args []string, feedURL, guid string) (*storage.Episode, error) {
	if feedURL != "" && guid != "" {
		return a.store.GetEpisode(feedURL, guid)
	}
	if len(args) == 0 {
		return nil, errors.New("give a search term, or --feed and --guid")
	}

	idx, err := openIndex(a)
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	results, err := idx.Search(strings.Join(args, " "), 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no matching episode in the library")
	}
	return results[0].Episode, nil
}

// playFeedQueue queues a feed oldest-first and starts at the first episode
// not yet finished.
func playFeedQueue(a *app, ctrl *controller.Controller, feedURL string) error {
	eps, err := a.store.GetEpisodesForFeed(feedURL)
	if err != nil {
		return err
	}
	if len(eps) == 0 {
		return errors.New("no episodes stored for this feed")
	}

	// Stored order is newest-first; a catch-up listen runs the other way
	for i, j := 0, len(eps)-1; i < j; i, j = i+1, j-1 {
		eps[i], eps[j] = eps[j], eps[i]
	}

	start := 0
	for i, ep := range eps {
		p, err := a.store.GetProgress(ep.FeedURL, ep.GUID)
		if err != nil || !p.Finished {
			start = i
			break
		}
	}
	return ctrl.PlayQueue(eps, start)
}

// runPlayback wires engine, session, and controller together, runs start,
// then renders playback until it ends or the user interrupts.
func runPlayback(a *app, sleep time.Duration, start func(*controller.Controller) error) error {
	registry, err := engine.NewRegistry()
	if err != nil {
		return err
	}

	name := a.cfg.Playback.Engine
	if !registry.IsAvailable(name) {
		return fmt.Errorf("engine %q is not installed", name)
	}

	eng, err := engine.NewMPV(registry, name)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	host := session.NewHost(eng, a.store, a.cfg.Playback)
	defer host.Close()

	ctrl := controller.New(host, a.store, a.cfg.Playback)
	defer ctrl.Release()

	if err := start(ctrl); err != nil {
		return err
	}

	if sleep > 0 {
		ctrl.SetSleepTimer(sleep)
		fmt.Println(subtleStyle.Render(fmt.Sprintf("Sleep timer set for %s", sleep)))
	}

	states, cancel := ctrl.Watch()
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	printed := false
	for {
		select {
		case <-sigs:
			fmt.Println()
			fmt.Println(subtleStyle.Render("Saving position..."))
			return nil

		case s, ok := <-states:
			if !ok {
				return nil
			}
			if !printed && s.EpisodeTitle != "" {
				fmt.Println(renderNowPlaying(s.EpisodeTitle, s.PodcastTitle, s.Speed,
					s.PositionMs, s.DurationMs, s.IsPlaying))
				printed = true
			}
			renderStatusLine(s)
			if s.Ended {
				fmt.Println()
				fmt.Println(finishedStyle.Render("Finished."))
				return nil
			}
		}
	}
}

func renderStatusLine(s controller.State) {
	var fraction float64
	if s.DurationMs > 0 {
		fraction = float64(s.PositionMs) / float64(s.DurationMs)
	}

	state := "⏸"
	switch {
	case s.IsLoading:
		state = "…"
	case s.IsPlaying:
		state = "▶"
	}

	line := fmt.Sprintf("\r%s %s %s / %s  %s",
		state,
		progressBar(fraction, 30),
		formatDuration(s.PositionMs),
		formatDuration(s.DurationMs),
		subtleStyle.Render(s.Speed),
	)
	if s.SleepTimerActive {
		line += " " + accentStyle.Render("☾")
	}
	fmt.Print(line)
}
