package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"earshot/internal/feed"
	"earshot/internal/index"
	"earshot/internal/search"
	"earshot/internal/storage"
)

func newSubscribeCmd(a *app) *cobra.Command {
	var permissive bool

	cmd := &cobra.Command{
		Use:   "subscribe <feed-url>",
		Short: "Subscribe to a podcast feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := feed.NewManager(a.store, a.cfg)
			manager.SetPermissiveValidation(permissive)

			if idx, err := openIndex(a); err == nil {
				defer idx.Close()
				manager.SetIndexer(idx)
			}

			sub, err := manager.Subscribe(args[0])
			if err != nil {
				return err
			}

			eps, _ := a.store.GetEpisodesForFeed(sub.FeedURL)
			fmt.Printf("Subscribed to %s (%d episodes)\n", titleStyle.Render(sub.Title), len(eps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&permissive, "permissive", false, "allow localhost and private-network feed URLs")
	return cmd
}

func newUnsubscribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <feed-url>",
		Short: "Unsubscribe from a podcast feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Unsubscribe(args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("not subscribed to %s", args[0])
				}
				return err
			}
			fmt.Println("Unsubscribed. Listening history is kept.")
			return nil
		},
	}
}

func newSubsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subs",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := a.store.Subscriptions()
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Println(subtleStyle.Render("No subscriptions yet. Try: earshot search --remote <term>"))
				return nil
			}
			for _, sub := range subs {
				fmt.Printf("%s\n  %s\n", titleStyle.Render(sub.Title), subtleStyle.Render(sub.FeedURL))
			}
			return nil
		},
	}
}

func newRefreshCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh all subscribed feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := feed.NewManager(a.store, a.cfg)
			manager.SetForceRefresh(force)

			if idx, err := openIndex(a); err == nil {
				defer idx.Close()
				manager.SetIndexer(idx)
			}

			if err := manager.RefreshAll(); err != nil {
				return err
			}
			fmt.Println("Feeds refreshed.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore HTTP cache validators")
	return cmd
}

func newEpisodesCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "episodes <feed-url>",
		Short: "List episodes of a feed, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eps, err := a.store.GetEpisodesForFeed(args[0])
			if err != nil {
				return err
			}
			if len(eps) == 0 {
				fmt.Println(subtleStyle.Render("No episodes stored for this feed."))
				return nil
			}
			if limit > 0 && len(eps) > limit {
				eps = eps[:limit]
			}
			for _, ep := range eps {
				printEpisode(a, ep)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum episodes to list")
	return cmd
}

func printEpisode(a *app, ep *storage.Episode) {
	line := titleStyle.Render(ep.Title)

	if p, err := a.store.GetProgress(ep.FeedURL, ep.GUID); err == nil {
		if p.Finished {
			line += "  " + finishedStyle.Render("✓ finished")
		} else {
			line += "  " + accentStyle.Render(fmt.Sprintf("%s left", formatDuration(p.TimeLeftMs())))
		}
	}

	fmt.Println(line)
	if !ep.PubDate.IsZero() {
		fmt.Println(subtleStyle.Render("  " + ep.PubDate.Format("2006-01-02") + "  " + ep.GUID))
	} else {
		fmt.Println(subtleStyle.Render("  " + ep.GUID))
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show listening history, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := a.store.History()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println(subtleStyle.Render("Nothing played yet."))
				return nil
			}
			if limit > 0 && len(rows) > limit {
				rows = rows[:limit]
			}
			for _, row := range rows {
				status := accentStyle.Render(fmt.Sprintf("%s / %s",
					formatDuration(row.Progress.Position), formatDuration(row.Progress.Duration)))
				if row.Progress.Finished {
					status = finishedStyle.Render("✓ finished")
				}
				fmt.Printf("%s  %s\n", titleStyle.Render(row.Episode.Title), status)
				fmt.Println(subtleStyle.Render("  " + row.Episode.PodcastTitle))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		remote bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search the local library, or the Podcast Index with --remote",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term := strings.Join(args, " ")
			if remote {
				return searchRemote(a, term, limit)
			}
			return searchLocal(a, term, limit)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "search the Podcast Index for new shows")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func searchLocal(a *app, term string, limit int) error {
	idx, err := openIndex(a)
	if err != nil {
		return fmt.Errorf("opening search index: %w", err)
	}
	defer idx.Close()

	results, err := idx.Search(term, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println(subtleStyle.Render("No matches in the library."))
		return nil
	}
	for _, r := range results {
		printEpisode(a, r.Episode)
	}
	return nil
}

func searchRemote(a *app, term string, limit int) error {
	client := index.NewClient(a.cfg.Index)
	results, err := client.SearchPodcasts(term, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println(subtleStyle.Render("No shows found."))
		return nil
	}
	for _, r := range results {
		fmt.Printf("%s %s\n", titleStyle.Render(r.Title), subtleStyle.Render(fmt.Sprintf("(%d episodes)", r.EpisodeCnt)))
		fmt.Println(subtleStyle.Render("  " + r.FeedURL))
	}
	return nil
}

func openIndex(a *app) (*search.Index, error) {
	return search.NewIndex(a.store, a.cfg.Storage.SearchIndex)
}
