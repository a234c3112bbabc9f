package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var (
		kind    string
		season  int
		episode int
		strict  bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the configured providers once and print the merged results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q := search.Query{
				Text:           strings.Join(args, " "),
				Kind:           models.MediaKind(kind),
				Strict:         strict,
				FilterEpisodes: kind == string(models.MediaShow),
			}
			if cmd.Flags().Changed("season") {
				q.Season = &season
			}
			if cmd.Flags().Changed("episode") {
				q.Episode = &episode
			}

			results, err := app.NewSearcher(cfg).Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printResults(cmd, results, limit)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "movie or show")
	cmd.Flags().IntVar(&season, "season", 0, "season number")
	cmd.Flags().IntVar(&episode, "episode", 0, "episode number")
	cmd.Flags().BoolVar(&strict, "strict", false, "require every query word in the title")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to print, 0 for all")
	return cmd
}

func printResults(cmd *cobra.Command, results []models.SearchResult, limit int) error {
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results.")
		return nil
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEEDS\tSIZE\tSOURCE\tUPLOADED\tTITLE")
	for _, r := range results {
		uploaded := "-"
		if r.UploadDate != nil {
			uploaded = humanize.Time(*r.UploadDate)
		}
		size := r.Size
		if r.SizeBytes > 0 {
			size = humanize.IBytes(uint64(r.SizeBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanize.Comma(int64(r.Seeds)), size, r.Source, uploaded, r.Title)
	}
	return tw.Flush()
}

