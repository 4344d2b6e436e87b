package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/bookfinder/pkg/ranking"
	"github.com/zoff-tech/bookfinder/pkg/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run one search through the cascade and print the page",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start, _ := cmd.Flags().GetInt("start")
		limit, _ := cmd.Flags().GetInt("limit")
		order, _ := cmd.Flags().GetString("order")
		covers, _ := cmd.Flags().GetBool("covers")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := buildApp(ctx, cfg, logger, wiring{search: true})
		if err != nil {
			return err
		}
		defer a.Close()

		req := search.Request{
			Query:      strings.Join(args, " "),
			StartIndex: start,
			Limit:      limit,
			OrderBy:    ranking.Order(order),
		}
		if covers {
			req.CoverFilter = search.CoverFilterCovers
		}
		page, err := a.search.Search(ctx, req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSLUG\tTITLE\tAUTHOR\tSOURCE")
		for i, b := range page.Items {
			source := "local"
			if b.Source != "" {
				source = b.Source
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", start+i+1, b.Slug, b.Title, b.PrimaryAuthor(), source)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%d unique, fallback=%t, more=%t\n", page.TotalUnique, page.FallbackUsed, page.HasMore)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("start", 0, "zero-based start index")
	searchCmd.Flags().Int("limit", 10, "page size (1-40)")
	searchCmd.Flags().String("order", "relevance", "relevance, newest, title or rating")
	searchCmd.Flags().Bool("covers", false, "only books with a usable cover")
	searchCmd.Flags().Bool("json", false, "print the page as JSON")
	rootCmd.AddCommand(searchCmd)
}
