package commands

import (
	"errors"
	"strings"

	"metabigor/internal/runner"
	"metabigor/internal/sources"

	"github.com/spf13/cobra"
)

var searchFlags struct {
	sources           string
	query             string
	queryList         string
	sourceList        string
	brute             bool
	disablePagination bool
	disableGeo        bool
}

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchFlags.sources, "source", "s", "", "Search engines, comma separated: "+strings.Join(sources.Names(), ", ")+".")
	f.StringVarP(&searchFlags.query, "query", "q", "", "Query in the dialect of the search engine.")
	f.StringVarP(&searchFlags.queryList, "query-list", "Q", "", "File with one query per line.")
	f.StringVarP(&searchFlags.sourceList, "source-list", "S", "", "JSON5 or YAML file mapping search engines to queries.")
	f.BoolVarP(&searchFlags.brute, "brute", "b", false, "Repeat the query once per country code.")
	f.BoolVar(&searchFlags.disablePagination, "disable-pages", false, "Only fetch the first page of every query.")
	f.BoolVar(&searchFlags.disableGeo, "disable-geo", false, "Do not break the query down by country and city.")
	rootCmd.AddCommand(searchCmd)
}

func splitSources(list string) []string {
	out := []string{}
	for _, name := range strings.Split(list, ",") {
		if name = runner.Source(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

var searchCmd = &cobra.Command{
	Use:   "search -s <source> (-q <query> | -Q <file>) | -S <file>",
	Short: "Scrapes host search engines and writes one result per line.",
	Example: `  metabigor search -s shodan -q 'port:"3389" os:"Windows"'
  metabigor search -s fofa,censys -Q queries.txt -b
  metabigor search -S sources.json5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := newRunner(runner.Options{
			Brute:             searchFlags.brute,
			DisablePagination: searchFlags.disablePagination,
			DisableGeo:        searchFlags.disableGeo,
		})
		ctx := cmd.Context()
		srcs := splitSources(searchFlags.sources)

		var summaries []runner.Summary
		var err error
		switch {
		case searchFlags.sourceList != "":
			summaries, err = r.SearchSources(ctx, searchFlags.sourceList)
			if errors.Is(err, runner.ErrMalformedSourceList) {
				// already reported, nothing was searched
				return nil
			}
		case len(srcs) == 0:
			return errors.New("you need to specify a search engine with -s")
		case searchFlags.queryList != "":
			summaries, err = r.SearchList(ctx, srcs, searchFlags.queryList)
		case searchFlags.query != "":
			for _, source := range srcs {
				if ctx.Err() != nil {
					break
				}
				summaries = append(summaries, r.Search(ctx, source, searchFlags.query))
			}
		default:
			return errors.New("you need to give a query with -q or -Q")
		}

		printSummary(summaries)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}
