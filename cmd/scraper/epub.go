package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aluiziolira/go-scrape-reviews/epub"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newEpubCmd() *cobra.Command {
	var (
		output     string
		format     string
		batch      bool
		noMetadata bool
		noTOC      bool
	)
	cmd := &cobra.Command{
		Use:   "epub <file or dir>",
		Short: "Extract metadata, table of contents and chapter text from EPUB files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging("epub", "logs")
			f, err := epub.ParseFormat(format)
			if err != nil {
				return err
			}
			opts := epub.TextOptions{IncludeMetadata: !noMetadata, IncludeTOC: !noTOC}

			if batch {
				written, err := epub.ExportAll(args[0], f, opts, epub.WithLogger(logger))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "exported %d files\n", len(written))
				return nil
			}

			book, err := epub.Open(args[0], epub.WithLogger(logger))
			if err != nil {
				return err
			}
			out, err := epub.Export(book, f, output, opts)
			if err != nil {
				return err
			}
			logger.Debug("epub done", slog.String("output", out))
			printBook(book, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (defaults to the EPUB path with the format's extension)")
	cmd.Flags().StringVarP(&format, "format", "f", string(epub.FormatJSON), "Output format: json or txt")
	cmd.Flags().BoolVarP(&batch, "batch", "b", false, "Treat the argument as a directory and export every EPUB below it")
	cmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "Leave metadata out of txt exports")
	cmd.Flags().BoolVar(&noTOC, "no-toc", false, "Leave the table of contents out of txt exports")
	return cmd
}

func printBook(book *epub.Book, out string) {
	stats := book.Statistics()
	t := newTable(os.Stdout)
	t.SetTitle(book.Metadata.Title)
	t.AppendRows([]table.Row{
		{"Author", book.Metadata.Author},
		{"Chapters", stats.ChapterCount},
		{"Words", stats.TotalWords},
		{"Avg chapter", stats.AvgChapterLength},
		{"Output", out},
	})
	t.Render()
}
