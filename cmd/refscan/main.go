// Command refscan prints the Bible references found in files or stdin.
//
//	refscan [--json] [--books] [file ...]
//
// Text, Markdown, HTML and PDF files are read by extension; anything else is
// treated as plain text. With no files it reads stdin.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"phototheology/pkg/document"
	"phototheology/pkg/scripture"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type fileReport struct {
	File       string                `json:"file"`
	References []scripture.Reference `json:"references"`
}

type usageError struct{ error }

// run executes the command and returns the process exit code: 2 for usage
// errors, 1 when any input could not be read.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if args == nil {
		// cobra falls back to os.Args for a nil slice
		args = []string{}
	}
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var asJSON, tally bool
	cmd := &cobra.Command{
		Use:           "refscan [file...]",
		Short:         "Print the Bible references found in files or stdin",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, failed := collect(cmd, args)
			out := cmd.OutOrStdout()
			switch {
			case asJSON:
				for i := range reports {
					if reports[i].References == nil {
						reports[i].References = []scripture.Reference{}
					}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			case tally:
				printTally(out, reports)
			default:
				printReferences(out, reports)
			}
			if failed {
				return errors.New("some inputs could not be read")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print structured references as JSON")
	cmd.Flags().BoolVar(&tally, "books", false, "print a per-book citation count instead")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintf(c.ErrOrStderr(), "refscan: %v\n%s", err, c.UsageString())
		return usageError{err}
	})
	return cmd
}

func collect(cmd *cobra.Command, paths []string) ([]fileReport, bool) {
	stderr := cmd.ErrOrStderr()
	var reports []fileReport
	if len(paths) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			fmt.Fprintf(stderr, "refscan: read stdin: %v\n", err)
			return nil, true
		}
		return []fileReport{{File: "-", References: scripture.Extract(string(data))}}, false
	}
	failed := false
	for _, path := range paths {
		refs, err := scanFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "refscan: %s: %v\n", path, err)
			failed = true
			continue
		}
		reports = append(reports, fileReport{File: path, References: refs})
	}
	return reports, failed
}

func printReferences(w io.Writer, reports []fileReport) {
	multi := len(reports) > 1
	for _, rep := range reports {
		for _, ref := range rep.References {
			if multi {
				fmt.Fprintf(w, "%s: %s\n", rep.File, ref)
			} else {
				fmt.Fprintln(w, ref)
			}
		}
	}
}

func scanFile(path string) ([]scripture.Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format, ok := document.FormatOf(path)
	if !ok {
		format = document.FormatText
	}
	text, err := document.Text(format, data)
	if errors.Is(err, document.ErrNoText) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scripture.Extract(text), nil
}

// printTally lists books in canonical order with how many distinct
// citations each file set made.
func printTally(w io.Writer, reports []fileReport) {
	counts := make(map[string]int)
	for _, rep := range reports {
		for _, ref := range rep.References {
			counts[ref.Book]++
		}
	}
	order := make(map[string]int)
	for i, book := range scripture.Books() {
		order[book] = i
	}
	books := make([]string, 0, len(counts))
	for book := range counts {
		books = append(books, book)
	}
	sort.Slice(books, func(i, j int) bool {
		oi, iok := order[books[i]]
		oj, jok := order[books[j]]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return books[i] < books[j]
	})
	for _, book := range books {
		fmt.Fprintf(w, "%s\t%d\n", book, counts[book])
	}
}
