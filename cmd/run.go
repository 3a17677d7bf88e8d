package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
)

func newRunCmd() *cobra.Command {
	var workerMode bool
	cmd := &cobra.Command{
		Use:   "run [url] [start] [end]",
		Short: "Crawl one work, or drain the job queue with --worker",
		Long: `Crawls the work at url directly, optionally limited to chapters start..end.
With --worker the command instead polls the job queue until interrupted.
Without arguments it prompts for a URL.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			if workerMode {
				if len(args) > 0 {
					return errors.New("--worker takes no arguments")
				}
				zap.L().Info("worker mode started")
				svc.RunWorkers(cmd.Context())
				zap.L().Info("worker mode stopped")
				return nil
			}

			if len(args) == 0 {
				url, err := promptURL(cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
				args = []string{url}
			}
			url, r, err := parseTarget(args)
			if err != nil {
				return err
			}

			result, err := svc.Crawl(cmd.Context(), url, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %d stored, %d skipped, %d failed, %d short\n",
				result.Work.Title, result.Connector,
				result.Stats.Stored, result.Stats.Skipped, result.Stats.Failed, result.Stats.Short)
			return nil
		},
	}
	cmd.Flags().BoolVar(&workerMode, "worker", false, "poll the job queue until SIGINT or SIGTERM")
	return cmd
}

// parseTarget reads "<url> [start] [end]".
func parseTarget(args []string) (string, crawler.ChapterRange, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", crawler.ChapterRange{}, errors.New("url is required")
	}
	var r crawler.ChapterRange
	if len(args) > 1 {
		start, err := parseChapter("start", args[1])
		if err != nil {
			return "", r, err
		}
		r.Start = &start
	}
	if len(args) > 2 {
		end, err := parseChapter("end", args[2])
		if err != nil {
			return "", r, err
		}
		r.End = &end
	}
	if r.Bounded() && *r.Start > *r.End {
		return "", r, fmt.Errorf("start %d is after end %d", *r.Start, *r.End)
	}
	return strings.TrimSpace(args[0]), r, nil
}

func parseChapter(name, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s chapter %q is not a number", name, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s chapter must be >= 0", name)
	}
	return n, nil
}

func promptURL(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, "Novel URL: ")
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read url: %w", err)
		}
		return "", errors.New("no url given")
	}
	url := strings.TrimSpace(scanner.Text())
	if url == "" {
		return "", errors.New("no url given")
	}
	return url, nil
}
