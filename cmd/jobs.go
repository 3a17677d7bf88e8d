package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/novelcrawl/internal/crawler"
	"github.com/JakeFAU/novelcrawl/internal/dispatcher"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage queued crawl jobs",
	}
	cmd.AddCommand(newJobsAddCmd(), newJobsListCmd())
	return cmd
}

func newJobsAddCmd() *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "add <url> [start] [end]",
		Short: "Queue a crawl job",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			url, r, err := parseTarget(args)
			if err != nil {
				return err
			}
			job, err := svc.Enqueue(cmd.Context(), dispatcher.Submission{
				URL:         url,
				Start:       r.Start,
				End:         r.End,
				RequestedBy: requestedBy,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued job %s for %s\n", job.ID, job.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "who asked for the crawl")
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List crawl jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			var filter crawler.JobStatus
			if status != "" {
				if filter, err = crawler.ParseJobStatus(status); err != nil {
					return err
				}
			}
			jobs, err := svc.ListJobs(cmd.Context(), filter, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}
			renderJobs(cmd, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show jobs in this status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to show")
	return cmd
}

func renderJobs(cmd *cobra.Command, jobs []crawler.CrawlJob) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Status", "URL", "Range", "Owner", "Created", "Error"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID,
			j.Status,
			j.URL,
			formatRange(j.Range()),
			j.ClaimedBy,
			j.CreatedAt.Format(time.DateTime),
			j.ErrorMessage,
		})
	}
	t.Render()
}

func formatRange(r crawler.ChapterRange) string {
	bound := func(p *int) string {
		if p == nil {
			return ""
		}
		return strconv.Itoa(*p)
	}
	if r.Empty() {
		return "all"
	}
	return bound(r.Start) + ".." + bound(r.End)
}
