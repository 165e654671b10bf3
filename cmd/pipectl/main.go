// Command pipectl is the operator CLI for the pipeline queues.
//
// Subcommands:
//
//	enqueue      - push synthetic jobs into a category's ready queue
//	status       - print queue depths per category
//	dlq list     - show dead-lettered jobs for a category
//	dlq requeue  - re-admit a dead-lettered job to the ready queue
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/config"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/models"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
)

func main() {
	root := &cobra.Command{
		Use:           "pipectl",
		Short:         "Operator tooling for the announcement pipeline queues",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(enqueueCmd(), statusCmd(), dlqCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newStore() (*queue.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := queue.New(rdb, cfg.StoreTimeout)
	if err := st.Ping(context.Background()); err != nil {
		return nil, err
	}
	return st, nil
}

func parseCategory(s string) (models.Category, error) {
	cat := models.Category(s)
	if !cat.Valid() {
		return "", fmt.Errorf("unknown category %q (want enrichment|upload|analysis)", s)
	}
	return cat, nil
}

func enqueueCmd() *cobra.Command {
	var (
		category string
		count    int
		priority string
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push synthetic jobs into a category's ready queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			st, err := newStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for i := 0; i < count; i++ {
				body, err := json.Marshal(map[string]interface{}{
					"source": "pipectl",
					"seq":    i,
					"data":   payload,
				})
				if err != nil {
					return err
				}
				job := models.NewJob(cat, body)
				if priority == string(models.PriorityHigh) {
					job.Priority = models.PriorityHigh
				}
				if err := st.PushReady(ctx, job); err != nil {
					return err
				}
				fmt.Printf("enqueued %s -> %s\n", job.ID, cat)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "enrichment", "target category")
	cmd.Flags().IntVar(&count, "count", 1, "number of jobs")
	cmd.Flags().StringVar(&priority, "priority", "normal", "normal|high")
	cmd.Flags().StringVar(&payload, "payload", "", "opaque payload data")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depths per category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newStore()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			now := time.Now()
			fmt.Printf("%-12s %8s %8s %8s %8s\n", "category", "ready", "delayed", "due", "dead")
			for _, cat := range models.Categories() {
				ready, _ := st.CountReady(ctx, cat)
				delayed, _ := st.CountDelayed(ctx, cat)
				due, _ := st.CountDue(ctx, cat, now)
				dead, _ := st.CountDead(ctx, cat)
				fmt.Printf("%-12s %8d %8d %8d %8d\n", cat, ready, delayed, due, dead)
			}
			return nil
		},
	}
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and re-admit dead-lettered jobs",
	}
	cmd.AddCommand(dlqListCmd(), dlqRequeueCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var (
		category string
		limit    int64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show dead-lettered jobs for a category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			st, err := newStore()
			if err != nil {
				return err
			}

			jobs, err := st.ListDead(cmd.Context(), cat, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("dead-letter set is empty")
				return nil
			}
			for _, job := range jobs {
				fmt.Printf("%s retries=%d reason=%q\n",
					job.ID, job.TotalRetryCount, job.LastFailureReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "enrichment", "category")
	cmd.Flags().Int64Var(&limit, "limit", 50, "max jobs to list")
	return cmd
}

func dlqRequeueCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Re-admit a dead-lettered job to the ready queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := parseCategory(category)
			if err != nil {
				return err
			}
			st, err := newStore()
			if err != nil {
				return err
			}
			if err := st.RequeueDead(cmd.Context(), cat, args[0]); err != nil {
				return err
			}
			fmt.Printf("requeued %s -> %s\n", args[0], cat)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "enrichment", "category")
	return cmd
}
