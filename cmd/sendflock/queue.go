package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sendflock/sendflock/internal/config"
	"github.com/sendflock/sendflock/internal/queue"
)

var queueConfigFile string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

func init() {
	queueCmd.PersistentFlags().StringVarP(&queueConfigFile, "config", "c", "/etc/sendflock/config.yaml", "Path to configuration file")
	queueCmd.AddCommand(queueStatsCmd)
}

func openQueueBackend() (queue.Queue, error) {
	cfg, err := config.Load(queueConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedisQueue(cfg.Queue.Redis.Addr, cfg.Queue.Redis.Password, cfg.Queue.Redis.DB, cfg.Queue.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis queue: %w", err)
		}
		return q, nil
	default:
		q, err := queue.NewBoltQueue(cfg.Queue.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt queue: %w", err)
		}
		return q, nil
	}
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	q, err := openQueueBackend()
	if err != nil {
		return err
	}
	defer q.Close()

	stats, err := q.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Delayed:   %d\n", stats.Delayed)
	fmt.Printf("Active:    %d\n", stats.Active)
	fmt.Printf("Parked:    %d\n", stats.Parked)
	fmt.Printf("Completed: %d\n", stats.Completed)
	fmt.Printf("Failed:    %d\n", stats.Failed)

	return nil
}
