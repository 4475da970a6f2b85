package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kunieone/comfy-ui-client-enhanced/comfyui"
)

var (
	host    string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "comfycli",
		Short:         "Command line client for a ComfyUI server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&host, "host", getEnv("COMFYUI_HOST", "127.0.0.1:8188"), "ComfyUI server address")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newStatsCmd(), newQueueCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger creates a logger with consistent formatting
func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	return logger
}

func newClient(logger *logrus.Logger) *comfyui.Client {
	return comfyui.NewClient(host, comfyui.WithLogger(logger))
}

func newRunCmd() *cobra.Command {
	var (
		output         string
		connectTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Queue a workflow and save every image it produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read workflow: %w", err)
			}

			var prompt comfyui.Prompt
			if err := json.Unmarshal(data, &prompt); err != nil {
				return fmt.Errorf("failed to parse workflow: %w", err)
			}

			client := newClient(logger)

			// the timeout governs only the websocket dial, never how long
			// the workflow may run
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()

			logger.WithField("host", host).Info("Workflow queued, waiting for images")
			results, err := client.GetImages(context.Background(), prompt)
			if err != nil {
				return err
			}

			if err := comfyui.SaveImages(results, output); err != nil {
				return err
			}

			total := 0
			for _, images := range results {
				total += len(images)
			}
			logger.WithFields(logrus.Fields{
				"nodes":  len(results),
				"images": total,
				"output": output,
			}).Info("Workflow finished")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", ".", "directory to save images into")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "websocket connect timeout")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print server system statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(newLogger())

			stats, err := client.GetSystemStats(cmd.Context())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print the server's queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(newLogger())

			state, err := client.GetQueue(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("running: %d\npending: %d\n", len(state.Running), len(state.Pending))
			return nil
		},
	}
}

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
