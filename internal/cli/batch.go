package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewBatchCmd создаёт группу команд для управления пакетами.
func NewBatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage container lookup batches",
	}

	cmd.AddCommand(
		newBatchStartCmd(clientFn, outputFn),
		newBatchShowCmd(clientFn, outputFn),
		newBatchResultCmd(clientFn, outputFn),
		newBatchAttemptsCmd(clientFn, outputFn),
		newBatchCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newBatchStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var runID string
	var file string
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "start [CONTAINER...]",
		Short: "Start a batch lookup",
		Long: `Start a batch lookup for the given containers.

Containers can be passed as arguments or read from a file (one per line,
"-" for stdin). Starting again with the same --run-id returns the existing
batch without new lookups.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			containers := args
			if file != "" {
				fromFile, err := readContainers(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				containers = append(containers, fromFile...)
			}
			if runID == "" {
				runID = uuid.New().String()
			}

			batch, err := client.StartBatch(cmd.Context(), CreateBatchRequest{RunID: runID, ContainerIDs: containers})
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Batch started: %s", batch.ID))

			if !wait {
				printBatch(out, batch)
				return nil
			}

			results, err := client.BatchResult(cmd.Context(), batch.ID, timeout)
			if err != nil {
				return err
			}
			printOutcomes(out, results)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Batch ID used as idempotency key (generated if empty)")
	cmd.Flags().StringVarP(&file, "file", "f", "", `Read container IDs from file ("-" for stdin)`)
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the batch result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait with --wait (server limit if 0)")

	return cmd
}

func newBatchShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show batch status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := clientFn().GetBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printBatch(outputFn(), batch)
			return nil
		},
	}
}

func newBatchResultCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "result ID",
		Short: "Wait for batch results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := clientFn().BatchResult(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}

			printOutcomes(outputFn(), results)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait (server limit if 0)")

	return cmd
}

func newBatchAttemptsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts ID",
		Short: "List lookup attempts of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := clientFn().ListAttempts(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"CONTAINER", "ATTEMPT", "STATUS", "DURATION", "KIND", "RETRY_IN", "ERROR"}
			rows := make([][]string, len(attempts))
			for i, a := range attempts {
				rows[i] = []string{a.ContainerID, strconv.Itoa(a.Attempt), a.Status, a.Duration, a.ErrorKind, a.RetryDelay, a.Error}
			}

			outputFn().Print(headers, rows, attempts)
			return nil
		},
	}
}

func newBatchCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := clientFn().CancelBatch(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Batch cancelled: %s", batch.ID))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}

func printBatch(out *Output, b *BatchResponse) {
	out.Print(
		[]string{"ID", "STATUS", "PROGRESS", "ERROR", "CREATED"},
		[][]string{{b.ID, b.Status, fmt.Sprintf("%d/%d", b.Progress.Finished, b.Progress.Total), b.Error, b.CreatedAt}},
		b,
	)
}

func printOutcomes(out *Output, results []OutcomeResponse) {
	headers := []string{"CONTAINER", "STATUS", "ATTEMPTS", "RESULT"}
	rows := make([][]string, len(results))
	counts := make(map[string]int)
	for i, r := range results {
		counts[r.Status]++
		detail := truncate(string(r.Payload), 60)
		if r.Error != nil {
			detail = r.Error.Kind + ": " + r.Error.Reason
		}
		rows[i] = []string{r.ContainerID, r.Status, strconv.Itoa(r.Attempts), detail}
	}
	out.Print(headers, rows, results)
	out.Summary(len(results), []string{"SUCCEEDED", "GIVEN_UP"}, counts)
}

// readContainers читает ID контейнеров по одному на строку.
// Пустые строки и строки с # пропускаются.
func readContainers(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open containers file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read containers: %w", err)
	}
	return ids, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
