package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/testbroker"
	"github.com/abd-ulbasit/goqueue-producer-go/pkg/producer"
)

// =============================================================================
// DEMO COMMAND - FULL LIFECYCLE AGAINST AN EMBEDDED BROKER
// =============================================================================
//
// The demo starts a broker in-process and walks the interesting paths:
// acquisition with an initial rejection (showing the retry loop), stamped
// publishes, and a second producer instance with the same client key
// fencing the first one via an epoch bump.
//
// =============================================================================

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the acquisition lifecycle against an embedded broker",
	RunE:  runDemo,
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if logLevelFlag == "" {
		logLevelFlag = "debug"
	}
	logger = newLogger(logLevelFlag)

	broker := testbroker.NewServer(nil, logger)
	addr, err := broker.Listen("127.0.0.1:0")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = broker.Shutdown(shutdownCtx)
	}()
	fmt.Printf("embedded broker listening on %s\n\n", addr)

	// Reject the first identifier request so the retry path is visible.
	broker.FailInitNext(1)

	opts := producer.Options{
		Brokers:    []string{addr},
		ClientKey:  "demo-producer",
		RetryDelay: 300 * time.Millisecond,
		Logger:     logger,
	}

	first, err := producer.New(opts)
	if err != nil {
		return err
	}
	defer first.Close()
	first.Start()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	id, err := first.WaitReady(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("acquired identity after one rejection: %s\n\n", id.String())

	for i := 0; i < 3; i++ {
		res, err := first.Send(ctx, "demo", 0, []byte(fmt.Sprintf("message-%d", i)))
		if err != nil {
			return err
		}
		fmt.Printf("published offset=%d sequence=%d\n", res.Offset, res.Sequence)
	}

	// A second instance with the same client key bumps the epoch and
	// fences the first.
	second, err := producer.New(opts)
	if err != nil {
		return err
	}
	defer second.Close()
	second.Start()

	newID, err := second.WaitReady(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nsecond instance acquired %s (epoch bumped from %d)\n",
		newID.String(), id.Epoch)

	if _, err := first.Send(ctx, "demo", 0, []byte("zombie write")); err != nil {
		fmt.Printf("first instance is now fenced: %v\n", err)
	} else {
		fmt.Println("unexpected: first instance was not fenced")
	}

	return nil
}
