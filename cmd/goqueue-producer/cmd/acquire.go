package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abd-ulbasit/goqueue-producer-go/pkg/producer"
)

// =============================================================================
// ACQUIRE COMMAND - ACQUIRE AND PRINT A PRODUCER IDENTIFIER
// =============================================================================

var acquireTimeoutFlag time.Duration

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire a producer identifier from the broker",
	Long: `Acquire requests a (producer ID, epoch) identity for the configured
client key and prints it. Running it twice with the same key shows the
epoch bump that fences the first identity.`,
	RunE: runAcquire,
}

func init() {
	acquireCmd.Flags().DurationVar(&acquireTimeoutFlag, "timeout", 30*time.Second,
		"How long to wait for acquisition")
}

func runAcquire(cmd *cobra.Command, _ []string) error {
	if err := loadProducerConfig(); err != nil {
		return err
	}

	p, err := producer.New(producer.Options{
		Brokers:        cfg.Brokers,
		ClientKey:      cfg.ClientKey,
		RetryDelay:     cfg.RetryDelay,
		RequestTimeout: cfg.RequestTimeout,
		ProbeInterval:  cfg.ProbeInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	p.Start()

	ctx, cancel := context.WithTimeout(cmd.Context(), acquireTimeoutFlag)
	defer cancel()

	id, err := p.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("acquisition failed: %w", err)
	}

	fmt.Printf("client key:  %s\n", cfg.ClientKey)
	fmt.Printf("producer id: %d\n", id.ID)
	fmt.Printf("epoch:       %d\n", id.Epoch)
	return nil
}
