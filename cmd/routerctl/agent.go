package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccmesh/routing-engine/internal/messagebus"
	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

func newBus() (*messagebus.NatsMessageBus, error) {
	return messagebus.NewNatsMessageBus(messagebus.Config{
		URL:     natsURL,
		Timeout: 10 * time.Second,
	})
}

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Drive agent availability and media-domain capacity",
	}
	cmd.AddCommand(newAgentStateCommand())
	cmd.AddCommand(newAgentMediaStateCommand())
	return cmd
}

func newAgentStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state <agent-id> <LOGIN|READY|NOT_READY|LOGOUT>",
		Short: "Request an agent availability change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := models.AgentState(strings.ToUpper(args[1]))
			switch state {
			case models.AgentLogin, models.AgentReady, models.AgentNotReady, models.AgentLogout:
			default:
				return fmt.Errorf("unknown agent state %q", args[1])
			}

			bus, err := newBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.PublishAgentStateCommand(context.Background(), messages.NewAgentStateCommand(args[0], state)); err != nil {
				return fmt.Errorf("failed to publish command: %w", err)
			}
			fmt.Printf("requested %s for agent %s\n", state, args[0])
			return nil
		},
	}
}

func newAgentMediaStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "media-state <agent-id> <mrd-id> <READY|NOT_READY|ACTIVE|BUSY|INTERRUPTED>",
		Short: "Request a capacity change on one media domain",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := models.MrdState(strings.ToUpper(args[2]))
			switch state {
			case models.MrdReady, models.MrdNotReady, models.MrdActive, models.MrdBusy, models.MrdInterrupted:
			default:
				return fmt.Errorf("unknown media-domain state %q", args[2])
			}

			bus, err := newBus()
			if err != nil {
				return err
			}
			defer bus.Close()

			if err := bus.PublishMediaStateCommand(context.Background(), messages.NewMediaStateCommand(args[0], args[1], state)); err != nil {
				return fmt.Errorf("failed to publish command: %w", err)
			}
			fmt.Printf("requested %s for agent %s on %s\n", state, args[0], args[1])
			return nil
		},
	}
}
