package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Drive task lifecycle transitions",
	}
	cmd.AddCommand(newTaskStateCommand())
	cmd.AddCommand(newTaskCloseCommand())
	return cmd
}

func newTaskStateCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "state <task-id> <ACTIVE|WRAP_UP|PAUSED|CLOSED>",
		Short: "Request a task lifecycle change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := models.TaskState(strings.ToUpper(args[1]))
			switch state {
			case models.TaskActive, models.TaskWrapUp, models.TaskPaused, models.TaskClosed:
			default:
				return fmt.Errorf("unknown task state %q", args[1])
			}
			rc := models.ReasonNone
			if reason != "" {
				rc = models.ReasonCode(strings.ToUpper(reason))
			}
			return publishTaskCommand(args[0], state, rc)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason code (e.g. DONE, RONA, CANCELLED)")
	return cmd
}

func newTaskCloseCommand() *cobra.Command {
	var rona bool
	cmd := &cobra.Command{
		Use:   "close <task-id>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := models.ReasonDone
			if rona {
				reason = models.ReasonRona
			}
			return publishTaskCommand(args[0], models.TaskClosed, reason)
		},
	}
	cmd.Flags().BoolVar(&rona, "rona", false, "Close as RONA (reservation not answered), rerouting the work")
	return cmd
}

func publishTaskCommand(taskID string, state models.TaskState, reason models.ReasonCode) error {
	bus, err := newBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := bus.PublishTaskStateCommand(context.Background(), messages.NewTaskStateCommand(taskID, state, reason)); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	fmt.Printf("requested %s for task %s\n", state, taskID)
	return nil
}
