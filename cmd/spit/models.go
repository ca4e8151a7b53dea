package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/models"
	"github.com/Ostabo/Spit/internal/services"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the models of the backend",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed models",
	Args:  cobra.NoArgs,
	RunE:  runModelsList,
}

var modelsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Install a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsAdd,
}

var modelsRemoveCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Delete an installed model",
	Args:    cobra.ExactArgs(1),
	RunE:    runModelsRemove,
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsAddCmd)
	modelsCmd.AddCommand(modelsRemoveCmd)
}

// directGateway builds a gateway for one-shot commands. Their blocking calls never emit events, so the
// bus only satisfies the gateway's emitter.
func directGateway() (chat.Gateway, func(), error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	bus := services.NewBus(logger)
	gateway, err := cfg.gateway(bus, logger)
	if err != nil {
		return nil, nil, err
	}
	return gateway, func() { _ = bus.Shutdown(context.Background()) }, nil
}

func runModelsList(cmd *cobra.Command, _ []string) error {
	gateway, cleanup, err := directGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := gateway.ListModels(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch models: %w", err)
	}
	return printModels(cmd.OutOrStdout(), list)
}

func printModels(out io.Writer, list []models.Model) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No models installed.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, m := range list {
		size := models.FormatSize(m.Size)
		if m.Temporary {
			size = "installing"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, size, m.ModifiedAt)
	}
	return w.Flush()
}

func runModelsAdd(cmd *cobra.Command, args []string) error {
	gateway, cleanup, err := directGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Installing %s...\n", args[0])
	status, err := gateway.AddModel(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to add model: %w", err)
	}

	msg := args[0] + " is installed now."
	if status.Message != "" {
		msg += " - " + status.Message
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
	return err
}

func runModelsRemove(cmd *cobra.Command, args []string) error {
	gateway, cleanup, err := directGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := gateway.DeleteModel(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Model %q has been deleted.\n", args[0])
	return err
}
