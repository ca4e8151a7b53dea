package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/services"
	"github.com/spf13/cobra"
)

var (
	askModelFlag string
	askImageFlag string
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send a single prompt and print the answer",
	Long: `Send a single prompt and wait for the whole answer. Without --model the first
installed model is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askModelFlag, "model", "m", "", "Model to use")
	askCmd.Flags().StringVarP(&askImageFlag, "image", "i", "", "Path to an image to send with the prompt")
}

func runAsk(cmd *cobra.Command, args []string) error {
	var prompt string
	if len(args) > 0 {
		prompt = args[0]
	}
	if strings.TrimSpace(prompt) == "" && askImageFlag == "" {
		return chat.ErrEmptyRequest
	}

	gateway, cleanup, err := directGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	model, err := resolveModel(ctx, gateway, askModelFlag)
	if err != nil {
		return err
	}

	var answer string
	if askImageFlag != "" {
		data, err := services.FileAttachment{Path: askImageFlag}.Read(ctx)
		if err != nil {
			return fmt.Errorf("error reading image: %w", err)
		}
		answer, err = gateway.GenerateWithImage(ctx, model, prompt, chat.ImagePayload(data))
		if err != nil {
			return err
		}
	} else {
		answer, err = gateway.Generate(ctx, model, prompt)
		if err != nil {
			return err
		}
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), answer)
	return err
}

// resolveModel returns name, or the model the registry would select from the backend's list.
func resolveModel(ctx context.Context, gateway chat.Gateway, name string) (string, error) {
	if name != "" {
		return name, nil
	}

	list, err := gateway.ListModels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch models: %w", err)
	}
	reg := chat.NewRegistry()
	reg.Replace(list)
	if reg.Selected() == "" {
		return "", chat.ErrModelNotFound
	}
	return reg.Selected(), nil
}
