package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcore/internal/engine"
	"github.com/nextlevelbuilder/clawcore/internal/models"
	"github.com/nextlevelbuilder/clawcore/internal/providers"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model profiles and the main/quick pointers",
	}
	cmd.AddCommand(modelsListCmd(), modelsAddCmd(), modelsUseCmd(), modelsRemoveCmd())
	return cmd
}

func withEngine(fn func(e *engine.Engine) error) {
	e, err := engine.New(engine.Options{HomeDir: homeDir, WorkDir: resolveWorkDir()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer e.Dispose()
	if err := fn(e); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured model profiles",
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(e *engine.Engine) error {
				profiles := e.Models().List()
				if len(profiles) == 0 {
					fmt.Println("No models configured. Run \"clawcore models add\".")
					return nil
				}
				main, _ := e.Models().Pointer(models.PointerMain)
				quick, _ := e.Models().Pointer(models.PointerQuick)
				for _, p := range profiles {
					marker := "  "
					switch p.Name {
					case main.Name:
						marker = "M "
					case quick.Name:
						marker = "Q "
					}
					fmt.Printf("%s%s %s ctx=%d\n",
						marker, runewidth.FillRight(p.Name, 40), p.Provider, p.ContextLength)
				}
				return nil
			})
		},
	}
}

func modelsAddCmd() *cobra.Command {
	var skipProbe bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a model profile interactively",
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(e *engine.Engine) error {
				profile, err := promptModelProfile()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := e.Models().Add(ctx, profile, skipProbe); err != nil {
					return err
				}
				fmt.Printf("Added %s\n", providers.ProfileName(profile.ModelName, profile.Provider))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipProbe, "skip-probe", false, "skip the connectivity probe")
	return cmd
}

func promptModelProfile() (providers.ModelProfile, error) {
	var p providers.ModelProfile
	var contextLength, maxTokens string

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("API dialect").
			Options(
				huh.NewOption("Anthropic", providers.DialectAnthropic),
				huh.NewOption("OpenAI-compatible", providers.DialectOpenAI),
			).
			Value(&p.Adapt),
		huh.NewInput().Title("Provider name (e.g. anthropic, openrouter)").Value(&p.Provider),
		huh.NewInput().Title("Model name").Value(&p.ModelName),
		huh.NewInput().Title("Base URL (empty for provider default)").Value(&p.BaseURL),
		huh.NewInput().Title("API key").EchoMode(huh.EchoModePassword).Value(&p.APIKey),
		huh.NewInput().Title("Context length").Placeholder("200000").Value(&contextLength),
		huh.NewInput().Title("Max output tokens").Placeholder("8192").Value(&maxTokens),
	))
	if err := form.Run(); err != nil {
		return p, err
	}

	p.ContextLength = parseIntOr(contextLength, 200_000)
	p.MaxTokens = parseIntOr(maxTokens, 8192)
	return p, nil
}

func parseIntOr(s string, fallback int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return fallback
}

func modelsUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <main|quick> <profile-name>",
		Short: "Point main or quick at a profile",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(e *engine.Engine) error {
				if err := e.Models().SetPointer(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func modelsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <profile-name>",
		Short: "Remove a model profile",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withEngine(func(e *engine.Engine) error {
				return e.Models().Remove(args[0])
			})
		},
	}
}
