package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/amla-dev/amla/internal/tools"
)

// builtinRegistry registers the host tools the CLI ships with. Embedders of
// the engine bring their own registry; these exist so profiles can be
// exercised end to end from the command line.
func builtinRegistry() (*tools.Registry, error) {
	registry := tools.NewRegistry()

	defs := []tools.Definition{
		{
			Name:        "echo",
			Description: "Return the arguments unchanged",
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				return args, nil
			},
		},
		{
			Name:        "time/now",
			Description: "Current host time in RFC 3339 form",
			Handler: func(_ context.Context, _ map[string]any) (any, error) {
				return time.Now().Format(time.RFC3339Nano), nil
			},
		},
		{
			Name:        "rand/int",
			Description: "Uniform random integer in [0, max)",
			Schema: []byte(`{
				"type": "object",
				"properties": {"max": {"type": "integer", "minimum": 1}},
				"required": ["max"]
			}`),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				max, ok := args["max"].(float64)
				if !ok || max < 1 {
					return nil, fmt.Errorf("max must be a positive integer")
				}
				n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
				if err != nil {
					return nil, err
				}
				return n.Int64(), nil
			},
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// toolsCmd lists the built-in tool surface.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List built-in host tools and their guest identifiers",
	RunE: func(_ *cobra.Command, _ []string) error {
		registry, err := builtinRegistry()
		if err != nil {
			return err
		}
		for _, def := range registry.Definitions() {
			fmt.Printf("%-12s %-14s %s\n", def.Name, tools.NormalizeName(def.Name), def.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
