package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/shipper/internal/core/environment"
)

func newResolveCmd() *cobra.Command {
	var ref string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the deployment context derived from a ref",
		Long: `Resolve shows which environment a ref deploys to and the service, task
family and image tag derived from it, without touching anything.

Examples:
    shipper resolve --ref refs/heads/main
    shipper resolve --ref feature/login -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(ref, outputFormat)
		},
	}

	cmd.Flags().StringVar(&ref, "ref", "", "Git ref to resolve")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json or yaml")
	cmd.MarkFlagRequired("ref")

	return cmd
}

func runResolve(ref, format string) error {
	env := environment.Resolve(ref)

	switch format {
	case "json":
		data, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(env)
		if err != nil {
			return err
		}
		fmt.Print(string(data))

	case "text":
		fmt.Printf("environment:  %s\n", env.Environment)
		fmt.Printf("ref:          %s\n", env.Ref)
		fmt.Printf("image tag:    %s\n", env.ImageTag)
		fmt.Printf("service:      %s\n", env.ServiceName)
		fmt.Printf("task family:  %s\n", env.TaskFamily)

	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
