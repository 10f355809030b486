package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"metamcp/internal/policy"
	"metamcp/internal/role"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate policy documents",
}

var showRole string

func init() {
	policyShowCmd.Flags().StringVar(&showRole, "role", "", "Show a single role's effective profile")
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy document without starting the broker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := policyPath
		if len(args) > 0 {
			path = args[0]
		}
		pols, err := policy.Load(path)
		if err != nil {
			return exitError{code: exitPolicyInvalid, err: err}
		}
		snap := pols.Current()
		fmt.Printf("%s: valid (%d roles, %d servers, %d tools)\n",
			path, len(snap.ProfileNames()), len(snap.ServerNames()), len(snap.DeclaredTools()))
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy with defaults applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		pols, err := policy.Load(policyPath)
		if err != nil {
			return exitError{code: exitPolicyInvalid, err: err}
		}
		snap := pols.Current()
		if showRole != "" {
			if !role.ValidateRoleName(snap, showRole) {
				return fmt.Errorf("unknown role %q; declared roles: %s",
					showRole, strings.Join(snap.ProfileNames(), ", "))
			}
			prof, _ := snap.Profile(showRole)
			out, err := yaml.Marshal(map[string]policy.Profile{showRole: prof})
			if err != nil {
				return fmt.Errorf("failed to render profile: %w", err)
			}
			fmt.Print(string(out))
			return nil
		}
		out, err := yaml.Marshal(effectivePolicy(snap))
		if err != nil {
			return fmt.Errorf("failed to render policy: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

// policyView is the resolved document as the broker sees it, defaults and all.
type policyView struct {
	Version  int64                        `yaml:"version"`
	Broker   policy.BrokerConfig          `yaml:"broker"`
	Features policy.FeatureConfig         `yaml:"features"`
	Profiles map[string]policy.Profile    `yaml:"profiles"`
	Servers  map[string]policy.ServerSpec `yaml:"servers"`
	Tools    map[string]policy.ToolRules  `yaml:"tools"`
}

func effectivePolicy(snap *policy.Snapshot) policyView {
	view := policyView{
		Version:  snap.Version(),
		Broker:   snap.Broker(),
		Features: snap.Features(),
		Profiles: make(map[string]policy.Profile),
		Servers:  make(map[string]policy.ServerSpec),
		Tools:    make(map[string]policy.ToolRules),
	}
	for _, name := range snap.ProfileNames() {
		if p, ok := snap.Profile(name); ok {
			view.Profiles[name] = p
		}
	}
	for _, name := range snap.ServerNames() {
		if s, ok := snap.Server(name); ok {
			view.Servers[name] = s
		}
	}
	for _, tool := range snap.DeclaredTools() {
		if r, ok := snap.Rules(tool); ok {
			view.Tools[tool] = r
		}
	}
	return view
}
