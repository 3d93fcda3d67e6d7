package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/localnerve/menusync/internal/app"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/services"
	"github.com/spf13/cobra"
)

var (
	stateFile     string
	stateExpected int64
	stateSummary  string
	revertTo      uint64
)

var commitStateCmd = &cobra.Command{
	Use:     "commit-state MASTER_MENU_ID --file STATE_JSON",
	GroupID: "master",
	Short:   "Commit the difference between a menu file and the current master",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "master menu id")
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(stateFile)
		if err != nil {
			return err
		}
		state := menu.NewState()
		if err := json.Unmarshal(raw, state); err != nil {
			return fmt.Errorf("failed to parse %s: %w", stateFile, err)
		}

		in := services.CommitStateInput{
			MasterMenuID: id,
			State:        state,
			Summary:      stateSummary,
			Actor:        actor,
		}
		if stateExpected >= 0 {
			v := uint64(stateExpected)
			in.ExpectedVersion = &v
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			v, err := a.Menus.CommitState(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(map[string]uint64{"new_version": v})
		})
	},
}

var revertCmd = &cobra.Command{
	Use:     "revert MASTER_MENU_ID --to VERSION",
	GroupID: "master",
	Short:   "Commit a new version restoring an earlier master menu",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "master menu id")
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			v, err := a.Menus.RevertMaster(cmd.Context(), id, revertTo, actor)
			if err != nil {
				return err
			}
			return printJSON(map[string]uint64{"new_version": v})
		})
	},
}

var policyCmd = &cobra.Command{
	Use:     "policy",
	GroupID: "master",
	Short:   "Sync policy tools",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate POLICY_YAML",
	Short: "List the entries of a policy file that fall back to manual",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		problems := pol.Validate()
		for _, p := range problems {
			fmt.Println(p.String())
		}
		if len(problems) > 0 {
			return fmt.Errorf("%d misconfigured entries", len(problems))
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	commitStateCmd.Flags().StringVar(&stateFile, "file", "", "menu state JSON")
	commitStateCmd.Flags().Int64Var(&stateExpected, "expected", -1, "version the file was edited from")
	commitStateCmd.Flags().StringVar(&stateSummary, "summary", "", "version summary")
	_ = commitStateCmd.MarkFlagRequired("file")
	revertCmd.Flags().Uint64Var(&revertTo, "to", 0, "version to restore")
	_ = revertCmd.MarkFlagRequired("to")

	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(commitStateCmd, revertCmd, policyCmd)
}
