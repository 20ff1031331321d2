package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"brokerhub/hierarchy"
)

type globalOptions struct {
	configPath  string
	databaseURL string
}

// newRootCmd builds the command tree. open is called lazily by each
// subcommand so that --help works without a database.
func newRootCmd(open opener) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "hubctl",
		Short:        "Operate the brokerhub directory",
		Long:         "hubctl migrates the brokerhub schema and registers or inspects brokerages and agents directly against PostgreSQL.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection string (overrides config and DATABASE_URL)")

	withBackend := func(run func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.close()
			return run(cmd, b, args)
		}
	}

	root.AddCommand(
		newMigrateCmd(withBackend),
		newBrokerageCmd(withBackend),
		newAgentCmd(withBackend),
		newDashboardCmd(withBackend),
	)
	return root
}

type backendRunner func(run func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error

func newMigrateCmd(with backendRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			applied, err := b.migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		}),
	}
}

func newBrokerageCmd(with backendRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brokerage",
		Short: "Register and list brokerages",
	}

	var reg hierarchy.BrokerageRegistration
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a new brokerage company",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			reg.Role = hierarchy.RoleBrokerageLabel
			company, err := b.directory.RegisterBrokerage(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), company)
		}),
	}
	f := register.Flags()
	f.StringVar(&reg.CompanyName, "company", "", "company name")
	f.StringVar(&reg.OwnerName, "owner", "", "owner full name")
	f.StringVar(&reg.Email, "email", "", "login email")
	f.StringVar(&reg.Password, "password", "", "login password")
	f.StringVar(&reg.Phone, "phone", "", "contact phone")
	f.StringVar(&reg.Address, "address", "", "street address")
	f.StringVar(&reg.MCNumber, "mc", "", "MC number")
	f.StringVar(&reg.DOTNumber, "dot", "", "DOT number")
	_ = register.MarkFlagRequired("company")
	_ = register.MarkFlagRequired("email")
	_ = register.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List every brokerage",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			companies, err := b.directory.ListCompanies(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), companies)
		}),
	}

	cmd.AddCommand(register, list)
	return cmd
}

func newAgentCmd(with backendRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register, list and toggle broker agents",
	}

	var reg hierarchy.AgentRegistration
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an agent under an existing brokerage",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, b *backend, _ []string) error {
			reg.Role = hierarchy.RoleAgentLabel
			agent, err := b.directory.RegisterAgent(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		}),
	}
	f := register.Flags()
	f.StringVar(&reg.ParentBrokerageID, "brokerage", "", "parent brokerage id")
	f.StringVar(&reg.FirstName, "first", "", "first name")
	f.StringVar(&reg.LastName, "last", "", "last name")
	f.StringVar(&reg.Email, "email", "", "login email")
	f.StringVar(&reg.Password, "password", "", "login password")
	f.StringVar(&reg.Phone, "phone", "", "contact phone")
	f.StringVar(&reg.Department, "department", "", "department")
	f.StringVar(&reg.Position, "position", "", "position title")
	_ = register.MarkFlagRequired("brokerage")
	_ = register.MarkFlagRequired("email")
	_ = register.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list <brokerage-id>",
		Short: "List a brokerage's agents, active or not",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			agents, err := b.directory.GetAgentsByBrokerageID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agents)
		}),
	}

	toggle := &cobra.Command{
		Use:   "toggle <brokerage-id> <agent-id>",
		Short: "Flip an agent between active and inactive",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			agent, err := b.directory.ToggleAgentStatus(cmd.Context(), args[1], args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		}),
	}

	cmd.AddCommand(register, list, toggle)
	return cmd
}

func newDashboardCmd(with backendRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print dashboard aggregates",
	}

	brokerage := &cobra.Command{
		Use:   "brokerage <id>",
		Short: "Print the brokerage dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			view, found, err := b.dashboards.BrokerageDashboard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("brokerage %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), view)
		}),
	}

	agent := &cobra.Command{
		Use:   "agent <id>",
		Short: "Print the agent dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, b *backend, args []string) error {
			view, found, err := b.dashboards.AgentDashboard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("agent %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), view)
		}),
	}

	cmd.AddCommand(brokerage, agent)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
