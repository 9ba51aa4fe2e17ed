package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helixlab/biohost/pkg/filestore"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host status: connection, tools, clients, sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()
			return printJSON(rt.coord.Status())
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			name, ver := rt.registry.ServerInfo()
			fmt.Printf("Server: %s %s\n\n", name, ver)
			for _, tool := range rt.coord.Tools() {
				fmt.Printf("  %-24s %s\n", tool.Name, tool.Description)
			}
			return nil
		},
	}
}

func newClientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List configured model clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			for _, info := range rt.coord.Clients() {
				marker := " "
				if info.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %-12s %s\n", marker, info.Name, info.Model)
			}
			return nil
		},
	}
}

func newUploadCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file into the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			record, err := rt.coord.Upload(args[0], session)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s as %s (%s, %d bytes)\n",
				record.Name, record.ID, record.Category, record.Size)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "attach to session")
	return cmd
}

func newFilesCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List registered files",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			records := rt.coord.ListFiles(filestore.Category(category))
			if len(records) == 0 {
				fmt.Println("No files.")
				return nil
			}
			for _, rec := range records {
				fmt.Printf("%-32s %-14s %8d  %s\n", rec.ID, rec.Category, rec.Size, rec.Summary())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the tool server and every model client",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()
			return printJSON(rt.coord.HealthCheck(cmd.Context()))
		},
	}
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session>",
		Short: "Close a session and cancel its in-flight work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			if err := rt.coord.CloseSession(args[0]); err != nil {
				return err
			}
			fmt.Println("Closed", args[0])
			return nil
		},
	}
}

func newSwitchModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch-model <client> <model>",
		Short: "Switch the model one client uses",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.stop()

			if err := rt.coord.SwitchModel(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s now uses %s\n", args[0], args[1])
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
