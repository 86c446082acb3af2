// Command echolink-token manages the shared credential envelope from the
// command line. Because it is a separate process writing the same file,
// running it against a live application exercises the cross-process
// coordination path: the application observes the change and reconnects
// with the new token (or disconnects when it is cleared).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vellum-hq/echolink/credstore"
)

var credFile string

func main() {
	root := &cobra.Command{
		Use:           "echolink-token",
		Short:         "Manage the shared echolink credential envelope",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&credFile, "file", defaultCredFile(), "path to the credential envelope")

	root.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print whether a token is stored",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := credstore.NewFileStore(credFile)
				if err != nil {
					return err
				}
				defer store.Close()
				token, ok := store.Token()
				if !ok {
					fmt.Println("no token stored")
					return nil
				}
				fmt.Printf("token stored (%d chars)\n", len(token))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <token>",
			Short: "Store a bearer token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := credstore.NewFileStore(credFile)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.SetToken(args[0]); err != nil {
					return err
				}
				fmt.Println("token stored")
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored token",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := credstore.NewFileStore(credFile)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.RemoveToken(); err != nil {
					return err
				}
				fmt.Println("token cleared")
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultCredFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(home, ".echolink", "credentials.json")
}
