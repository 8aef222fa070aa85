package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/config"
)

func init() {
	threadsCmd.AddCommand(threadsDeleteCmd)
	rootCmd.AddCommand(threadsCmd)
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List stored threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.ListThreads(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no stored threads")
			return nil
		}
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %-40s  %d messages  %s\n", s.ID, title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.DeleteThread(cmd.Context(), args[0])
	},
}
