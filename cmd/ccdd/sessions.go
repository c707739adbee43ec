package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rigelfalcon/ccdd/internal/fsstore"
	"github.com/rigelfalcon/ccdd/session"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored chat sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := statePath("sessions.json")
			if err != nil {
				return err
			}

			records := make(map[string]*session.Record)
			found, err := fsstore.ReadJSON(path, &records)
			if err != nil {
				return err
			}
			if !found || len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions stored.")
				return nil
			}

			keys := make([]string, 0, len(records))
			for k := range records {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				r := records[k]
				sid := r.SessionID
				if sid == "" {
					sid = "-"
				}
				dir := r.ProjectDir
				if dir == "" {
					dir = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tsession=%s\tproject=%s\tupdated=%s\n",
					k, sid, dir, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
