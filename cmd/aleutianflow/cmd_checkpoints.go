// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and clear saved source checkpoints",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <graphID>",
			Short: "List the checkpoints saved for a graph",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				list, err := store.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.out.Checkpoints(list)
			},
		},
		&cobra.Command{
			Use:   "clear <graphID> [connectionID]",
			Short: "Delete the checkpoints of a graph, or of one of its connections",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer store.Close()
				if len(args) == 2 {
					if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
						return err
					}
					a.out.Success(fmt.Sprintf("cleared checkpoint %s/%s", args[0], args[1]))
					return nil
				}
				n, err := store.Clear(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.out.Success(fmt.Sprintf("cleared %d %s for graph %s", n, plural(n), args[0]))
				return nil
			},
		},
	)
	return cmd
}

func plural(n int) string {
	if n == 1 {
		return "checkpoint"
	}
	return "checkpoints"
}
