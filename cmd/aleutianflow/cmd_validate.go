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
	"errors"

	"github.com/spf13/cobra"
)

var errInvalidGraph = errors.New("graph is invalid")

func newValidateCmd(a *app) *cobra.Command {
	var connections string
	cmd := &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Check a graph and its connections without running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readGraph(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			conns, err := readConnections(connections)
			if err != nil {
				return err
			}
			e, err := a.newEngine(nil)
			if err != nil {
				return err
			}
			report := e.Validate(raw, conns)
			if err := a.out.Report(report); err != nil {
				return err
			}
			if !report.Valid {
				return errInvalidGraph
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&connections, "connections", "c", "", "YAML or JSON file of connections")
	return cmd
}
