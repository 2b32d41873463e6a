// Package main provides the repligrid CLI entry point.
// Repligrid is a dataset replication manager: a replica catalog, a
// rule-reconciliation engine and the daemons that keep physical copies
// consistent with declared replication policy.
package main

import (
	"fmt"
	"os"

	"github.com/repligrid/repligrid/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
