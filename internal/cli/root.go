// Package cli implements the repligrid command-line interface.
package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/repligrid/repligrid/internal/model"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

// rootCmd is the base command for repligrid.
var rootCmd = &cobra.Command{
	Use:   "repligrid",
	Short: "Dataset replication manager for distributed storage sites",
	Long: `Repligrid tracks physical copies of scientific datasets across storage
sites and keeps them consistent with declarative replication rules.

It provides:
  • A replica catalog with an explicit per-copy state machine
  • Replication rules evaluated by a reconciliation engine
  • Triage of site-reported bad file reports (transient vs confirmed)
  • Automatic recovery of confirmed losses via re-replication

State changes are never destructive shortcuts: every copy moves along
the declared state machine, and every correction is an explicit queued
intent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logCfg := zap.NewDevelopmentConfig()
			logger, err = logCfg.Build()
		} else {
			logCfg := zap.NewProductionConfig()
			logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
			logger, err = logCfg.Build()
		}
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "repligrid.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(rseCmd)
	rootCmd.AddCommand(didCmd)
	rootCmd.AddCommand(replicaCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(daemonCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the replica catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		fmt.Printf("Catalog initialized at %s\n", e.Config.Catalog.Path)
		return nil
	},
}

// --- RSE commands ---

var rseCmd = &cobra.Command{
	Use:   "rse",
	Short: "Manage storage sites",
}

var rseAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a storage site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		rse, err := e.Catalog.AddRSE(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Added RSE %s\n", rse.Name)
		return nil
	},
}

var rseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		rses, err := e.Catalog.ListRSEs(cmd.Context())
		if err != nil {
			return err
		}
		now := time.Now()
		fmt.Printf("%-20s %-6s %-6s %-8s %s\n", "NAME", "READ", "WRITE", "DELETE", "STATUS")
		for _, rse := range rses {
			status := "ok"
			if rse.Degraded(now) {
				status = fmt.Sprintf("degraded until %s", rse.DegradedUntil.Format(time.RFC3339))
			}
			fmt.Printf("%-20s %-6v %-6v %-8v %s\n",
				rse.Name, rse.ReadEnabled, rse.WriteEnabled, rse.DeleteEnabled, status)
		}
		return nil
	},
}

var rseShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a site's availability and attributes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		rse, err := e.Catalog.GetRSE(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Name:    %s\n", rse.Name)
		fmt.Printf("Read:    %v\nWrite:   %v\nDelete:  %v\n",
			rse.ReadEnabled, rse.WriteEnabled, rse.DeleteEnabled)
		if rse.Degraded(time.Now()) {
			fmt.Printf("Status:  degraded until %s\n", rse.DegradedUntil.Format(time.RFC3339))
		}
		keys := make([]string, 0, len(rse.Attributes))
		for k := range rse.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("Attr:    %s=%s\n", k, rse.Attributes[k])
		}
		return nil
	},
}

var rseSetAttrCmd = &cobra.Command{
	Use:   "set-attr <name> <key> <value>",
	Short: "Set a site attribute used by rule expressions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.SetRSEAttribute(cmd.Context(), args[0], args[1], args[2])
	},
}

var (
	rseReadFlag   bool
	rseWriteFlag  bool
	rseDeleteFlag bool
)

var rseAvailabilityCmd = &cobra.Command{
	Use:   "availability <name>",
	Short: "Set per-operation availability of a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.SetRSEAvailability(cmd.Context(), args[0], rseReadFlag, rseWriteFlag, rseDeleteFlag)
	},
}

var rseDegradeFor time.Duration

var rseDegradeCmd = &cobra.Command{
	Use:   "degrade <name>",
	Short: "Mark a site degraded; bad reports from it triage as transient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		until := time.Now().Add(rseDegradeFor)
		if err := e.Catalog.SetRSEDegraded(cmd.Context(), args[0], until); err != nil {
			return err
		}
		fmt.Printf("RSE %s degraded until %s\n", args[0], until.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rseAvailabilityCmd.Flags().BoolVar(&rseReadFlag, "read", true, "Allow reads")
	rseAvailabilityCmd.Flags().BoolVar(&rseWriteFlag, "write", true, "Allow writes")
	rseAvailabilityCmd.Flags().BoolVar(&rseDeleteFlag, "delete", true, "Allow deletions")
	rseDegradeCmd.Flags().DurationVar(&rseDegradeFor, "for", time.Hour, "Degradation window")

	rseCmd.AddCommand(rseAddCmd)
	rseCmd.AddCommand(rseListCmd)
	rseCmd.AddCommand(rseShowCmd)
	rseCmd.AddCommand(rseSetAttrCmd)
	rseCmd.AddCommand(rseAvailabilityCmd)
	rseCmd.AddCommand(rseDegradeCmd)
}

// --- DID commands ---

var didCmd = &cobra.Command{
	Use:   "did",
	Short: "Manage data identifiers",
}

var didTypeFlag string

var didAddCmd = &cobra.Command{
	Use:   "add <scope> <name>",
	Short: "Register a data identifier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		var didType model.DIDType
		switch didTypeFlag {
		case "file":
			didType = model.DIDTypeFile
		case "dataset":
			didType = model.DIDTypeDataset
		case "container":
			didType = model.DIDTypeContainer
		default:
			return fmt.Errorf("unknown DID type '%s' (file, dataset, container)", didTypeFlag)
		}
		return e.Catalog.AddDID(cmd.Context(), args[0], args[1], didType)
	},
}

var didAttachCmd = &cobra.Command{
	Use:   "attach <parent-scope> <parent-name> <child-scope> <child-name>",
	Short: "Attach a child identifier to an open dataset or container",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.Attach(cmd.Context(), args[0], args[1], args[2], args[3])
	},
}

var didCloseCmd = &cobra.Command{
	Use:   "close <scope> <name>",
	Short: "Close an identifier against further attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.SetDIDOpen(cmd.Context(), args[0], args[1], false)
	},
}

var didReopenCmd = &cobra.Command{
	Use:   "reopen <scope> <name>",
	Short: "Reopen a closed identifier for attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.SetDIDOpen(cmd.Context(), args[0], args[1], true)
	},
}

var didFilesCmd = &cobra.Command{
	Use:   "files <scope> <name>",
	Short: "List the constituent files of an identifier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		files, err := e.Catalog.ListFiles(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f.Key())
		}
		return nil
	},
}

func init() {
	didAddCmd.Flags().StringVar(&didTypeFlag, "type", "file", "Identifier type: file, dataset or container")

	didCmd.AddCommand(didAddCmd)
	didCmd.AddCommand(didAttachCmd)
	didCmd.AddCommand(didCloseCmd)
	didCmd.AddCommand(didReopenCmd)
	didCmd.AddCommand(didFilesCmd)
}

// --- Replica commands ---

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Manage physical copies",
}

var (
	replicaBytes    int64
	replicaChecksum string
)

var replicaAddCmd = &cobra.Command{
	Use:   "add <scope> <name> <rse> <pfn>",
	Short: "Register an existing physical copy as AVAILABLE",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.AddReplica(cmd.Context(), &model.Replica{
			Scope:    args[0],
			Name:     args[1],
			RSE:      args[2],
			PFN:      args[3],
			Bytes:    replicaBytes,
			Checksum: replicaChecksum,
			State:    model.ReplicaStateAvailable,
		})
	},
}

var replicaListCmd = &cobra.Command{
	Use:   "list <scope> <name>",
	Short: "List the physical copies of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		replicas, err := e.Catalog.ListReplicas(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %-24s %-12s %s\n", "RSE", "STATE", "BYTES", "PFN")
		for _, r := range replicas {
			fmt.Printf("%-20s %-24s %-12d %s\n", r.RSE, r.State, r.Bytes, r.PFN)
		}
		return nil
	},
}

var declareReason string

var replicaDeclareBadCmd = &cobra.Command{
	Use:   "declare-bad <rse> <pfn>",
	Short: "Report an unreadable physical copy",
	Long: `Report a physical copy as unreadable. Declarations accumulate; the
triage daemon decides whether the copy is transiently or permanently
bad. Declaring is an observation, never a direct state change.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		d, err := e.Catalog.DeclareBadPFN(cmd.Context(), args[0], args[1], declareReason)
		if err != nil {
			return err
		}
		fmt.Printf("Declared %s at %s (occurrence %d)\n", args[1], args[0], d.Occurrences)
		return nil
	},
}

var replicaRestoreCmd = &cobra.Command{
	Use:   "restore <scope> <name> <rse>",
	Short: "Restore a TEMPORARY_UNAVAILABLE copy after a clean re-check",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Catalog.RestoreAvailable(cmd.Context(), args[0], args[1], args[2])
	},
}

func init() {
	replicaAddCmd.Flags().Int64Var(&replicaBytes, "bytes", 0, "Size of the copy in bytes")
	replicaAddCmd.Flags().StringVar(&replicaChecksum, "checksum", "", "Checksum of the copy")
	replicaDeclareBadCmd.Flags().StringVar(&declareReason, "reason", "", "Why the copy is unreadable")

	replicaCmd.AddCommand(replicaAddCmd)
	replicaCmd.AddCommand(replicaListCmd)
	replicaCmd.AddCommand(replicaDeclareBadCmd)
	replicaCmd.AddCommand(replicaRestoreCmd)
}

// --- Rule commands ---

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage replication rules",
}

var (
	ruleGrouping string
	ruleLifetime time.Duration
	ruleActivity string
)

var ruleAddCmd = &cobra.Command{
	Use:   "add <scope> <name> <copies> <rse-expression>",
	Short: "Add a replication rule",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		var copies int
		if _, err := fmt.Sscanf(args[2], "%d", &copies); err != nil {
			return fmt.Errorf("invalid copy count '%s'", args[2])
		}
		var grouping model.RuleGrouping
		switch ruleGrouping {
		case "all":
			grouping = model.GroupingAll
		case "dataset":
			grouping = model.GroupingDataset
		case "none":
			grouping = model.GroupingNone
		default:
			return fmt.Errorf("unknown grouping '%s' (all, dataset, none)", ruleGrouping)
		}
		r := &model.Rule{
			Scope:         args[0],
			Name:          args[1],
			Copies:        copies,
			RSEExpression: args[3],
			Grouping:      grouping,
			Activity:      ruleActivity,
		}
		if ruleLifetime > 0 {
			expires := time.Now().Add(ruleLifetime)
			r.ExpiresAt = &expires
		}
		if err := e.Rules.AddRule(cmd.Context(), r); err != nil {
			return err
		}
		if err := e.Catalog.EnqueueRuleEval(cmd.Context(), r.ID, "rule created"); err != nil {
			return err
		}
		fmt.Printf("Added rule %s\n", r.ID)
		return nil
	},
}

var ruleStateFilter string

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List replication rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		rules, err := e.Rules.ListRules(cmd.Context(), model.RuleState(ruleStateFilter), 0)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s %-24s %-7s %-12s %s\n", "ID", "DID", "COPIES", "STATE", "LOCKS (ok/rep/stuck)")
		for _, r := range rules {
			fmt.Printf("%-36s %-24s %-7d %-12s %d/%d/%d\n",
				r.ID, r.Scope+":"+r.Name, r.Copies, r.State,
				r.LocksOK, r.LocksReplicating, r.LocksStuck)
		}
		return nil
	},
}

var ruleShowCmd = &cobra.Command{
	Use:   "show <rule-id>",
	Short: "Show one rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		r, err := e.Rules.GetRule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Rule:       %s\n", r.ID)
		fmt.Printf("DID:        %s:%s\n", r.Scope, r.Name)
		fmt.Printf("Expression: %s\n", r.RSEExpression)
		fmt.Printf("Copies:     %d\n", r.Copies)
		fmt.Printf("Grouping:   %s\n", r.Grouping)
		fmt.Printf("State:      %s\n", r.State)
		fmt.Printf("Locks:      %d ok, %d replicating, %d stuck\n",
			r.LocksOK, r.LocksReplicating, r.LocksStuck)
		if r.Error != "" {
			fmt.Printf("Error:      %s\n", r.Error)
		}
		if r.ExpiresAt != nil {
			fmt.Printf("Expires:    %s\n", r.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var ruleHistoryCmd = &cobra.Command{
	Use:   "history <rule-id>",
	Short: "Show the recorded state changes of a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		entries, err := e.Rules.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fmt.Printf("%s  %-12s %s\n",
				entry.CreatedAt.Format(time.RFC3339), entry.State, entry.Note)
		}
		return nil
	},
}

var (
	ruleCopiesFlag   int
	ruleLifetimeFlag time.Duration
	ruleResetFlag    bool
)

var ruleUpdateCmd = &cobra.Command{
	Use:   "update <rule-id>",
	Short: "Change a rule's copy count or lifetime, or reset a stuck rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		var expires *time.Time
		if ruleLifetimeFlag > 0 {
			t := time.Now().Add(ruleLifetimeFlag)
			expires = &t
		}
		return e.Rules.UpdateRule(cmd.Context(), args[0], ruleCopiesFlag, expires, ruleResetFlag)
	},
}

var ruleMoveCmd = &cobra.Command{
	Use:   "move <rule-id> <rse-expression>",
	Short: "Retarget a rule to a new site expression",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Rules.MoveRule(cmd.Context(), args[0], args[1])
	},
}

var ruleRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Delete a rule and release its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Rules.DeleteRule(cmd.Context(), args[0])
	},
}

func init() {
	ruleAddCmd.Flags().StringVar(&ruleGrouping, "grouping", "dataset", "Co-location mode: all, dataset or none")
	ruleAddCmd.Flags().DurationVar(&ruleLifetime, "lifetime", 0, "Rule lifetime; 0 means no expiry")
	ruleAddCmd.Flags().StringVar(&ruleActivity, "activity", "", "Activity label for the rule's transfers")
	ruleListCmd.Flags().StringVar(&ruleStateFilter, "state", "", "Filter by rule state")
	ruleUpdateCmd.Flags().IntVar(&ruleCopiesFlag, "copies", 0, "New copy count; 0 keeps the current value")
	ruleUpdateCmd.Flags().DurationVar(&ruleLifetimeFlag, "lifetime", 0, "New lifetime from now; 0 keeps the current expiry")
	ruleUpdateCmd.Flags().BoolVar(&ruleResetFlag, "reset", false, "Reset a STUCK rule for another round")

	ruleCmd.AddCommand(ruleAddCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleShowCmd)
	ruleCmd.AddCommand(ruleHistoryCmd)
	ruleCmd.AddCommand(ruleUpdateCmd)
	ruleCmd.AddCommand(ruleMoveCmd)
	ruleCmd.AddCommand(ruleRemoveCmd)
}

// --- Request commands ---

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Inspect the corrective intent queue",
}

var requestStateFilter string

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and recent requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := GetEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		reqs, err := e.Requests.List(cmd.Context(), model.RequestState(requestStateFilter), 0)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s %-10s %-24s %-16s %-10s %s\n",
			"ID", "TYPE", "DID", "DEST", "STATE", "ATTEMPTS")
		for _, r := range reqs {
			fmt.Printf("%-36s %-10s %-24s %-16s %-10s %d\n",
				r.ID, r.Type, r.Scope+":"+r.Name, r.DestRSE, r.State, r.Attempts)
		}
		return nil
	},
}

func init() {
	requestListCmd.Flags().StringVar(&requestStateFilter, "state", "", "Filter by request state")
	requestCmd.AddCommand(requestListCmd)
}
