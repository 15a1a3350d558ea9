package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/service/document"
	"loom-backend/internal/service/generation"
	"loom-backend/pkg/errors"
)

var (
	editText       string
	mergeInto      string
	reassign       bool
	numGenerations int
	mvDepth        int
	mvGroundTruth  string
	mvThreshold    float64

	showCmd = &cobra.Command{
		Use:   "show [node-id]",
		Short: "Print the subtree below a node (the root by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runShow,
	}
	ancestryCmd = &cobra.Command{
		Use:   "ancestry <node-id>",
		Short: "Print the text from the root down to a node",
		Args:  cobra.ExactArgs(1),
		RunE:  runAncestry,
	}
	childCmd = &cobra.Command{
		Use:   "child <parent-id> <text>",
		Short: "Append a child holding text",
		Args:  cobra.ExactArgs(2),
		RunE:  runChild,
	}
	editCmd = &cobra.Command{
		Use:   "edit <leaf-id>",
		Short: "Replace the full text of a node's ancestry (read from stdin unless --text is set)",
		Args:  cobra.ExactArgs(1),
		RunE:  runEdit,
	}
	splitCmd = &cobra.Command{
		Use:   "split <node-id> <offset>",
		Short: "Split a node at a byte offset",
		Args:  cobra.ExactArgs(2),
		RunE:  runSplit,
	}
	mergeCmd = &cobra.Command{
		Use:   "merge <node-id>",
		Short: "Merge a node into its parent or its children",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge,
	}
	zipCmd = &cobra.Command{
		Use:   "zip [node-id]",
		Short: "Collapse the single-child chain below a node (every chain by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runZip,
	}
	unzipCmd = &cobra.Command{
		Use:   "unzip [node-id]",
		Short: "Restore a compound node (every compound node by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUnzip,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete <node-id>",
		Short: "Delete a node and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	moveCmd = &cobra.Command{
		Use:   "move <node-id> <new-parent-id>",
		Short: "Move a node under a new parent",
		Args:  cobra.ExactArgs(2),
		RunE:  runMove,
	}
	generateCmd = &cobra.Command{
		Use:   "generate <node-id>",
		Short: "Generate continuations below a node and wait for them",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	multiverseCmd = &cobra.Command{
		Use:   "multiverse <node-id>",
		Short: "Print the token tree of likely continuations as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runMultiverse,
	}
)

func init() {
	editCmd.Flags().StringVar(&editText, "text", "", "new ancestry text")
	mergeCmd.Flags().StringVar(&mergeInto, "into", "parent", "merge target: parent or children")
	deleteCmd.Flags().BoolVar(&reassign, "reassign", false, "keep the children by moving them to the deleted node's parent")
	generateCmd.Flags().IntVarP(&numGenerations, "num", "n", 0, "number of continuations (defaults to the configured count)")
	multiverseCmd.Flags().IntVar(&mvDepth, "depth", 2, "expansion depth")
	multiverseCmd.Flags().StringVar(&mvGroundTruth, "ground-truth", "", "text whose tokens are expanded even when unlikely")
	multiverseCmd.Flags().Float64Var(&mvThreshold, "threshold", 0.1, "minimum unnormalized probability to expand")
}

func parseNodeID(s string) (shared.NodeID, error) {
	id, err := shared.ParseNodeID(s)
	if err != nil {
		return "", errors.NewValidationError(err.Error())
	}
	return id, nil
}

func runShow(cmd *cobra.Command, args []string) error {
	return withDocument(cmd.Context(), false, func(ctx context.Context, svc *document.Service) error {
		var (
			start document.NodeView
			err   error
		)
		if len(args) == 1 {
			id, perr := parseNodeID(args[0])
			if perr != nil {
				return perr
			}
			start, err = svc.Node(ctx, id)
		} else {
			start, err = svc.Root(ctx)
		}
		if err != nil {
			return err
		}
		return printSubtree(ctx, cmd.OutOrStdout(), svc, start, 0)
	})
}

func printSubtree(ctx context.Context, w io.Writer, svc *document.Service, n document.NodeView, depth int) error {
	var flags []string
	if !n.Mutable {
		flags = append(flags, "immutable")
	}
	if n.Compound {
		flags = append(flags, "compound")
	}
	flags = append(flags, n.Tags...)
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ",") + "]"
	}
	fmt.Fprintf(w, "%s%s %q%s\n", strings.Repeat("  ", depth), n.ID, n.Text, suffix)

	children, err := svc.Children(ctx, n.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := printSubtree(ctx, w, svc, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func runAncestry(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), false, func(ctx context.Context, svc *document.Service) error {
		anc, err := svc.Ancestry(ctx, id)
		if err != nil {
			return err
		}
		if anc.Chapter != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", anc.Chapter)
		}
		fmt.Fprintln(cmd.OutOrStdout(), anc.Text)
		return nil
	})
}

func runChild(cmd *cobra.Command, args []string) error {
	parent, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		id, err := svc.CreateChild(ctx, parent, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runEdit(cmd *cobra.Command, args []string) error {
	leaf, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	text := editText
	if !cmd.Flags().Changed("text") {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = strings.TrimSuffix(string(data), "\n")
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		changed, err := svc.Edit(ctx, document.EditRequest{LeafID: leaf, Text: text})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d node(s) changed\n", len(changed))
		return nil
	})
}

func runSplit(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	offset, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.NewValidationError("offset must be an integer")
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		upper, err := svc.Split(ctx, id, offset)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), upper)
		return nil
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	if mergeInto != "parent" && mergeInto != "children" {
		return errors.NewValidationError("--into must be parent or children")
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		if mergeInto == "parent" {
			return svc.MergeWithParent(ctx, id)
		}
		return svc.MergeWithChildren(ctx, id)
	})
}

func runZip(cmd *cobra.Command, args []string) error {
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		if len(args) == 0 {
			n, err := svc.ZipAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d chain(s) zipped\n", n)
			return nil
		}
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		compound, err := svc.Zip(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), compound)
		return nil
	})
}

func runUnzip(cmd *cobra.Command, args []string) error {
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		if len(args) == 0 {
			n, err := svc.UnzipAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d node(s) unzipped\n", n)
			return nil
		}
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		restored, err := svc.Unzip(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range restored {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		return svc.Delete(ctx, id, reassign)
	})
}

func runMove(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	parent, err := parseNodeID(args[1])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		return svc.Reparent(ctx, id, parent)
	})
}

func runGenerate(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), true, func(ctx context.Context, svc *document.Service) error {
		applied, err := svc.GenerateAndWait(ctx, generation.Request{NodeID: id, N: numGenerations})
		if err != nil {
			return err
		}
		for _, a := range applied {
			n, err := svc.Node(ctx, a)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %q\n", n.ID, n.Text)
		}
		return nil
	})
}

func runMultiverse(cmd *cobra.Command, args []string) error {
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	return withDocument(cmd.Context(), false, func(ctx context.Context, svc *document.Service) error {
		branches, err := svc.Multiverse(ctx, document.MultiverseRequest{
			NodeID:      id,
			GroundTruth: mvGroundTruth,
			MaxDepth:    mvDepth,
			Threshold:   mvThreshold,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(branches)
	})
}
