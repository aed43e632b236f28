package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockreq/internal/domain"
	"stockreq/internal/engine"
)

func reqCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "req", Short: "Manage requisitions"}
	cmd.AddCommand(reqCreateCmd())
	cmd.AddCommand(reqListCmd())
	cmd.AddCommand(reqShowCmd())
	cmd.AddCommand(reqDeliverCmd())
	cmd.AddCommand(reqConfirmCmd())
	cmd.AddCommand(reqCancelCmd())
	return cmd
}

// parseItemFlag reads "product:quantity" or "product:quantity:observations".
func parseItemFlag(raw string) (engine.ItemRequest, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return engine.ItemRequest{}, fmt.Errorf("invalid --item %q: want product:quantity[:observations]", raw)
	}
	qty, err := decimal.NewFromString(parts[1])
	if err != nil {
		return engine.ItemRequest{}, fmt.Errorf("invalid --item %q: quantity: %w", raw, err)
	}
	it := engine.ItemRequest{ProductID: parts[0], Quantity: qty}
	if len(parts) == 3 {
		it.Observations = parts[2]
	}
	return it, nil
}

func reqCreateCmd() *cobra.Command {
	var opts engine.CreateRequisitionOptions
	var itemFlags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a requisition",
		Example: `  sr req create --sector Kitchen --item rice:5 --item beans:2.5:"for lunch"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range itemFlags {
				it, err := parseItemFlag(raw)
				if err != nil {
					return err
				}
				opts.Items = append(opts.Items, it)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.ActorID = s.ActorID
				opts.StoreID = s.StoreID
				agg, err := s.Engine.CreateRequisition(ctx, opts)
				if err != nil {
					return err
				}
				return printRequisition(agg)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Sector, "sector", "", "requesting sector")
	cmd.Flags().StringVar(&opts.RequesterID, "requester", "", "requester actor (administrators only; defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.Observations, "obs", "", "observations")
	cmd.Flags().StringVar(&opts.ExpectedDeliveryDate, "date", "", "expected delivery date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Shift, "shift", "", "shift")
	cmd.Flags().StringArrayVar(&itemFlags, "item", nil, "product:quantity[:observations], repeatable")
	return cmd
}

func reqListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requisitions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.StoreID = s.StoreID
				aggs, err := s.Engine.ListRequisitions(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(aggs)
				}
				tw := newTable(table.Row{"#", "ID", "Sector", "Requester", "Status", "Items", "Created", "Confirmed"})
				for _, a := range aggs {
					confirmed := ""
					if a.ConfirmedAt != nil {
						confirmed = *a.ConfirmedAt
					}
					tw.AppendRow(table.Row{a.Number, a.ID, a.Sector, a.RequesterID, a.Status, len(a.Items), a.CreatedAt, confirmed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&opts.Sector, "sector", "", "sector filter")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&opts.Cursor, "before", 0, "only requisitions numbered below this")
	return cmd
}

func reqShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <requisition-id>",
		Short: "Show a requisition with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				agg, err := s.Engine.GetRequisition(ctx, s.StoreID, args[0])
				if err != nil {
					return err
				}
				return printRequisition(agg)
			})
		},
	}
}

func headerCmd(use, short string, run func(context.Context, engine.Engine, engine.RequisitionRef) (domain.Aggregate, error)) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   use + " <requisition-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				agg, err := run(ctx, s.Engine, engine.RequisitionRef{
					ActorID:         s.ActorID,
					StoreID:         s.StoreID,
					RequisitionID:   args[0],
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				return printRequisition(agg)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected requisition version (0 skips the check)")
	return cmd
}

func reqDeliverCmd() *cobra.Command {
	return headerCmd("deliver", "Register delivery of every separated item", func(ctx context.Context, e engine.Engine, ref engine.RequisitionRef) (domain.Aggregate, error) {
		return e.RegisterDelivery(ctx, ref)
	})
}

func reqConfirmCmd() *cobra.Command {
	return headerCmd("confirm", "Confirm receipt (requester only)", func(ctx context.Context, e engine.Engine, ref engine.RequisitionRef) (domain.Aggregate, error) {
		return e.ConfirmReceipt(ctx, ref)
	})
}

func reqCancelCmd() *cobra.Command {
	var reason string
	cmd := headerCmd("cancel", "Cancel a requisition", func(ctx context.Context, e engine.Engine, ref engine.RequisitionRef) (domain.Aggregate, error) {
		return e.CancelRequisition(ctx, engine.CancelRequisitionOptions{RequisitionRef: ref, Reason: reason})
	})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Work on requisition items"}
	cmd.AddCommand(itemSeparateCmd())
	cmd.AddCommand(itemShortageCmd())
	cmd.AddCommand(itemCancelCmd())
	cmd.AddCommand(itemAdjustCmd())
	return cmd
}

func itemRefCmd(use, short string, bind func(*cobra.Command), run func(context.Context, engine.Engine, engine.ItemRef) (domain.Aggregate, error)) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				agg, err := run(ctx, s.Engine, engine.ItemRef{
					ActorID:         s.ActorID,
					StoreID:         s.StoreID,
					ItemID:          args[0],
					ExpectedVersion: version,
				})
				if err != nil {
					return err
				}
				return printRequisition(agg)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected item version (0 skips the check)")
	if bind != nil {
		bind(cmd)
	}
	return cmd
}

func itemSeparateCmd() *cobra.Command {
	var qty, obs string
	return itemRefCmd("separate", "Separate stock for a pending item", func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&qty, "qty", "", "separated quantity")
		cmd.Flags().StringVar(&obs, "obs", "", "observations")
		_ = cmd.MarkFlagRequired("qty")
	}, func(ctx context.Context, e engine.Engine, ref engine.ItemRef) (domain.Aggregate, error) {
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return domain.Aggregate{}, engine.ValidationError{Field: "qty", Reason: "not a decimal number"}
		}
		return e.SeparateItem(ctx, engine.SeparateItemOptions{ItemRef: ref, Quantity: q, Observations: obs})
	})
}

func itemShortageCmd() *cobra.Command {
	var obs string
	return itemRefCmd("shortage", "Mark a pending item as short", func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&obs, "obs", "", "why the item cannot be supplied")
		_ = cmd.MarkFlagRequired("obs")
	}, func(ctx context.Context, e engine.Engine, ref engine.ItemRef) (domain.Aggregate, error) {
		return e.MarkShortage(ctx, engine.MarkShortageOptions{ItemRef: ref, Observations: obs})
	})
}

func itemCancelCmd() *cobra.Command {
	var obs string
	return itemRefCmd("cancel", "Cancel a pending item", func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&obs, "obs", "", "observations")
	}, func(ctx context.Context, e engine.Engine, ref engine.ItemRef) (domain.Aggregate, error) {
		return e.CancelItem(ctx, engine.CancelItemOptions{ItemRef: ref, Observations: obs})
	})
}

func itemAdjustCmd() *cobra.Command {
	var qty, justification string
	return itemRefCmd("adjust", "Adjust the requested quantity of a separated or delivered item", func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&qty, "qty", "", "new requested quantity")
		cmd.Flags().StringVar(&justification, "justification", "", "reason for the change")
		_ = cmd.MarkFlagRequired("qty")
		_ = cmd.MarkFlagRequired("justification")
	}, func(ctx context.Context, e engine.Engine, ref engine.ItemRef) (domain.Aggregate, error) {
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return domain.Aggregate{}, engine.ValidationError{Field: "qty", Reason: "not a decimal number"}
		}
		return e.AdjustItemQuantity(ctx, engine.AdjustQuantityOptions{ItemRef: ref, NewQuantity: q, Justification: justification})
	})
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Requisition counts for the store and the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				st, err := s.Engine.Stats(ctx, s.StoreID, s.ActorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable(table.Row{"Scope", "Pending", "Separated", "Delivered", "Cancelled", "Awaiting confirmation"})
				tw.AppendRow(table.Row{"store " + st.StoreID, st.Pending, st.Separated, st.Delivered, st.Cancelled, st.AwaitingConfirmation})
				if m := st.Mine; m != nil {
					tw.AppendRow(table.Row{"mine (" + m.ActorID + ")", m.Pending, m.Separated, m.Delivered, m.Cancelled, m.AwaitingConfirmation})
				}
				tw.Render()
				items := newTable(table.Row{"Item status", "Count"})
				for _, status := range []domain.ItemStatus{domain.ItemPending, domain.ItemSeparated, domain.ItemDelivered, domain.ItemShortage, domain.ItemCancelled} {
					items.AppendRow(table.Row{status, st.Items[string(status)]})
				}
				items.Render()
				return nil
			})
		},
	}
}

func printRequisition(agg domain.Aggregate) error {
	if viper.GetBool("json") {
		return printJSON(agg)
	}
	fmt.Fprintf(os.Stdout, "Requisition #%d %s (v%d)\n", agg.Number, agg.ID, agg.Version)
	fmt.Fprintf(os.Stdout, "  sector=%s requester=%s status=%s created=%s\n", agg.Sector, agg.RequesterID, agg.Status, agg.CreatedAt)
	if agg.ConfirmedAt != nil {
		fmt.Fprintf(os.Stdout, "  confirmed=%s\n", *agg.ConfirmedAt)
	}
	if agg.CancelledAt != nil {
		fmt.Fprintf(os.Stdout, "  cancelled=%s\n", *agg.CancelledAt)
	}
	tw := newTable(table.Row{"Item", "Product", "Unit", "Requested", "Separated", "Delivered", "Status", "v", "Observations"})
	for _, it := range agg.Items {
		tw.AppendRow(table.Row{
			it.ID, it.Name, it.Unit,
			it.RequestedQty.String(), it.SeparatedQty.String(), it.DeliveredQty.String(),
			it.Status, strconv.FormatInt(it.Version, 10), it.Observations,
		})
	}
	tw.Render()
	return nil
}
