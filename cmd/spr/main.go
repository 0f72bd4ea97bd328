package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "sprout/internal/cli"
	"sprout/internal/config"
	"sprout/internal/ledger"
	"sprout/internal/syncq"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "spr",
		Short:        "Sprout trading CLI",
		SilenceUsage: true,
	}

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newSyncCmd(&apiBase),
		newTradeCmd(&apiBase),
		newMarketCmd(&apiBase),
		newInventoryCmd(&apiBase),
		newWalletCmd(&apiBase),
		newHistoryCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save a Sprout access token for this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := promptRequired("Access token")
			if err != nil {
				return err
			}
			// The token is verified server-side; locally we only pull out
			// identity so other commands can display it.
			claims := jwt.MapClaims{}
			if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
				return fmt.Errorf("not a valid token: %w", err)
			}
			sub, _ := claims["sub"].(string)
			username, _ := claims["username"].(string)
			if strings.TrimSpace(sub) == "" {
				return fmt.Errorf("token has no subject")
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken: token,
				Username:    username,
				UserID:      sub,
			}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Session saved for %s.", sub))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			remaining := make([]syncq.Command, 0, len(queue))
			replayed := 0
			for _, q := range queue {
				_, err := client.Do(ctx, q.Method, q.Path, sess.AccessToken, q.Body, q.IdempotencyKey)
				if err != nil {
					remaining = append(remaining, q)
					printError(fmt.Sprintf("Sync failed for %s %s: %v", q.Method, q.Path, err))
					continue
				}
				replayed++
			}
			if err := syncq.Save(remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", replayed, len(remaining)))
			return nil
		},
	}
}

func newTradeCmd(apiBase *string) *cobra.Command {
	trade := &cobra.Command{
		Use:     "trade",
		Short:   "Two-party trade commands",
		Aliases: []string{"trades"},
	}
	trade.AddCommand(
		newTradeOpenCmd(apiBase),
		newTradeListCmd(apiBase),
		newTradeShowCmd(apiBase),
		newTradeAcceptCmd(apiBase),
		newTradeCancelCmd(apiBase),
		newTradeItemCmd(apiBase, "add-item", "items/add", "Commit items to your side of a trade"),
		newTradeItemCmd(apiBase, "remove-item", "items/remove", "Withdraw items from your side of a trade"),
		newTradeCurrencyCmd(apiBase, "add-currency", "currency/add", "Commit gold or gems to your side of a trade"),
		newTradeCurrencyCmd(apiBase, "remove-currency", "currency/remove", "Withdraw gold or gems from your side of a trade"),
		newTradeConfirmCmd(apiBase),
		newTradeUnconfirmCmd(apiBase),
	)
	return trade
}

func newTradeOpenCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "open [receiver_id]",
		Short: "Send a trade request to another player",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			receiver := ""
			if len(args) > 0 {
				receiver = strings.TrimSpace(args[0])
			} else {
				receiver, err = promptRequired("Receiver ID")
				if err != nil {
					return err
				}
			}
			idem := uuid.NewString()
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.OpenTrade(ctx, sess.AccessToken, receiver, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           "/v1/trades",
					Body:           map[string]any{"receiver_id": receiver},
					IdempotencyKey: idem,
				})
			}
			return renderTrade(out)
		},
	}
}

func newTradeListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your open trade sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.ListTrades(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderTradeList(out)
		},
	}
}

func newTradeShowCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [trade_id]",
		Short: "Show one trade session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.GetTrade(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newTradeAcceptCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "accept [trade_id]",
		Short: "Accept an incoming trade request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.AcceptTrade(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newTradeCancelCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [trade_id]",
		Short: "Cancel a trade session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.CancelTrade(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newTradeItemCmd(apiBase *string, use, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [trade_id] [item_type] [amount]",
		Short: short,
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			itemType, err := itemTypeFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			amount, err := int64FromArgOrPrompt(args, 2, "Amount")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			var out map[string]any
			if op == "items/add" {
				out, err = client.AddTradeItem(ctx, sess.AccessToken, id, itemType, amount)
			} else {
				out, err = client.RemoveTradeItem(ctx, sess.AccessToken, id, itemType, amount)
			}
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newTradeCurrencyCmd(apiBase *string, use, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [trade_id] [gold|gem] [amount]",
		Short: short,
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			currency, err := currencyFromArgOrPrompt(args, 1)
			if err != nil {
				return err
			}
			amount, err := int64FromArgOrPrompt(args, 2, "Amount")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			var out map[string]any
			if op == "currency/add" {
				out, err = client.AddTradeCurrency(ctx, sess.AccessToken, id, currency, amount)
			} else {
				out, err = client.RemoveTradeCurrency(ctx, sess.AccessToken, id, currency, amount)
			}
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newTradeConfirmCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm [trade_id]",
		Short: "Confirm the trade as currently offered",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.ConfirmTrade(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderConfirmResult(out)
		},
	}
}

func newTradeUnconfirmCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unconfirm [trade_id]",
		Short: "Withdraw your confirmation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Trade ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.UnconfirmTrade(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderTrade(out)
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	m := &cobra.Command{
		Use:   "market",
		Short: "Marketplace commands",
	}
	m.AddCommand(
		newMarketListCmd(apiBase),
		newMarketMineCmd(apiBase),
		newMarketSellCmd(apiBase),
		newMarketBuyCmd(apiBase),
		newMarketCancelCmd(apiBase),
	)
	return m
}

func newMarketListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [item_type]",
		Short: "Browse active listings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			itemType := ""
			if len(args) > 0 {
				itemType = strings.ToUpper(strings.TrimSpace(args[0]))
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Listings(ctx, sess.AccessToken, itemType)
			if err != nil {
				return err
			}
			return renderListings(out, "Marketplace")
		},
	}
}

func newMarketMineCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "Show your own listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.MyListings(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderListings(out, "My Listings")
		},
	}
}

func newMarketSellCmd(apiBase *string) *cobra.Command {
	var priceGold, priceGem int64
	cmd := &cobra.Command{
		Use:   "sell [item_type] [amount]",
		Short: "List items for sale (items go into escrow)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			itemType, err := itemTypeFromArgOrPrompt(args, 0)
			if err != nil {
				return err
			}
			amount, err := int64FromArgOrPrompt(args, 1, "Amount")
			if err != nil {
				return err
			}
			body := map[string]any{
				"item_type": itemType,
				"amount":    amount,
			}
			if priceGold > 0 {
				body["price_gold"] = priceGold
			}
			if priceGem > 0 {
				body["price_gem"] = priceGem
			}
			if priceGold <= 0 && priceGem <= 0 {
				gold, err := promptInt64("Gold price (0 to skip)", 0)
				if err != nil {
					return err
				}
				if gold > 0 {
					body["price_gold"] = gold
				}
				gems, err := promptInt64("Gem price (0 to skip)", 0)
				if err != nil {
					return err
				}
				if gems > 0 {
					body["price_gem"] = gems
				}
			}
			idem := uuid.NewString()
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.CreateListing(ctx, sess.AccessToken, idem, body)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           "/v1/market/listings",
					Body:           body,
					IdempotencyKey: idem,
				})
			}
			return renderListing(out)
		},
	}
	cmd.Flags().Int64Var(&priceGold, "gold", 0, "gold price")
	cmd.Flags().Int64Var(&priceGem, "gems", 0, "gem price")
	return cmd
}

func newMarketBuyCmd(apiBase *string) *cobra.Command {
	var payWithGem bool
	cmd := &cobra.Command{
		Use:   "buy [listing_id]",
		Short: "Buy a listing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Listing ID")
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.BuyListing(ctx, sess.AccessToken, id, payWithGem, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           fmt.Sprintf("/v1/market/listings/%d/buy", id),
					Body:           map[string]any{"pay_with_gem": payWithGem},
					IdempotencyKey: idem,
				})
			}
			return renderListing(out)
		},
	}
	cmd.Flags().BoolVar(&payWithGem, "gems", false, "pay with gems instead of gold")
	return cmd
}

func newMarketCancelCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [listing_id]",
		Short: "Cancel your listing and reclaim the escrowed items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Listing ID")
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.CancelListing(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			return renderListing(out)
		},
	}
}

func newInventoryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "inv",
		Short:   "Show your inventory",
		Aliases: []string{"inventory"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Inventory(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderInventory(out)
		},
	}
}

func newWalletCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show your gold and gem balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Wallet(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderWallet(out)
		},
	}
}

func newHistoryCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show your completed trades and purchases",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.TradeHistory(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			return renderHistory(out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries to show")
	return cmd
}

// queueOnNetworkError stores the command for `spr sync` when the API was
// unreachable. Structured API errors are real rejections and are returned
// as-is.
func queueOnNetworkError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "api status") {
		return err
	}
	if pushErr := syncq.Push(cmd); pushErr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", err)
	}
	printWarn(fmt.Sprintf("API unreachable; queued %s %s for `spr sync`.", cmd.Method, cmd.Path))
	return nil
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt64(label, 1)
}

func itemTypeFromArgOrPrompt(args []string, idx int) (string, error) {
	if len(args) > idx {
		itemType := strings.ToUpper(strings.TrimSpace(args[idx]))
		if err := ledger.ValidateItemType(itemType); err != nil {
			return "", err
		}
		return itemType, nil
	}
	return promptItemType("Item type")
}

func currencyFromArgOrPrompt(args []string, idx int) (string, error) {
	if len(args) > idx {
		cur, err := ledger.ParseCurrency(args[idx])
		if err != nil {
			return "", err
		}
		return string(cur), nil
	}
	return promptCurrency("Currency (gold/gem)")
}
