package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"sprout/internal/ledger"
	"sprout/internal/market"
	"sprout/internal/trade"
	"sprout/internal/tradelog"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type tradesPayload struct {
	Trades []trade.TradeView `json:"trades"`
}

type historyPayload struct {
	History []tradelog.Entry `json:"history"`
}

type listingsPayload struct {
	Listings []market.ListingView `json:"listings"`
}

type inventoryPayload struct {
	Items []ledger.ItemStack `json:"items"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptItemType(label string) (string, error) {
	for {
		itemType, err := promptRequired(label)
		if err != nil {
			return "", err
		}
		itemType = strings.ToUpper(strings.TrimSpace(itemType))
		if err := ledger.ValidateItemType(itemType); err != nil {
			printWarn(err.Error())
			continue
		}
		return itemType, nil
	}
}

func promptCurrency(label string) (string, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return "", err
		}
		cur, err := ledger.ParseCurrency(text)
		if err != nil {
			printWarn(err.Error())
			continue
		}
		return string(cur), nil
	}
}

func renderTrade(raw map[string]any) error {
	v, err := decodeInto[trade.TradeView](raw)
	if err != nil {
		return err
	}
	printTrade(v)
	return nil
}

func renderConfirmResult(raw map[string]any) error {
	out, err := decodeInto[trade.ConfirmResult](raw)
	if err != nil {
		return err
	}
	if out.Completed {
		printSuccess("Trade settled. Items and currency have been exchanged.")
	} else {
		printInfo("Confirmation recorded. Waiting for the other party.")
	}
	printTrade(out.Trade)
	return nil
}

func printTrade(v trade.TradeView) {
	accent.Printf("\n== TRADE #%d [%s] ==\n", v.ID, strings.ToUpper(string(v.Status)))
	fmt.Printf("Sender:    %s  confirmed=%t\n", v.SenderID, v.SenderConfirmed)
	fmt.Printf("Receiver:  %s  confirmed=%t\n", v.ReceiverID, v.ReceiverConfirmed)
	fmt.Printf("Expires:   %s\n", v.ExpiresAt.Local().Format("2006-01-02 15:04"))
	printOffer("Sender offers", v.SenderOffer)
	printOffer("Receiver offers", v.ReceiverOffer)
	fmt.Println()
}

func printOffer(title string, o trade.Offer) {
	fmt.Println()
	accent.Println(title)
	if len(o.Items) == 0 && len(o.Currencies) == 0 {
		printInfo("Nothing committed yet.")
		return
	}
	for _, it := range o.Items {
		fmt.Printf("  %-24s x%d\n", it.ItemType, it.Amount)
	}
	for _, c := range o.Currencies {
		fmt.Printf("  %-24s %d\n", strings.ToUpper(string(c.Currency)), c.Amount)
	}
}

func renderTradeList(raw map[string]any) error {
	payload, err := decodeInto[tradesPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== ACTIVE TRADES ==")
	if len(payload.Trades) == 0 {
		printInfo("No active trades.")
		return nil
	}
	fmt.Printf("%-6s %-16s %-16s %-10s %-8s %-8s %-17s\n", "ID", "SENDER", "RECEIVER", "STATUS", "S-OK", "R-OK", "EXPIRES")
	for _, t := range payload.Trades {
		fmt.Printf("%-6d %-16s %-16s %-10s %-8t %-8t %-17s\n",
			t.ID,
			truncate(t.SenderID, 16),
			truncate(t.ReceiverID, 16),
			t.Status,
			t.SenderConfirmed,
			t.ReceiverConfirmed,
			t.ExpiresAt.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Println()
	return nil
}

func renderHistory(raw map[string]any) error {
	payload, err := decodeInto[historyPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== TRADE HISTORY ==")
	if len(payload.History) == 0 {
		printInfo("No completed exchanges yet.")
		return nil
	}
	for _, e := range payload.History {
		when := e.CreatedAt.Local().Format("2006-01-02 15:04")
		switch e.Kind {
		case tradelog.KindTrade:
			var d tradelog.TradeDetail
			if err := json.Unmarshal(e.Detail, &d); err != nil {
				return err
			}
			fmt.Printf("%s  trade #%d  %s <-> %s  %s | %s\n",
				when, d.TradeID, d.SenderID, d.ReceiverID,
				summarizeSide(d.SenderItems, d.SenderCurrency),
				summarizeSide(d.ReceiverItems, d.ReceiverCurrency),
			)
		case tradelog.KindPurchase:
			var d tradelog.PurchaseDetail
			if err := json.Unmarshal(e.Detail, &d); err != nil {
				return err
			}
			fmt.Printf("%s  listing #%d  %s -> %s  %dx %s for %d %s\n",
				when, d.ListingID, d.SellerID, d.BuyerID, d.Amount, d.ItemType, d.Price, d.Currency)
		}
	}
	fmt.Println()
	return nil
}

func summarizeSide(items []ledger.ItemStack, currency map[string]int64) string {
	parts := make([]string, 0, len(items)+len(currency))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Amount, it.ItemType))
	}
	for cur, amount := range currency {
		parts = append(parts, fmt.Sprintf("%d %s", amount, cur))
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

func renderListing(raw map[string]any) error {
	v, err := decodeInto[market.ListingView](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== LISTING #%d [%s] ==\n", v.ID, strings.ToUpper(string(v.Status)))
	fmt.Printf("Seller:  %s\n", v.SellerID)
	fmt.Printf("Item:    %dx %s\n", v.Amount, v.ItemType)
	if v.PriceGold != nil {
		fmt.Printf("Gold:    %d\n", *v.PriceGold)
	}
	if v.PriceGem != nil {
		fmt.Printf("Gems:    %d\n", *v.PriceGem)
	}
	if v.BuyerID != nil {
		fmt.Printf("Buyer:   %s\n", *v.BuyerID)
	}
	fmt.Println()
	return nil
}

func renderListings(raw map[string]any, title string) error {
	payload, err := decodeInto[listingsPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", strings.ToUpper(title))
	if len(payload.Listings) == 0 {
		printInfo("No listings found.")
		return nil
	}
	fmt.Printf("%-6s %-16s %-24s %8s %10s %10s %-10s\n", "ID", "SELLER", "ITEM", "QTY", "GOLD", "GEMS", "STATUS")
	for _, l := range payload.Listings {
		fmt.Printf("%-6d %-16s %-24s %8d %10s %10s %-10s\n",
			l.ID,
			truncate(l.SellerID, 16),
			truncate(l.ItemType, 24),
			l.Amount,
			optionalPrice(l.PriceGold),
			optionalPrice(l.PriceGem),
			l.Status,
		)
	}
	fmt.Println()
	return nil
}

func optionalPrice(p *int64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatInt(*p, 10)
}

func renderInventory(raw map[string]any) error {
	payload, err := decodeInto[inventoryPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== INVENTORY ==")
	if len(payload.Items) == 0 {
		printInfo("Inventory is empty.")
		return nil
	}
	fmt.Printf("%-32s %10s\n", "ITEM", "AMOUNT")
	for _, it := range payload.Items {
		fmt.Printf("%-32s %10d\n", it.ItemType, it.Amount)
	}
	fmt.Println()
	return nil
}

func renderWallet(raw map[string]any) error {
	w, err := decodeInto[ledger.Wallet](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== WALLET ==")
	fmt.Printf("Gold: %d\n", w.Gold)
	fmt.Printf("Gems: %d\n", w.Gems)
	fmt.Println()
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
