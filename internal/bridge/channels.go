package bridge

import "strings"

// Channel naming is part of the producer interop contract and must be
// preserved bit-exact:
//
//	stock:{code}:price
//	stock:{code}:orderbook
//	market:{market}:status
//	alerts:{userID}

const (
	// PricePattern matches every per-instrument price channel.
	PricePattern = "stock:*:price"
	// OrderbookPattern matches every per-instrument order-book channel.
	OrderbookPattern = "stock:*:orderbook"
	// MarketStatusPattern matches every market status channel.
	MarketStatusPattern = "market:*:status"
	// AlertPattern matches every per-user alert channel.
	AlertPattern = "alerts:*"
)

// PriceChannel returns the price channel for a stock code.
func PriceChannel(code string) string {
	return "stock:" + code + ":price"
}

// OrderbookChannel returns the order-book channel for a stock code.
func OrderbookChannel(code string) string {
	return "stock:" + code + ":orderbook"
}

// MarketStatusChannel returns the status channel for a market.
func MarketStatusChannel(market string) string {
	return "market:" + market + ":status"
}

// AlertChannel returns the alert channel for a user.
func AlertChannel(userID string) string {
	return "alerts:" + userID
}

// StockCode extracts the code from a stock:{code}:price or
// stock:{code}:orderbook channel name.
func StockCode(channel string) (string, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "stock" || parts[1] == "" {
		return "", false
	}
	if parts[2] != "price" && parts[2] != "orderbook" {
		return "", false
	}
	return parts[1], true
}

// Market extracts the market from a market:{market}:status channel name.
func Market(channel string) (string, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "market" || parts[1] == "" || parts[2] != "status" {
		return "", false
	}
	return parts[1], true
}

// AlertUserID extracts the user id from an alerts:{userID} channel name.
func AlertUserID(channel string) (string, bool) {
	parts := strings.SplitN(channel, ":", 2)
	if len(parts) != 2 || parts[0] != "alerts" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// isPattern reports whether a subscription name uses glob matching.
func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?[")
}
