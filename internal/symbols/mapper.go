package symbols

import "strings"

// quoteAssets are tried longest first when splitting a Binance style symbol.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

// ToBinance converts various exchange-specific symbol formats to Binance style.
// It ensures symbols are uppercase without separators and uses BTC instead of XBT.
// Currently supported exchanges: binance, bybit, kucoin, coinbase, kraken, okx.
func ToBinance(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance":
		sym = strings.TrimSuffix(sym, "_PERP")
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
		sym = xbtToBTC(sym)
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		if strings.HasSuffix(sym, "USDTM") || strings.HasSuffix(sym, "USDM") {
			sym = strings.TrimSuffix(sym, "M")
		}
		sym = xbtToBTC(sym)
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// FromBinance converts a Binance style symbol into the instrument name the
// exchange expects for the given market type ("spot", "futures", "inverse").
// Symbols whose quote asset cannot be recognised are returned unchanged.
func FromBinance(exchange, market, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	base, quote, ok := Split(sym)
	if !ok {
		return sym
	}
	market = strings.ToLower(market)

	switch strings.ToLower(exchange) {
	case "okx":
		switch market {
		case "futures":
			return base + "-" + quote + "-SWAP"
		case "inverse":
			return base + "-USD-SWAP"
		}
		return base + "-" + quote
	case "coinbase":
		return base + "-" + quote
	case "kraken":
		if base == "BTC" {
			base = "XBT"
		}
		return base + "/" + quote
	case "kucoin":
		if market == "futures" || market == "inverse" {
			if base == "BTC" {
				base = "XBT"
			}
			if market == "inverse" {
				quote = "USD"
			}
			return base + quote + "M"
		}
		return base + "-" + quote
	}
	return sym
}

// Split separates a Binance style symbol into base and quote assets.
func Split(sym string) (base, quote string, ok bool) {
	sym = strings.ToUpper(sym)
	for _, q := range quoteAssets {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return strings.TrimSuffix(sym, q), q, true
		}
	}
	return "", "", false
}

func xbtToBTC(sym string) string {
	if strings.HasPrefix(sym, "XBT") {
		return "BTC" + sym[3:]
	}
	return sym
}
