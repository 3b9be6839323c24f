package events

import (
	"math/big"
	"strings"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func putAmount(attrs map[string]string, key string, amount *big.Int) {
	if amount == nil {
		return
	}
	attrs[key] = amount.String()
}
