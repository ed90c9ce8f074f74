package model

import (
	"strings"
)

// Market 交易市场
type Market string

const (
	MarketDomestic      Market = "CN" // A股
	MarketInternational Market = "US" // 美股及其它字母代码
	MarketHongKong      Market = "HK"
	MarketKorea         Market = "KR"
	MarketTaiwan        Market = "TW"
)

// AllMarkets 所有支持的市场
var AllMarkets = []Market{MarketDomestic, MarketInternational, MarketHongKong, MarketKorea, MarketTaiwan}

// ParseMarket 解析市场标识，不区分大小写
func ParseMarket(s string) (Market, bool) {
	m := Market(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllMarkets {
		if m == known {
			return m, true
		}
	}
	return "", false
}

// MarketOf 根据代码形态推断所属市场，纯函数
func MarketOf(code string) Market {
	code = NormalizeCode(code)
	if code == "" {
		return MarketInternational
	}

	base, suffix, hasSuffix := strings.Cut(code, ".")
	if hasSuffix {
		switch suffix {
		case "SH", "SZ", "BJ":
			if isDigits(base) && len(base) == 6 {
				return MarketDomestic
			}
		case "HK":
			return MarketHongKong
		case "TW", "TWO":
			return MarketTaiwan
		case "KS", "KQ":
			return MarketKorea
		}
		return MarketInternational
	}

	if len(code) == 6 && isDigits(code) {
		return MarketDomestic
	}
	return MarketInternational
}

// NormalizeCode 去除空白并统一大小写
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeCodes 规范化并去重，保持原有顺序
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	result := make([]string, 0, len(codes))
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		result = append(result, c)
	}
	return result
}

// GroupByMarket 按市场分组
func GroupByMarket(codes []string) map[Market][]string {
	groups := make(map[Market][]string)
	for _, c := range codes {
		m := MarketOf(c)
		groups[m] = append(groups[m], c)
	}
	return groups
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
