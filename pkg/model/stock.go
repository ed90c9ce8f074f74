package model

import (
	"time"
)

// DataKind 缓存数据类型
type DataKind string

const (
	KindPrice  DataKind = "price"
	KindSeries DataKind = "series"
)

// Valid 是否为已知数据类型
func (k DataKind) Valid() bool {
	return k == KindPrice || k == KindSeries
}

// PriceSnapshot 实时行情快照，构造后不再修改
type PriceSnapshot struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Open      float64   `json:"open"`
	PrevClose float64   `json:"prev_close"`
	FetchedAt time.Time `json:"fetched_at"`
	Market    Market    `json:"market"`
	Source    string    `json:"source,omitempty"`
	Degraded  bool      `json:"degraded,omitempty"` // 来自过期缓存的降级数据
}

// AsDegraded 返回带降级标记的副本
func (p PriceSnapshot) AsDegraded() PriceSnapshot {
	p.Degraded = true
	return p
}
