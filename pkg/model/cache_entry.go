package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry 持久化缓存条目，(code, kind, date) 唯一
type CacheEntry struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	Code          string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_cache_key,priority:1" json:"code"`
	Kind          DataKind  `gorm:"type:varchar(16);not null;uniqueIndex:idx_cache_key,priority:2" json:"kind"`
	Date          string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_cache_key,priority:3;index" json:"date"`
	Payload       string    `gorm:"type:text;not null" json:"payload"`
	LastFetchTime time.Time `gorm:"not null" json:"last_fetch_time"`
	IsComplete    bool      `gorm:"default:false;index" json:"is_complete"`
	DataEndDate   string    `gorm:"type:varchar(10)" json:"data_end_date"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName 表名
func (CacheEntry) TableName() string {
	return "market_data_cache"
}

// Key 条目唯一键
func (e *CacheEntry) Key() string {
	return CacheKey(e.Code, e.Kind, e.Date)
}

// CacheKey 拼接唯一键
func CacheKey(code string, kind DataKind, date string) string {
	return fmt.Sprintf("%s|%s|%s", code, kind, date)
}

// NewPriceEntry 由行情快照构建缓存条目
func NewPriceEntry(p PriceSnapshot, date string, complete bool) (*CacheEntry, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("序列化行情快照失败: %w", err)
	}
	return &CacheEntry{
		Code:          p.Code,
		Kind:          KindPrice,
		Date:          date,
		Payload:       string(payload),
		LastFetchTime: p.FetchedAt,
		IsComplete:    complete,
		DataEndDate:   date,
	}, nil
}

// NewSeriesEntry 由K线序列构建缓存条目
func NewSeriesEntry(s SeriesRecord, date string, fetchedAt time.Time) (*CacheEntry, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("序列化K线序列失败: %w", err)
	}
	return &CacheEntry{
		Code:          s.Code,
		Kind:          KindSeries,
		Date:          date,
		Payload:       string(payload),
		LastFetchTime: fetchedAt,
		IsComplete:    s.IsComplete,
		DataEndDate:   s.DataEndDate,
	}, nil
}

// Price 解析行情快照，类型不符时报错
func (e *CacheEntry) Price() (PriceSnapshot, error) {
	var p PriceSnapshot
	if e.Kind != KindPrice {
		return p, fmt.Errorf("缓存条目类型为%s，不是行情快照", e.Kind)
	}
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return p, fmt.Errorf("解析行情快照失败: %w", err)
	}
	return p, nil
}

// Series 解析K线序列，类型不符时报错
func (e *CacheEntry) Series() (SeriesRecord, error) {
	var s SeriesRecord
	if e.Kind != KindSeries {
		return s, fmt.Errorf("缓存条目类型为%s，不是K线序列", e.Kind)
	}
	if err := json.Unmarshal([]byte(e.Payload), &s); err != nil {
		return s, fmt.Errorf("解析K线序列失败: %w", err)
	}
	return s, nil
}
