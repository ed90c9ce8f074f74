package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"QuoteHub/pkg/cache"
	"QuoteHub/pkg/model"
)

// CacheStore 基于数据库的二级缓存
type CacheStore struct {
	db *gorm.DB
}

// Cache 缓存表访问
func (d *DB) Cache() *CacheStore {
	return &CacheStore{db: d.db}
}

func (s *CacheStore) find(ctx context.Context, codes []string, kind model.DataKind, date string) ([]model.CacheEntry, error) {
	var rows []model.CacheEntry
	if len(codes) == 0 {
		return rows, nil
	}
	err := s.db.WithContext(ctx).
		Where("code IN ? AND kind = ? AND date = ?", codes, kind, date).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询缓存条目失败: %w", err)
	}
	return rows, nil
}

func byCode(rows []model.CacheEntry) map[string]*model.CacheEntry {
	out := make(map[string]*model.CacheEntry, len(rows))
	for i := range rows {
		out[rows[i].Code] = &rows[i]
	}
	return out
}

// BatchGet 按日期批量读取
func (s *CacheStore) BatchGet(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	rows, err := s.find(ctx, codes, kind, date)
	if err != nil {
		return nil, err
	}
	return byCode(rows), nil
}

// BatchSet 按 (code, kind, date) 更新或插入
func (s *CacheStore) BatchSet(ctx context.Context, entries []*model.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]model.CacheEntry, len(entries))
	for i, e := range entries {
		rows[i] = *e
		rows[i].ID = 0
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}, {Name: "kind"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"payload", "last_fetch_time", "is_complete", "data_end_date", "updated_at",
			}),
		}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return fmt.Errorf("写入缓存条目失败: %w", err)
	}
	return nil
}

// GetComplete 只返回已定型条目
func (s *CacheStore) GetComplete(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	var rows []model.CacheEntry
	if len(codes) == 0 {
		return map[string]*model.CacheEntry{}, nil
	}
	err := s.db.WithContext(ctx).
		Where("code IN ? AND kind = ? AND date = ? AND is_complete = ?", codes, kind, date, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询定型缓存失败: %w", err)
	}
	return byCode(rows), nil
}

// GetLastFetchTimes 最后抓取时间
func (s *CacheStore) GetLastFetchTimes(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]time.Time, error) {
	var rows []model.CacheEntry
	if len(codes) == 0 {
		return map[string]time.Time{}, nil
	}
	err := s.db.WithContext(ctx).
		Select("code", "last_fetch_time").
		Where("code IN ? AND kind = ? AND date = ?", codes, kind, date).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询抓取时间失败: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Code] = r.LastFetchTime
	}
	return out, nil
}

// GetLatest 每个代码日期最新的条目
func (s *CacheStore) GetLatest(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	var rows []model.CacheEntry
	if len(codes) == 0 {
		return map[string]*model.CacheEntry{}, nil
	}

	// 子查询取每个代码的最大日期
	sub := s.db.Model(&model.CacheEntry{}).
		Select("code, MAX(date) AS max_date").
		Where("code IN ? AND kind = ?", codes, kind).
		Group("code")

	err := s.db.WithContext(ctx).
		Table("market_data_cache c1").
		Select("c1.*").
		Joins("JOIN (?) c2 ON c1.code = c2.code AND c1.date = c2.max_date", sub).
		Where("c1.kind = ?", kind).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询最新缓存失败: %w", err)
	}
	return byCode(rows), nil
}

// Delete 按条件删除，空条件清空全表
func (s *CacheStore) Delete(ctx context.Context, filter cache.Filter) (int64, error) {
	q := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if len(filter.Codes) > 0 {
		q = q.Where("code IN ?", filter.Codes)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Date != "" {
		q = q.Where("date = ?", filter.Date)
	}
	res := q.Delete(&model.CacheEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("删除缓存条目失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping 检查连接
func (s *CacheStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var _ cache.Store = (*CacheStore)(nil)
