package collector

import (
	"context"
	"errors"
	"fmt"

	"QuoteHub/pkg/model"
)

// ErrRateLimited 数据源限流
var ErrRateLimited = errors.New("数据源限流")

// ErrEmptyResult 数据源未返回任何请求的代码
var ErrEmptyResult = errors.New("数据源未返回数据")

// ProviderError 单个数据源的调用错误
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s 失败: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func wrapErr(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsRateLimited 是否为限流错误
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// QuoteFetcher 实时行情获取接口
type QuoteFetcher interface {
	FetchPrices(ctx context.Context, codes []string) (map[string]model.PriceSnapshot, error)
}

// SeriesFetcher K线获取接口
type SeriesFetcher interface {
	FetchSeries(ctx context.Context, codes []string, days int) (map[string]model.SeriesRecord, error)
}

// Source 数据源适配器，内部不做重试
type Source interface {
	Name() string
	QuoteFetcher
	SeriesFetcher
}
