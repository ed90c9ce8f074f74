package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"QuoteHub/pkg/model"
)

// maxScanDays 查找相邻交易日的最大天数
const maxScanDays = 366

// clockTime 当地时分
type clockTime struct {
	Hour   int
	Minute int
}

func (c clockTime) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Session 单个连续交易时段
type Session struct {
	Open  clockTime
	Close clockTime
}

type marketSpec struct {
	loc      *time.Location
	sessions []Session
	holidays map[string]struct{}
}

var defaultSessions = map[model.Market]struct {
	zone     string
	sessions []Session
}{
	// 午间休市以两个时段表示
	model.MarketDomestic: {"Asia/Shanghai", []Session{
		{Open: clockTime{9, 30}, Close: clockTime{11, 30}},
		{Open: clockTime{13, 0}, Close: clockTime{15, 0}},
	}},
	model.MarketHongKong: {"Asia/Hong_Kong", []Session{
		{Open: clockTime{9, 30}, Close: clockTime{12, 0}},
		{Open: clockTime{13, 0}, Close: clockTime{16, 0}},
	}},
	model.MarketInternational: {"America/New_York", []Session{
		{Open: clockTime{9, 30}, Close: clockTime{16, 0}},
	}},
	model.MarketKorea: {"Asia/Seoul", []Session{
		{Open: clockTime{9, 0}, Close: clockTime{15, 30}},
	}},
	model.MarketTaiwan: {"Asia/Taipei", []Session{
		{Open: clockTime{9, 0}, Close: clockTime{13, 30}},
	}},
}

// Calendar 各市场交易日历，按交易所当地时区计算
type Calendar struct {
	markets map[model.Market]*marketSpec
}

// New 创建交易日历，holidays 以市场为键，日期格式 2006-01-02
func New(holidays map[string][]string) (*Calendar, error) {
	c := &Calendar{markets: make(map[model.Market]*marketSpec, len(defaultSessions))}
	for m, def := range defaultSessions {
		loc, err := time.LoadLocation(def.zone)
		if err != nil {
			return nil, fmt.Errorf("加载时区%s失败: %w", def.zone, err)
		}
		c.markets[m] = &marketSpec{loc: loc, sessions: def.sessions, holidays: make(map[string]struct{})}
	}

	for name, days := range holidays {
		m, ok := model.ParseMarket(name)
		if !ok {
			return nil, fmt.Errorf("未知市场: %s", name)
		}
		for _, d := range days {
			if _, err := time.Parse(model.DateLayout, d); err != nil {
				return nil, fmt.Errorf("节假日日期格式错误 %s: %w", d, err)
			}
			c.markets[m].holidays[d] = struct{}{}
		}
	}
	return c, nil
}

func (c *Calendar) spec(m model.Market) *marketSpec {
	if s, ok := c.markets[m]; ok {
		return s
	}
	return c.markets[model.MarketInternational]
}

// Location 市场时区
func (c *Calendar) Location(m model.Market) *time.Location {
	return c.spec(m).loc
}

// LocalDate 市场当地日期
func (c *Calendar) LocalDate(m model.Market, ts time.Time) string {
	return ts.In(c.spec(m).loc).Format(model.DateLayout)
}

// ParseDate 按市场时区解析日期，返回当地零点
func (c *Calendar) ParseDate(m model.Market, date string) (time.Time, error) {
	return time.ParseInLocation(model.DateLayout, date, c.spec(m).loc)
}

// IsTradingDay 是否交易日（非周末且非节假日）
func (c *Calendar) IsTradingDay(m model.Market, day time.Time) bool {
	s := c.spec(m)
	local := day.In(s.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := s.holidays[local.Format(model.DateLayout)]
	return !holiday
}

// intervals 当日各交易时段的绝对时间
func (s *marketSpec) intervals(day time.Time) [][2]time.Time {
	local := day.In(s.loc)
	out := make([][2]time.Time, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = [2]time.Time{sess.Open.on(local), sess.Close.on(local)}
	}
	return out
}

// SessionBounds 当日开盘与收盘时间
func (c *Calendar) SessionBounds(m model.Market, day time.Time) (open, close time.Time) {
	iv := c.spec(m).intervals(day)
	return iv[0][0], iv[len(iv)-1][1]
}

// IsSessionOpen 是否处于连续交易时段内
func (c *Calendar) IsSessionOpen(m model.Market, ts time.Time) bool {
	if !c.IsTradingDay(m, ts) {
		return false
	}
	for _, iv := range c.spec(m).intervals(ts) {
		if !ts.Before(iv[0]) && ts.Before(iv[1]) {
			return true
		}
	}
	return false
}

// IsBeforeOpen 交易日开盘前
func (c *Calendar) IsBeforeOpen(m model.Market, ts time.Time) bool {
	if !c.IsTradingDay(m, ts) {
		return false
	}
	open, _ := c.SessionBounds(m, ts)
	return ts.Before(open)
}

// IsAfterClose 交易日收盘后
func (c *Calendar) IsAfterClose(m model.Market, ts time.Time) bool {
	if !c.IsTradingDay(m, ts) {
		return false
	}
	_, close := c.SessionBounds(m, ts)
	return !ts.Before(close)
}

// IsMiddayBreak 午间休市
func (c *Calendar) IsMiddayBreak(m model.Market, ts time.Time) bool {
	if !c.IsTradingDay(m, ts) {
		return false
	}
	open, close := c.SessionBounds(m, ts)
	if ts.Before(open) || !ts.Before(close) {
		return false
	}
	return !c.IsSessionOpen(m, ts)
}

// NextSession 严格晚于day的下一个交易日（当地零点）
func (c *Calendar) NextSession(m model.Market, day time.Time) time.Time {
	return c.scan(m, day, 1)
}

// PreviousSession 严格早于day的上一个交易日（当地零点）
func (c *Calendar) PreviousSession(m model.Market, day time.Time) time.Time {
	return c.scan(m, day, -1)
}

func (c *Calendar) scan(m model.Market, day time.Time, step int) time.Time {
	loc := c.spec(m).loc
	local := day.In(loc)
	for i := 1; i <= maxScanDays; i++ {
		d := time.Date(local.Year(), local.Month(), local.Day()+i*step, 0, 0, 0, 0, loc)
		if c.IsTradingDay(m, d) {
			return d
		}
	}
	// 节假日表异常时退化为自然日
	return time.Date(local.Year(), local.Month(), local.Day()+step, 0, 0, 0, 0, loc)
}

// NextOpen 严格晚于ts的下一次开盘（含午后复市）
func (c *Calendar) NextOpen(m model.Market, ts time.Time) time.Time {
	s := c.spec(m)
	if c.IsTradingDay(m, ts) {
		for _, iv := range s.intervals(ts) {
			if iv[0].After(ts) {
				return iv[0]
			}
		}
	}
	open, _ := c.SessionBounds(m, c.NextSession(m, ts))
	return open
}

// TradingDaysBetween (from, to] 区间内的交易日数，日期为当地日期
func (c *Calendar) TradingDaysBetween(m model.Market, from, to string) (int, error) {
	start, err := c.ParseDate(m, from)
	if err != nil {
		return 0, fmt.Errorf("解析日期%s失败: %w", from, err)
	}
	end, err := c.ParseDate(m, to)
	if err != nil {
		return 0, fmt.Errorf("解析日期%s失败: %w", to, err)
	}
	count := 0
	for d := c.NextSession(m, start); !d.After(end); d = c.NextSession(m, d) {
		count++
	}
	return count, nil
}
