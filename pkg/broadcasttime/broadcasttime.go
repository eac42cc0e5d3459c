// Package broadcasttime implements the Broadcast Time (fast clock) engine
// (spec.md §4.12): a fixed-size array of clock slots identified by a
// 48-bit clock id, each carrying hour/minute/month/day/year/rate state,
// driven by a 100ms accumulator using only integer math so it never pulls
// in floating point on a bare-metal build (spec.md §9 "Fixed-point time
// math"). Grounded on the source's
// openlcb_application_broadcast_time.{h,c} (on_time_changed/
// on_time_received/on_date_received/on_year_received/on_date_rollover
// callback surface, Query/Set/Report/Start/Stop event vocabulary).
package broadcasttime

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Event id low-16-bit command ranges (spec.md §4.12).
const (
	reportTimeLow      = 0x0000
	reportTimeHigh     = 0x17FF
	reportDateLow      = 0x2100
	reportDateHigh     = 0x2CFF
	reportYearLow      = 0x3000
	reportYearHigh     = 0x3FFF
	reportRateLow      = 0x4000
	reportRateHigh     = 0x4FFF
	setOffset          = 0x8000
	cmdQuery           = 0xF000
	cmdStop            = 0xF001
	cmdStart           = 0xF002
	cmdDateRollover    = 0xF003
)

// msPerFastMinute is 4*60*1000: the accumulator threshold at which a
// rate=4 (1.0x) clock advances exactly one fast minute per real minute
// (spec.md §4.12).
const msPerFastMinute = 4 * 60 * 1000

// Callbacks mirrors the source's on_time_changed/on_time_received/
// on_date_received/on_year_received/on_date_rollover injected interface.
type Callbacks struct {
	OnTimeChanged   func(clockID lcc.EventID)
	OnTimeReceived  func(n *node.Node, clockID lcc.EventID, hour, minute uint8)
	OnDateReceived  func(n *node.Node, clockID lcc.EventID, month, day uint8)
	OnYearReceived  func(n *node.Node, clockID lcc.EventID, year uint16)
	OnDateRollover  func(n *node.Node, clockID lcc.EventID)
}

// Clock is one fast-clock slot's state (spec.md §4.12).
type Clock struct {
	ID        lcc.EventID
	Hour      uint8
	Minute    uint8
	Month     uint8 // 1-12
	Day       uint8 // 1-31
	Year      uint16
	Rate      int16 // Q10.2 signed fixed-point, 4 = 1.0x
	IsRunning bool

	msAccumulator int

	// queryStep drives the six-message resumable query-reply sequence
	// (spec.md §4.12 "resumable via a static step counter").
	queryStep     int
	queryPending  bool
	queryNode     *node.Node
}

// Engine owns every clock slot.
type Engine struct {
	clocks []Clock
	cb     Callbacks
	log    *slog.Logger
}

// New builds an engine with room for depth clocks (the four well-known
// clocks plus BROADCAST_TIME_MAX_CUSTOM_CLOCKS, spec.md §4.12).
func New(depth int, cb Callbacks, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{clocks: make([]Clock, 0, depth), cb: cb, log: log.With("service", "[BroadcastTime]")}
}

func (e *Engine) find(clockID lcc.EventID) *Clock {
	for i := range e.clocks {
		if e.clocks[i].ID == clockID {
			return &e.clocks[i]
		}
	}
	return nil
}

// setupClock finds or allocates the slot for clockID.
func (e *Engine) setupClock(clockID lcc.EventID) *Clock {
	if c := e.find(clockID); c != nil {
		return c
	}
	if len(e.clocks) == cap(e.clocks) {
		return nil
	}
	e.clocks = append(e.clocks, Clock{ID: clockID})
	return &e.clocks[len(e.clocks)-1]
}

// SetupConsumer registers a clock slot that only receives Report/Set
// events (spec.md §4.12 "setup_consumer ... registers the appropriate
// event ranges"). The caller registers the two 32768-event consumer
// ranges on n itself; this only allocates the clock's local state.
func (e *Engine) SetupConsumer(clockID lcc.EventID) *Clock {
	return e.setupClock(clockID)
}

// SetupProducer is SetupConsumer's producer-side counterpart.
func (e *Engine) SetupProducer(clockID lcc.EventID) *Clock {
	return e.setupClock(clockID)
}

// Start and Stop flip IsRunning without resetting accumulated state.
func (e *Engine) Start(clockID lcc.EventID) {
	if c := e.find(clockID); c != nil {
		c.IsRunning = true
	}
}

func (e *Engine) Stop(clockID lcc.EventID) {
	if c := e.find(clockID); c != nil {
		c.IsRunning = false
	}
}

// Tick100ms advances every running clock's accumulator by 100*|rate| ms
// and rolls the fast clock forward (or backward) by one minute every time
// the accumulator crosses msPerFastMinute (spec.md §4.12, §8 "Broadcast
// Time accumulator").
func (e *Engine) Tick100ms() {
	for i := range e.clocks {
		c := &e.clocks[i]
		if !c.IsRunning || c.Rate == 0 {
			continue
		}
		rate := int(c.Rate)
		forward := rate > 0
		if rate < 0 {
			rate = -rate
		}
		c.msAccumulator += 100 * rate
		for c.msAccumulator >= msPerFastMinute {
			c.msAccumulator -= msPerFastMinute
			if forward {
				e.advanceMinute(c)
			} else {
				e.retreatMinute(c)
			}
		}
		if e.cb.OnTimeChanged != nil {
			e.cb.OnTimeChanged(c.ID)
		}
	}
}

func isLeapYear(year uint16) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

func daysInMonth(month uint8, year uint16) uint8 {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if isLeapYear(year) {
			return 29
		}
		return 28
	default:
		return 30
	}
}

func (e *Engine) advanceMinute(c *Clock) {
	c.Minute++
	if c.Minute < 60 {
		return
	}
	c.Minute = 0
	c.Hour++
	if c.Hour < 24 {
		return
	}
	c.Hour = 0
	c.Day++
	if c.Day <= daysInMonth(c.Month, c.Year) {
		return
	}
	c.Day = 1
	c.Month++
	if c.Month <= 12 {
		return
	}
	c.Month = 1
	c.Year++
	e.rollover(c)
}

func (e *Engine) retreatMinute(c *Clock) {
	if c.Minute > 0 {
		c.Minute--
		return
	}
	c.Minute = 59
	if c.Hour > 0 {
		c.Hour--
		return
	}
	c.Hour = 23
	if c.Day > 1 {
		c.Day--
		return
	}
	if c.Month > 1 {
		c.Month--
	} else {
		c.Month = 12
		c.Year--
		e.rollover(c)
	}
	c.Day = daysInMonth(c.Month, c.Year)
}

func (e *Engine) rollover(c *Clock) {
	if e.cb.OnDateRollover != nil {
		e.cb.OnDateRollover(c.queryNode, c.ID)
	}
}

// StartQueryReply begins the six-message resumable query-reply sequence
// for clockID: Start-or-Stop, Rate, Year, Date, current Time (all
// Producer-Identified-Set), then next-minute Time (PC Event Report)
// (spec.md §4.12 "Query-reply sequence").
func (e *Engine) StartQueryReply(n *node.Node, clockID lcc.EventID) {
	c := e.find(clockID)
	if c == nil {
		return
	}
	c.queryStep = 0
	c.queryPending = true
	c.queryNode = n
}

// RunQueryReply emits the next message of an in-progress query-reply
// sequence via send, a caller-supplied function that pushes one Producer-
// Identified-Set or PC Event Report event. A false return from send (the
// transmit buffer is full) leaves queryStep unchanged so the same step is
// retried on the next call (spec.md §4.12 "resumable via a static step
// counter").
func (e *Engine) RunQueryReply(clockID lcc.EventID, send func(event lcc.EventID, pcReport bool) bool) bool {
	c := e.find(clockID)
	if c == nil || !c.queryPending {
		return false
	}
	base := uint64(clockID) &^ 0xFFFF

	var event lcc.EventID
	pcReport := false
	switch c.queryStep {
	case 0:
		cmd := uint64(cmdStop)
		if c.IsRunning {
			cmd = cmdStart
		}
		event = lcc.EventID(base | cmd)
	case 1:
		event = lcc.EventID(base | reportRateLow | (uint64(uint16(c.Rate)) & 0x0FFF) | setOffset)
	case 2:
		event = lcc.EventID(base | reportYearLow | uint64(c.Year&0x0FFF) | setOffset)
	case 3:
		// Month 1..12 in bits 11..8 over a 0x2000 base gives 0x2100..0x2CFF.
		event = lcc.EventID(base | (reportDateLow &^ 0x0F00) | uint64(c.Month&0x0F)<<8 | uint64(c.Day&0x1F) | setOffset)
	case 4:
		event = lcc.EventID(base | reportTimeLow | uint64(c.Hour&0x1F)<<8 | uint64(c.Minute&0x3F) | setOffset)
	case 5:
		nextMinute, nextHour := c.Minute+1, c.Hour
		if nextMinute >= 60 {
			nextMinute = 0
			nextHour++
			if nextHour >= 24 {
				nextHour = 0
			}
		}
		event = lcc.EventID(base | reportTimeLow | uint64(nextHour&0x1F)<<8 | uint64(nextMinute&0x3F))
		pcReport = true
	default:
		c.queryPending = false
		return false
	}

	if !send(event, pcReport) {
		return true
	}
	c.queryStep++
	if c.queryStep > 5 {
		c.queryPending = false
	}
	return true
}
