package ledger

import (
	"time"

	"rewards-core/pkg/errutil"
)

const dayLayout = "2006-01-02"

// DayWindow is one local calendar day, [Start, End).
type DayWindow struct {
	Start time.Time
	End   time.Time
	Key   string
}

func NewDayWindow(t time.Time, loc *time.Location) DayWindow {
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return DayWindow{
		Start: start,
		End:   start.AddDate(0, 0, 1),
		Key:   start.Format(dayLayout),
	}
}

func ParseDay(raw string, loc *time.Location) (DayWindow, error) {
	t, err := time.ParseInLocation(dayLayout, raw, loc)
	if err != nil {
		return DayWindow{}, errutil.BadRequest("date must be YYYY-MM-DD", err)
	}
	return NewDayWindow(t, loc), nil
}

func (w DayWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
