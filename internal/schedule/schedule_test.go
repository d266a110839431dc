package schedule

import (
	"errors"
	"testing"
	"time"
)

func utc(y int, mo time.Month, d, h, mi int) time.Time {
	return time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
}

func TestCompileKinds(t *testing.T) {
	t.Parallel()
	p := NewParser(time.UTC)
	tests := []struct {
		raw  string
		kind Kind
	}{
		{"*/10 * * * *", KindCron},
		{"0 */5 * * * *", KindCron},
		{"15 0 * * *", KindCron},
		{"cron:0 0 * * *", KindCron},
		{"@daily", KindCron},
		{"every 5 min", KindInterval},
		{"every 2 hours", KindInterval},
		{"Every Minute", KindInterval},
		{"every day", KindInterval},
		{"55m", KindInterval},
		{"interval:02:30", KindInterval},
		{"@every 90s", KindInterval},
		{"at 12:15am", KindRecurrence},
		{"2am on saturday", KindRecurrence},
		{"every saturday", KindRecurrence},
		{"at 2:00 am on Saturday on the 2 week of the month", KindRecurrence},
		{"Saturday on week 2 OR week 4", KindRecurrence},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			s, err := p.Compile(tt.raw)
			if err != nil {
				t.Fatalf("Compile(%q) error: %v", tt.raw, err)
			}
			if s.Kind() != tt.kind {
				t.Fatalf("Kind = %v, want %v", s.Kind(), tt.kind)
			}
		})
	}
}

func TestCompileMalformed(t *testing.T) {
	t.Parallel()
	p := NewParser(time.UTC)
	for _, raw := range []string{
		"",
		"   ",
		"cron:",
		"61 * * * *",
		"* * *",
		"every 0 min",
		"interval:500ms",
		"interval:abc",
		"at 25:00",
		"at 13pm",
		"saturday on week 9",
		"the 40th day",
		"2nd",
		"banana",
		"at noon also",
		"every 2 weeks",
		"every 5 weeks",
		"every 3 saturdays",
		"at -1",
		"at -5 on saturday",
		"at +5",
		"the -2nd saturday",
	} {
		_, err := p.Compile(raw)
		if err == nil {
			t.Fatalf("Compile(%q): expected error", raw)
		}
		if !errors.Is(err, ErrMalformedSchedule) {
			t.Fatalf("Compile(%q): error %v does not match ErrMalformedSchedule", raw, err)
		}
		var me *MalformedScheduleError
		if !errors.As(err, &me) || me.Expr != raw {
			t.Fatalf("Compile(%q): want MalformedScheduleError carrying the expression, got %v", raw, err)
		}
	}
}

func TestCronEveryTenMinutes(t *testing.T) {
	t.Parallel()
	s, err := NewParser(time.UTC).Compile("*/10 * * * *")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	got := NextN(s, utc(2026, 1, 1, 0, 0), 2)
	want := []time.Time{utc(2026, 1, 1, 0, 10), utc(2026, 1, 1, 0, 20)}
	if len(got) != len(want) {
		t.Fatalf("NextN len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("fire[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestIntervalSpacing(t *testing.T) {
	t.Parallel()
	s, err := NewParser(time.UTC).Compile("every 5 min")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	every, ok := Interval(s)
	if !ok || every != 5*time.Minute {
		t.Fatalf("Interval = %v,%v want 5m,true", every, ok)
	}
	start := time.Date(2026, 3, 1, 0, 2, 30, 0, time.UTC)
	fires := NextN(s, start, 20)
	if len(fires) != 20 {
		t.Fatalf("NextN len = %d, want 20", len(fires))
	}
	if !fires[0].Equal(utc(2026, 3, 1, 0, 5)) {
		t.Fatalf("first fire = %s, want 00:05", fires[0])
	}
	for i := 1; i < len(fires); i++ {
		if d := fires[i].Sub(fires[i-1]); d != 5*time.Minute {
			t.Fatalf("gap %d = %s, want 5m", i, d)
		}
	}
}

func TestIntervalAlignsToLocalWallClock(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("IST", 5*3600+1800)
	s, err := NewParser(loc).Compile("every 1 hour")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	got := s.Next(time.Date(2026, 5, 4, 10, 10, 0, 0, loc))
	want := time.Date(2026, 5, 4, 11, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}

	day, err := NewParser(loc).Compile("every day")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	got = day.Next(time.Date(2026, 5, 4, 10, 10, 0, 0, loc))
	want = time.Date(2026, 5, 5, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	p := NewParser(time.UTC)
	for _, raw := range []string{"*/10 * * * *", "every 5 min", "at 12:15am"} {
		s, err := p.Compile(raw)
		if err != nil {
			t.Fatalf("Compile(%q) error: %v", raw, err)
		}
		at := s.Next(utc(2026, 1, 1, 0, 0))
		if next := s.Next(at); !next.After(at) {
			t.Fatalf("%q: Next(%s) = %s, want strictly after", raw, at, next)
		}
	}
}

func TestSequencesIncreaseAndAreDeterministic(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"*/10 * * * *",
		"15 0 * * *",
		"every 5 min",
		"every 1 min",
		"at 12:15am",
		"at 2:00 am on Saturday on the 2 week of the month",
		"Saturday on week 2 OR week 4",
		"1st and 3rd monday at 9am also noon on friday",
	}
	from := time.Date(2026, 10, 17, 13, 37, 11, 0, time.UTC)
	for _, raw := range exprs {
		a, err := NewParser(time.UTC).Compile(raw)
		if err != nil {
			t.Fatalf("Compile(%q) error: %v", raw, err)
		}
		b, err := NewParser(time.UTC).Compile(raw)
		if err != nil {
			t.Fatalf("Compile(%q) error: %v", raw, err)
		}
		fa, fb := NextN(a, from, 30), NextN(b, from, 30)
		if len(fa) != 30 || len(fb) != 30 {
			t.Fatalf("%q: NextN lengths %d/%d, want 30", raw, len(fa), len(fb))
		}
		prev := from
		for i := range fa {
			if !fa[i].Equal(fb[i]) {
				t.Fatalf("%q: fire %d differs between compiles: %s vs %s", raw, i, fa[i], fb[i])
			}
			if !fa[i].After(prev) {
				t.Fatalf("%q: fire %d (%s) not after %s", raw, i, fa[i], prev)
			}
			prev = fa[i]
		}
	}
}

func TestNextNStopsOnExhaustedSchedule(t *testing.T) {
	t.Parallel()
	s, err := NewParser(time.UTC).Compile("the 31st day on week 1")
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	if got := NextN(s, utc(2026, 1, 1, 0, 0), 3); len(got) != 0 {
		t.Fatalf("NextN = %v, want none", got)
	}
	if NextN(nil, time.Now(), 3) != nil {
		t.Fatal("NextN(nil) should be nil")
	}
}
