package clock_test

import (
	"testing"
	"time"

	"github.com/artpar/usagegate/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Errorf("location = %v, want UTC", loc)
	}
}

func TestFake_Advance(t *testing.T) {
	start := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	got := c.Advance(61 * time.Second)

	if want := start.Add(61 * time.Second); !got.Equal(want) || !c.Now().Equal(want) {
		t.Errorf("Advance() = %v, Now() = %v, want %v", got, c.Now(), want)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set() did not move the clock back")
	}
}
