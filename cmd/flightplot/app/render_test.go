package app

import (
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/flight-core/internal/command"
	"github.com/roman-kulish/flight-core/internal/flightlog"
	"github.com/roman-kulish/flight-core/internal/vision"
)

var testStart = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func testFlight(n int) *FlightData {
	data := NewFlightData(&flightlog.Session{
		ID:        1,
		FlightID:  uuid.New(),
		StartTime: testStart,
		DroneID:   "bebop-1",
	})

	for i := 0; i < n; i++ {
		ts := testStart.Add(time.Duration(i) * 100 * time.Millisecond)
		c := flightlog.Cycle{
			Timestamp: ts,
			Signal:    vision.ErrorSignal{Timestamp: ts, Distance: 300 - float64(i)/2, HorizontalOffset: 10},
			Command:   command.Move(0.3*math.Sin(float64(i)/10), 0.1, -0.2),
		}
		switch {
		case i == 7:
			c.Command = command.Velocity{}
			c.Fault = "pid: rejected sample: non-finite value"
		case i%25 == 0:
			c.Signal = vision.Lost(ts)
			c.Command = command.Hover()
		}
		data.Update(&c)
	}

	data.AddEvents([]flightlog.Event{
		{Timestamp: testStart.Add(-time.Second), Phase: "Ascending", Message: "Ascending -> Ready"},
		{Timestamp: testStart.Add(time.Second), Phase: "Tracking", Message: "Ready -> Tracking"},
	})
	return data
}

func TestFlightData_Update(t *testing.T) {
	data := testFlight(100)

	assert.Equal(t, 100, data.Cycles)
	assert.Equal(t, testStart, data.TimestampStart)
	assert.Equal(t, 9900*time.Millisecond, data.Duration())
	assert.Len(t, data.Faults, 1)
	assert.Len(t, data.Lost, 4)
	assert.Len(t, data.Events, 1, "events outside the plotted range are dropped")

	assert.Len(t, data.Forward.Points, 99, "faulted cycles are not plotted")
	assert.Len(t, data.Distance.Points, 95, "lost cycles carry no distance")
	assert.Equal(t, 300-99/2.0, data.Distance.Min)
	assert.Equal(t, 300-1/2.0, data.Distance.Max)
	assert.Equal(t, -0.2, data.YawRate.Min)
}

func TestFlightRenderer_Render(t *testing.T) {
	renderer, err := NewFlightRenderer(RenderConfig{Location: time.UTC, Width: 800})
	require.NoError(t, err)

	data := testFlight(100)
	img, err := renderer.Render(data)
	require.NoError(t, err)

	height := defaultTopBorder + defaultCommandsHeight + defaultPanelGap + defaultDistanceHeight + defaultBottomBorder
	assert.Equal(t, image.Rect(0, 0, 800, height), img.Bounds())

	palette := seriesPalette(4)
	for i, name := range []string{"forward", "vertical", "yaw", "distance"} {
		assert.Positive(t, countColor(img, palette[i]), "series %s is not drawn", name)
	}
	assert.Positive(t, countColor(img, faultColor), "fault marker is not drawn")
	assert.Positive(t, countColor(img, lostColor), "lost marker is not drawn")
}

func TestFlightRenderer_SingleCycle(t *testing.T) {
	renderer, err := NewFlightRenderer(RenderConfig{})
	require.NoError(t, err)

	img, err := renderer.Render(testFlight(1))
	require.NoError(t, err)
	assert.Equal(t, defaultWidth, img.Bounds().Dx())
}

func TestFlightRenderer_NoData(t *testing.T) {
	renderer, err := NewFlightRenderer(RenderConfig{})
	require.NoError(t, err)

	_, err = renderer.Render(NewFlightData(nil))
	assert.ErrorIs(t, err, ErrNoData)

	_, err = NewFlightRenderer(RenderConfig{Width: 100})
	assert.Error(t, err)
}

func TestCalculateNiceStep(t *testing.T) {
	tests := []struct {
		span  float64
		count int
		want  float64
	}{
		{1, 5, 0.2},
		{0.8, 5, 0.2},
		{0.6, 5, 0.2},
		{0.4, 5, 0.1},
		{100, 5, 20},
		{230, 5, 50},
		{7, 5, 2},
		{3, 5, 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, calculateNiceStep(tt.span, tt.count), 1e-12, "span %g", tt.span)
	}
}

func TestValueRanges(t *testing.T) {
	forward := newSeries("forward", "")
	forward.add(testStart, -0.27)
	forward.add(testStart, 0.12)
	vertical := newSeries("vertical", "")

	lo, hi, step := symmetricRange([]*Series{forward, vertical})
	assert.InDelta(t, -0.4, lo, 1e-12)
	assert.InDelta(t, 0.4, hi, 1e-12)
	assert.InDelta(t, 0.2, step, 1e-12)

	lo, hi, step = valueRange(251, 296)
	assert.Equal(t, 10.0, step)
	assert.Equal(t, 250.0, lo)
	assert.Equal(t, 300.0, hi)

	lo, hi, _ = valueRange(math.Inf(1), math.Inf(-1))
	assert.Less(t, lo, hi, "an empty series still gets a usable range")

	lo, hi, _ = valueRange(250, 250)
	assert.Less(t, lo, 250.0)
	assert.Greater(t, hi, 250.0)
}

func TestCalculateNiceTimeStep(t *testing.T) {
	assert.Equal(t, time.Second, calculateNiceTimeStep(5*time.Second))
	assert.Equal(t, 2*time.Second, calculateNiceTimeStep(12*time.Second))
	assert.Equal(t, time.Minute, calculateNiceTimeStep(6*time.Minute))
	assert.Equal(t, time.Hour, calculateNiceTimeStep(10*time.Hour))
}

func countColor(img *image.RGBA, c color.Color) int {
	want := color.RGBAModel.Convert(c).(color.RGBA)

	var n int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			got := img.RGBAAt(x, y)
			if near(got.R, want.R) && near(got.G, want.G) && near(got.B, want.B) {
				n++
			}
		}
	}
	return n
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d >= -1 && d <= 1
}
