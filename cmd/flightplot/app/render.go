package app

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/raster"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

const (
	dpi            = 96.0
	fontSize       = 10.0
	tickMarkLength = 5
	markerHeight   = 8
	lineWidth      = 2.0
	valueLabels    = 5
	timeLabels     = 8

	defaultWidth          = 1600
	defaultCommandsHeight = 360
	defaultDistanceHeight = 240
	defaultPanelGap       = 40

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 90
	defaultBottomBorder = 70
	defaultRightBorder  = 40

	defaultTimeFormat     = "15:04:05"
	defaultDatetimeFormat = time.DateTime
)

// ErrNoData is returned when there is nothing to plot
var ErrNoData = errors.New("no cycles to plot")

// BorderConfig defines the sizes of white space around the panels
type BorderConfig struct {
	Top    int // Space for the legend
	Left   int // Space for value scales
	Bottom int // Space for time scale and information bar
	Right  int // Right padding
}

// RenderConfig holds all configuration options for flight plots
type RenderConfig struct {
	TimeFormat     string         // Format string for time labels (e.g. "15:04:05")
	DatetimeFormat string         // Format string for date/time in the info bar
	Location       *time.Location // Timezone for time display

	Width          int // Full image width
	CommandsHeight int // Height of the velocity command panel
	DistanceHeight int // Height of the distance panel
	PanelGap       int

	FontSize     float64
	BorderConfig BorderConfig
	NoEvents     bool
}

// FlightRenderer draws the velocity commands and the distance measurement of a flight as line
// series sharing a time scale.
type FlightRenderer struct {
	config RenderConfig
	font   *truetype.Font
}

// NewFlightRenderer creates a new renderer with the given configuration
func NewFlightRenderer(config RenderConfig) (*FlightRenderer, error) {
	if config.TimeFormat == "" {
		config.TimeFormat = defaultTimeFormat
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Width == 0 {
		config.Width = defaultWidth
	}
	if config.CommandsHeight == 0 {
		config.CommandsHeight = defaultCommandsHeight
	}
	if config.DistanceHeight == 0 {
		config.DistanceHeight = defaultDistanceHeight
	}
	if config.PanelGap == 0 {
		config.PanelGap = defaultPanelGap
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	if config.Width <= config.BorderConfig.Left+config.BorderConfig.Right {
		return nil, fmt.Errorf("image width %d leaves no room for the plot", config.Width)
	}

	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	return &FlightRenderer{config: config, font: parsedFont}, nil
}

// panel is a plot area with its value range
type panel struct {
	area   image.Rectangle
	lo, hi float64
	step   float64
	series []*Series
	colors []color.Color
}

func (p *panel) y(v float64) float64 {
	ratio := (v - p.lo) / (p.hi - p.lo)
	return float64(p.area.Max.Y) - ratio*float64(p.area.Dy())
}

// Render creates an image of the flight data with scales, legend and info bar
func (r *FlightRenderer) Render(data *FlightData) (*image.RGBA, error) {
	if data.Cycles == 0 {
		return nil, ErrNoData
	}

	b := r.config.BorderConfig
	plotWidth := r.config.Width - b.Left - b.Right
	fullHeight := b.Top + r.config.CommandsHeight + r.config.PanelGap + r.config.DistanceHeight + b.Bottom

	img := image.NewRGBA(image.Rect(0, 0, r.config.Width, fullHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	palette := seriesPalette(len(data.Commands()) + 1)

	commands := &panel{
		area:   image.Rect(b.Left, b.Top, b.Left+plotWidth, b.Top+r.config.CommandsHeight),
		series: data.Commands(),
		colors: palette[:len(data.Commands())],
	}
	commands.lo, commands.hi, commands.step = symmetricRange(commands.series)

	distanceTop := commands.area.Max.Y + r.config.PanelGap
	distance := &panel{
		area:   image.Rect(b.Left, distanceTop, b.Left+plotWidth, distanceTop+r.config.DistanceHeight),
		series: []*Series{data.Distance},
		colors: palette[len(data.Commands()):],
	}
	distance.lo, distance.hi, distance.step = valueRange(data.Distance.Min, data.Distance.Max)

	ann, err := r.newAnnotator(img)
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	x := timeScale(data, commands.area)

	panels := []*panel{commands, distance}
	for _, p := range panels {
		if err = ann.drawValueScale(img, p); err != nil {
			return nil, fmt.Errorf("drawing value scale: %w", err)
		}
	}
	if err = ann.drawTimeScale(img, data, x, commands.area, distance.area); err != nil {
		return nil, fmt.Errorf("drawing time scale: %w", err)
	}

	if !r.config.NoEvents {
		for _, e := range data.Events {
			px := int(x(e.Timestamp))
			for _, p := range panels {
				dashedVLine(img, px, p.area.Min.Y, p.area.Max.Y, eventColor)
			}
		}
	}

	for _, ts := range data.Lost {
		vLine(img, int(x(ts)), commands.area.Max.Y-markerHeight, commands.area.Max.Y, lostColor)
	}
	for _, ts := range data.Faults {
		vLine(img, int(x(ts)), commands.area.Max.Y-markerHeight, commands.area.Max.Y, faultColor)
	}

	for _, p := range panels {
		for i, s := range p.series {
			drawSeries(img, p, s, x, p.colors[i])
		}
		drawFrame(img, p.area)
	}

	if err = ann.drawLegend(img, panels); err != nil {
		return nil, fmt.Errorf("drawing legend: %w", err)
	}
	if err = ann.drawInfoBar(img, data); err != nil {
		return nil, fmt.Errorf("drawing info bar: %w", err)
	}

	return img, nil
}

// timeScale maps a timestamp onto the x axis of area
func timeScale(data *FlightData, area image.Rectangle) func(time.Time) float64 {
	duration := data.Duration()
	return func(ts time.Time) float64 {
		if duration <= 0 {
			return float64(area.Min.X) + float64(area.Dx())/2
		}
		ratio := float64(ts.Sub(data.TimestampStart)) / float64(duration)
		return float64(area.Min.X) + ratio*float64(area.Dx())
	}
}

func drawSeries(img *image.RGBA, p *panel, s *Series, x func(time.Time) float64, c color.Color) {
	if s.Empty() {
		return
	}

	var path raster.Path
	for i, pt := range s.Points {
		fp := fixed.Point26_6{X: toFixed(x(pt.Timestamp)), Y: toFixed(p.y(pt.Value))}
		if i == 0 {
			path.Start(fp)
			continue
		}
		path.Add1(fp)
	}
	if len(s.Points) == 1 {
		// a single sample still gets a visible dot
		path.Add1(fixed.Point26_6{X: toFixed(x(s.Points[0].Timestamp) + 1), Y: toFixed(p.y(s.Points[0].Value))})
	}

	size := img.Bounds().Size()
	rasterizer := raster.NewRasterizer(size.X, size.Y)
	rasterizer.UseNonZeroWinding = true
	raster.Stroke(rasterizer, path, toFixed(lineWidth), nil, nil)

	painter := raster.NewRGBAPainter(img)
	painter.SetColor(c)
	rasterizer.Rasterize(painter)
}

func drawFrame(img *image.RGBA, area image.Rectangle) {
	for px := area.Min.X; px <= area.Max.X; px++ {
		img.Set(px, area.Min.Y, axisColor)
		img.Set(px, area.Max.Y, axisColor)
	}
	vLine(img, area.Min.X, area.Min.Y, area.Max.Y, axisColor)
	vLine(img, area.Max.X, area.Min.Y, area.Max.Y, axisColor)
}

func vLine(img *image.RGBA, x, y0, y1 int, c color.Color) {
	for y := y0; y <= y1; y++ {
		img.Set(x, y, c)
	}
}

func dashedVLine(img *image.RGBA, x, y0, y1 int, c color.Color) {
	for y := y0; y <= y1; y++ {
		if (y-y0)%6 < 3 {
			img.Set(x, y, c)
		}
	}
}

func toFixed(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}

// annotator draws text: scales, legend and the info bar
type annotator struct {
	context  *freetype.Context
	config   RenderConfig
	fontFace font.Face
}

func (r *FlightRenderer) newAnnotator(img *image.RGBA) (*annotator, error) {
	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(r.font)
	ctx.SetFontSize(r.config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)
	ctx.SetClip(img.Bounds())
	ctx.SetDst(img)

	return &annotator{
		context: ctx,
		config:  r.config,
		fontFace: truetype.NewFace(r.font, &truetype.Options{
			Size:    r.config.FontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) fontHeight() int {
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round()
}

func (a *annotator) drawValueScale(img *image.RGBA, p *panel) error {
	descent := a.fontFace.Metrics().Descent.Round()

	for v := p.lo; v <= p.hi+p.step/2; v += p.step {
		y := int(math.Round(p.y(v)))

		for x := p.area.Min.X + 1; x < p.area.Max.X; x++ {
			img.Set(x, y, gridColor)
		}
		for x := p.area.Min.X - tickMarkLength; x < p.area.Min.X; x++ {
			img.Set(x, y, axisColor)
		}

		label := formatValue(v)
		width := font.MeasureString(a.fontFace, label).Round()
		pt := freetype.Pt(p.area.Min.X-tickMarkLength-3-width, y+a.fontHeight()/2-descent)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing value label: %w", err)
		}
	}

	if unit := p.series[0].Unit; unit != "" {
		pt := freetype.Pt(3, p.area.Min.Y+a.fontHeight())
		if _, err := a.context.DrawString(unit, pt); err != nil {
			return fmt.Errorf("drawing unit: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawTimeScale(img *image.RGBA, data *FlightData, x func(time.Time) float64, areas ...image.Rectangle) error {
	last := areas[len(areas)-1]
	step := calculateNiceTimeStep(data.Duration())
	textY := last.Max.Y + tickMarkLength + a.fontHeight()

	for ts := data.TimestampStart.Truncate(step); !ts.After(data.TimestampEnd); ts = ts.Add(step) {
		if ts.Before(data.TimestampStart) {
			continue
		}
		px := int(math.Round(x(ts)))

		for _, area := range areas {
			for y := area.Min.Y + 1; y < area.Max.Y; y++ {
				img.Set(px, y, gridColor)
			}
		}
		vLine(img, px, last.Max.Y, last.Max.Y+tickMarkLength, axisColor)

		label := ts.In(a.config.Location).Format(a.config.TimeFormat)
		width := font.MeasureString(a.fontFace, label).Round()
		if _, err := a.context.DrawString(label, freetype.Pt(px-width/2, textY)); err != nil {
			return fmt.Errorf("drawing time label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawLegend(img *image.RGBA, panels []*panel) error {
	height := a.fontHeight()
	x := panels[0].area.Min.X
	y := (a.config.BorderConfig.Top + height) / 2

	for _, p := range panels {
		for i, s := range p.series {
			swatch := image.Rect(x, y-height/2-2, x+20, y-height/2+2)
			draw.Draw(img, swatch, image.NewUniform(p.colors[i]), image.Point{}, draw.Src)
			x += 25

			end, err := a.context.DrawString(s.Name, freetype.Pt(x, y))
			if err != nil {
				return fmt.Errorf("drawing legend label: %w", err)
			}
			x = end.X.Round() + 20
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, data *FlightData) error {
	var sb strings.Builder

	if s := data.Session; s != nil {
		sb.WriteString(fmt.Sprintf("Flight %s (%s, %s); ", s.FlightID, s.DroneID, humanize.Time(s.StartTime)))
	}
	sb.WriteString(fmt.Sprintf("Time: %s - %s (%s); ",
		data.TimestampStart.In(a.config.Location).Format(a.config.DatetimeFormat),
		data.TimestampEnd.In(a.config.Location).Format(a.config.DatetimeFormat),
		data.Duration().Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("Cycles: %s; Faults: %s; Lost: %s",
		humanize.Comma(int64(data.Cycles)),
		humanize.Comma(int64(len(data.Faults))),
		humanize.Comma(int64(len(data.Lost)))))

	textY := img.Bounds().Max.Y - a.fontFace.Metrics().Descent.Round() - 5
	pt := freetype.Pt(a.config.BorderConfig.Left, textY)
	if _, err := a.context.DrawString(sb.String(), pt); err != nil {
		return fmt.Errorf("drawing info text: %w", err)
	}
	return nil
}

// symmetricRange returns a value range centred on zero that fits every series
func symmetricRange(series []*Series) (lo, hi, step float64) {
	var m float64
	for _, s := range series {
		if s.Empty() {
			continue
		}
		m = max(m, math.Abs(s.Min), math.Abs(s.Max))
	}
	if m == 0 {
		m = 0.1
	}

	step = calculateNiceStep(2*m, valueLabels)
	hi = math.Ceil(m/step) * step
	return -hi, hi, step
}

// valueRange widens [lo, hi] to the nearest nice steps
func valueRange(lo, hi float64) (float64, float64, float64) {
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		lo, hi = 0, 1
	}
	if lo == hi {
		lo, hi = lo-1, hi+1
	}

	step := calculateNiceStep(hi-lo, valueLabels)
	return math.Floor(lo/step) * step, math.Ceil(hi/step) * step, step
}

// calculateNiceStep picks a 1, 2 or 5 multiple of a power of ten that splits span into about
// count intervals.
func calculateNiceStep(span float64, count int) float64 {
	rough := span / float64(count)
	magnitude := math.Pow(10, math.Floor(math.Log10(rough)))

	for _, m := range []float64{1, 2, 5} {
		if rough <= m*magnitude {
			return m * magnitude
		}
	}
	return 10 * magnitude
}

func calculateNiceTimeStep(duration time.Duration) time.Duration {
	roughStep := duration / timeLabels

	niceIntervals := []time.Duration{
		time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		15 * time.Second,
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		5 * time.Minute,
		10 * time.Minute,
		15 * time.Minute,
		30 * time.Minute,
	}

	for _, interval := range niceIntervals {
		if roughStep <= interval {
			return interval
		}
	}

	return time.Hour
}

func formatValue(v float64) string {
	if math.Abs(v) < 1e-9 {
		return "0"
	}
	return humanize.FtoaWithDigits(v, 3)
}
