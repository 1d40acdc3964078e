package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath     string
	SessionID  int64
	OutputFile string
	Format     ImageFormat
	From       *time.Time
	To         *time.Time
	TimeZone   *time.Location
	NoEvents   bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format:   ImagePNG,
		TimeZone: time.Local,
	}
}

// NewConfigFromCLI parses the command line arguments, without the program name
func NewConfigFromCLI(args []string) (*Config, error) {
	c := NewConfig()

	fs := flag.NewFlagSet("flightplot", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var imageFormat, from, to, tz string
	fs.StringVar(&c.DBPath, "db", "", "Path to the flight database file")
	fs.Int64Var(&c.SessionID, "s", 1, "Session ID")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	fs.StringVar(&from, "from", "", "Plot cycles recorded at or after this time (RFC3339)")
	fs.StringVar(&to, "to", "", "Plot cycles recorded at or before this time (RFC3339)")
	fs.StringVar(&tz, "tz", "", "Time zone of the time scale, local by default")
	fs.BoolVar(&c.NoEvents, "no-events", false, "Do not mark flight events on the time scale")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	imageFormat = strings.ToLower(imageFormat)
	if imageFormat == "jpg" {
		imageFormat = string(ImageJPEG)
	}

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.SessionID <= 0 {
		err = errors.New("session id is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if c.From, err = parseTime(from); err != nil {
		err = fmt.Errorf("invalid -from: %w", err)
	} else if c.To, err = parseTime(to); err != nil {
		err = fmt.Errorf("invalid -to: %w", err)
	} else if c.From != nil && c.To != nil && c.From.After(*c.To) {
		err = errors.New("-from must not be after -to")
	} else if tz != "" {
		if c.TimeZone, err = time.LoadLocation(tz); err != nil {
			err = fmt.Errorf("invalid time zone: %w", err)
		}
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
