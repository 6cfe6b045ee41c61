// Package gehi wraps the GEHistoricalImagery command-line tool, which
// resolves capture-date availability and downloads historical rasters for a
// bounding box.
package gehi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	availabilityTimeout = 60 * time.Second
	downloadTimeout     = 300 * time.Second

	// Half-width of the box queried around the requested coordinate.
	boundingBoxDelta = 0.005
)

// ErrNoDates means the tool ran but its output contained no capture dates.
// Callers treat this as an expected domain failure, not an internal error.
var ErrNoDates = errors.New("no capture dates found")

// dates appear as 2020/06/15 in the tool's availability listing
var datePattern = regexp.MustCompile(`\b(\d{4})/(\d{2})/(\d{2})\b`)

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

type commandRunner struct{}

func (commandRunner) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(decodeOutput(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

// Option configures the client.
type Option func(*Client)

// WithRunner injects a custom runner (primarily for tests).
func WithRunner(r Runner) Option {
	return func(c *Client) {
		if r != nil {
			c.run = r
		}
	}
}

// Client invokes the external tool with hard per-call ceilings.
type Client struct {
	binary string
	run    Runner
}

func New(binary string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("gehistoricalimagery binary required")
	}
	c := &Client{binary: binary, run: commandRunner{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Availability lists capture dates near the coordinate, normalized to
// YYYY-MM-DD, deduplicated and sorted ascending.
func (c *Client) Availability(ctx context.Context, lat, lon float64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	args := append([]string{"availability"}, boundingBoxArgs(lat, lon)...)
	args = append(args, "--provider", "google")

	out, err := c.run.Run(ctx, c.binary, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("availability check timed out after %s", availabilityTimeout)
		}
		return nil, fmt.Errorf("availability check failed: %w", err)
	}

	dates := ParseAvailability(decodeOutput(out))
	if len(dates) == 0 {
		return nil, ErrNoDates
	}
	return dates, nil
}

// Download fetches the raster for one (coordinate, date) pair into
// outputPath. A reported success with no artifact on disk is a failure.
func (c *Client) Download(ctx context.Context, lat, lon float64, date string, zoom int, outputPath string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	args := append([]string{"download"}, boundingBoxArgs(lat, lon)...)
	args = append(args,
		"--date", date,
		"--zoom", fmt.Sprintf("%d", zoom),
		"--output", outputPath,
		"--provider", "google",
	)

	if _, err := c.run.Run(ctx, c.binary, args); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("download timed out after %s", downloadTimeout)
		}
		return fmt.Errorf("download failed: %w", err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("download reported success but output file missing: %s", outputPath)
	}
	return nil
}

func boundingBoxArgs(lat, lon float64) []string {
	return []string{
		"--lower-left", fmt.Sprintf("%f,%f", lat-boundingBoxDelta, lon-boundingBoxDelta),
		"--upper-right", fmt.Sprintf("%f,%f", lat+boundingBoxDelta, lon+boundingBoxDelta),
	}
}

// ParseAvailability extracts well-formed YYYY/MM/DD tokens from the tool's
// textual listing, ignoring noise lines, and returns them as sorted unique
// ISO dates.
func ParseAvailability(output string) []string {
	seen := map[string]struct{}{}
	for _, m := range datePattern.FindAllStringSubmatch(output, -1) {
		iso := m[1] + "-" + m[2] + "-" + m[3]
		seen[iso] = struct{}{}
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// decodeOutput tolerates the tool emitting UTF-16 (with or without a BOM),
// as .NET console programs do on some platforms.
func decodeOutput(raw []byte) string {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, raw)
	if err == nil && !looksInterleaved(out) {
		return string(out)
	}

	// No BOM but NUL-interleaved bytes: assume UTF-16LE.
	le := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	if out, _, err := transform.Bytes(le, raw); err == nil {
		return string(out)
	}
	return string(bytes.ReplaceAll(raw, []byte{0}, nil))
}

func looksInterleaved(b []byte) bool {
	return bytes.IndexByte(b, 0) >= 0
}
