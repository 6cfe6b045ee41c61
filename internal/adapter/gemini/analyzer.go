// Package gemini runs the change analysis over a job's chronological imagery.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"geofy/apps/imagery/features/capture"
)

const defaultModel = "gemini-1.5-flash"

const analysisPrompt = `Analyze these historical satellite images in chronological order.
Identify:
1. Major structural changes (buildings, roads, land use)
2. Timeline of development
3. Notable patterns or trends

Provide analysis in JSON format with keys:
- changes_detected: List of changes
- timeline: Year-by-year progression as objects with "year" and "observation"
- summary: Overall assessment`

type Analyzer struct {
	client *genai.Client
	model  string
}

func NewAnalyzer(ctx context.Context, apiKey string) (*Analyzer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &Analyzer{client: client, model: defaultModel}, nil
}

// Analyze produces the structured change analysis for the ordered set of
// PNGs. It never fails the caller: any inference or parse problem yields a
// degraded result carrying a diagnostic alongside the three expected keys.
func (a *Analyzer) Analyze(ctx context.Context, pngPaths []string) *capture.Analysis {
	raw, err := a.generate(ctx, pngPaths)
	if err != nil {
		slog.WarnContext(ctx, "change analysis failed", "error", err)
		return Degraded(fmt.Sprintf("AI analysis failed: %v", err))
	}
	return ParseAnalysis(raw)
}

func (a *Analyzer) generate(ctx context.Context, pngPaths []string) (string, error) {
	parts := []genai.Part{genai.Text(analysisPrompt)}
	for _, path := range pngPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read image %s: %w", path, err)
		}
		parts = append(parts, genai.ImageData("png", data))
	}

	model := a.client.GenerativeModel(a.model)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return sb.String(), nil
}

// ParseAnalysis turns the model's text into an Analysis. Fenced output gets
// the fences stripped before a second parse attempt; output that parses but
// misses required keys keeps whatever fields it did carry.
func ParseAnalysis(raw string) *capture.Analysis {
	fields, ok := parseObject(raw)
	if !ok {
		fields, ok = parseObject(stripFences(raw))
	}
	if !ok {
		return Degraded("AI analysis failed: response was not valid JSON")
	}

	analysis := &capture.Analysis{
		ChangesDetected: []string{},
		Timeline:        []capture.TimelineEntry{},
	}

	var missing []string
	if rawChanges, present := fields["changes_detected"]; present {
		if err := json.Unmarshal(rawChanges, &analysis.ChangesDetected); err != nil {
			missing = append(missing, "changes_detected")
		}
	} else {
		missing = append(missing, "changes_detected")
	}
	if rawTimeline, present := fields["timeline"]; present {
		if err := json.Unmarshal(rawTimeline, &analysis.Timeline); err != nil {
			missing = append(missing, "timeline")
		}
	} else {
		missing = append(missing, "timeline")
	}
	if rawSummary, present := fields["summary"]; present {
		if err := json.Unmarshal(rawSummary, &analysis.Summary); err != nil {
			missing = append(missing, "summary")
		}
	} else {
		missing = append(missing, "summary")
	}

	if analysis.ChangesDetected == nil {
		analysis.ChangesDetected = []string{}
	}
	if analysis.Timeline == nil {
		analysis.Timeline = []capture.TimelineEntry{}
	}
	if len(missing) > 0 {
		if analysis.Summary == "" {
			analysis.Summary = "Analysis unavailable"
		}
		analysis.Error = fmt.Sprintf("AI analysis incomplete: missing %s", strings.Join(missing, ", "))
	}
	return analysis
}

// Degraded builds the error-shaped result: all three keys present, empty or
// placeholder values, plus the diagnostic.
func Degraded(diagnostic string) *capture.Analysis {
	return &capture.Analysis{
		ChangesDetected: []string{},
		Timeline:        []capture.TimelineEntry{},
		Summary:         "Analysis unavailable",
		Error:           diagnostic,
	}
}

func parseObject(raw string) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// stripFences removes a leading ``` or ```json line and a trailing ``` line.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
