package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// UsageParserVersion is recorded on every attempt so usage numbers can be
// reinterpreted if the parser changes.
const UsageParserVersion = "usage-v1"

// Usage is the token accounting for one attempt.
type Usage struct {
	InputTokens  *int64
	OutputTokens *int64
	Source       string
	CostUSD      *float64
}

// modelPrices is a static per-million-token price table (input, output).
// Unknown models get no cost estimate.
var modelPrices = map[string][2]float64{
	"claude-sonnet":    {3.00, 15.00},
	"claude-haiku":     {0.80, 4.00},
	"gpt-5":            {1.25, 10.00},
	"gpt-5-mini":       {0.25, 2.00},
	"gemini-2.5-pro":   {1.25, 10.00},
	"gemini-2.5-flash": {0.30, 2.50},
}

// usageLine matches the JSON usage objects agent CLIs print on stdout,
// either bare or nested under a "usage" key.
type usageLine struct {
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ExtractUsage scans the stdout log for a parseable usage line; failing
// that, it estimates from character counts. The last usage line wins.
func ExtractUsage(stdoutPath, model, prompt string) Usage {
	if in, out, ok := parseUsageLog(stdoutPath); ok {
		return Usage{
			InputTokens:  &in,
			OutputTokens: &out,
			Source:       "parsed",
			CostUSD:      estimateCost(model, in, out),
		}
	}

	outChars := int64(0)
	if info, err := os.Stat(stdoutPath); err == nil {
		outChars = info.Size()
	}
	if prompt == "" && outChars == 0 {
		return Usage{Source: "none"}
	}

	// Rough 4-chars-per-token estimate.
	in := int64(len(prompt)) / 4
	out := outChars / 4
	return Usage{
		InputTokens:  &in,
		OutputTokens: &out,
		Source:       "estimated",
		CostUSD:      estimateCost(model, in, out),
	}
}

func parseUsageLog(path string) (in, out int64, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, "tokens") {
			continue
		}
		var parsed usageLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		switch {
		case parsed.Usage != nil && (parsed.Usage.InputTokens > 0 || parsed.Usage.OutputTokens > 0):
			in, out, ok = parsed.Usage.InputTokens, parsed.Usage.OutputTokens, true
		case parsed.InputTokens > 0 || parsed.OutputTokens > 0:
			in, out, ok = parsed.InputTokens, parsed.OutputTokens, true
		}
	}
	return in, out, ok
}

func estimateCost(model string, inTokens, outTokens int64) *float64 {
	prices, ok := modelPrices[model]
	if !ok {
		return nil
	}
	cost := float64(inTokens)/1e6*prices[0] + float64(outTokens)/1e6*prices[1]
	return &cost
}
