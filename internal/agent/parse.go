package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/fixer"
)

// ErrNoFileBlocks indicates a model response contained no file blocks. The
// dispatcher treats this as a parse failure worth escalating.
var ErrNoFileBlocks = errors.New("response contains no file blocks")

// ParseFileMap extracts generated files from a model response. Files are
// fenced blocks tagged with their path:
//
//	```file:pkg/thing.py
//	...content...
//	```
//
// Later blocks for the same path replace earlier ones.
func ParseFileMap(text string) (map[string]string, error) {
	files := make(map[string]string)
	for _, block := range fencedBlocks(text) {
		if !strings.HasPrefix(block.tag, "file:") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(block.tag, "file:"))
		if path == "" {
			continue
		}
		files[path] = block.body
	}
	if len(files) == 0 {
		return nil, ErrNoFileBlocks
	}
	return files, nil
}

// ParseProposals extracts fix proposals from a model response. Proposals are
// fenced blocks tagged "fix" holding one JSON object each.
func ParseProposals(text string) ([]fixer.Proposal, error) {
	var proposals []fixer.Proposal
	for _, block := range fencedBlocks(text) {
		if block.tag != "fix" {
			continue
		}
		var p fixer.Proposal
		if err := json.Unmarshal([]byte(block.body), &p); err != nil {
			return nil, fmt.Errorf("parsing fix proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// ParseDesign extracts design blocks from a model response. The response is
// a JSON array, optionally wrapped in a fence.
func ParseDesign(text string) ([]design.Block, error) {
	payload := strings.TrimSpace(text)
	for _, block := range fencedBlocks(text) {
		if block.tag == "json" || block.tag == "" {
			payload = strings.TrimSpace(block.body)
			break
		}
	}

	var raw []struct {
		Path           string   `json:"path"`
		Responsibility string   `json:"responsibility"`
		Complexity     string   `json:"complexity"`
		DependsOn      []string `json:"depends_on"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("parsing design: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("design contains no blocks")
	}

	blocks := make([]design.Block, len(raw))
	for i, r := range raw {
		blocks[i] = design.Block{
			Path:           r.Path,
			Responsibility: r.Responsibility,
			Complexity:     design.ParseComplexity(r.Complexity),
			DependsOn:      r.DependsOn,
		}
	}
	return blocks, nil
}

type fenced struct {
	tag  string
	body string
}

// fencedBlocks scans text for triple-backtick fences and returns each block
// with its tag line. Unterminated fences run to end of input.
func fencedBlocks(text string) []fenced {
	var blocks []fenced
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "```") {
			continue
		}
		tag := strings.TrimSpace(strings.TrimPrefix(line, "```"))

		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				break
			}
			body = append(body, lines[j])
		}
		blocks = append(blocks, fenced{tag: tag, body: strings.Join(body, "\n")})
		i = j
	}
	return blocks
}
