// Package fixer applies fix proposals to generated artifacts. Proposals are
// anchored textual edits; application is in proposal order, later proposals
// winning when their edits overlap earlier ones.
package fixer

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/artifact"
)

// Proposal is one anchored edit against a generated file.
type Proposal struct {
	// Path is the artifact the edit targets.
	Path string `json:"path"`

	// Find is the exact text to locate. The first occurrence anchors the
	// edit.
	Find string `json:"find"`

	// Replace is the replacement text.
	Replace string `json:"replace"`

	// Diagnostic is the failure the proposal addresses, carried for
	// reporting.
	Diagnostic string `json:"diagnostic"`
}

// IntegrationError describes a proposal that could not be applied.
type IntegrationError struct {
	Proposal Proposal
	Reason   string
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("fix for %s not applied: %s", e.Proposal.Path, e.Reason)
}

// Report summarizes one integration pass.
type Report struct {
	// Applied counts proposals whose edit landed in the final content.
	Applied int

	// Superseded holds earlier proposals whose edits were overwritten by a
	// later overlapping proposal.
	Superseded []Proposal

	// Skipped holds proposals that could not be applied, with reasons.
	Skipped []*IntegrationError
}

// span is a byte range in the current content claimed by an applied proposal.
type span struct {
	start, end int
	proposal   Proposal
}

// Integrator applies proposals to artifacts.
type Integrator struct {
	logger *zap.Logger
}

// NewIntegrator creates an Integrator.
func NewIntegrator(logger *zap.Logger) *Integrator {
	return &Integrator{logger: logger}
}

// Integrate applies proposals to art in order and returns the updated
// artifact plus a report. A proposal whose anchor is missing is skipped and
// the batch continues. When a later proposal's replacement overlaps the byte
// range written by an earlier one, the later proposal wins and the earlier
// one is reported as superseded.
func (in *Integrator) Integrate(art artifact.Artifact, proposals []Proposal) (artifact.Artifact, *Report) {
	report := &Report{}
	content := art.Content
	var applied []span

	for _, p := range proposals {
		if p.Path != art.Path {
			report.Skipped = append(report.Skipped, &IntegrationError{
				Proposal: p,
				Reason:   fmt.Sprintf("targets %s, not %s", p.Path, art.Path),
			})
			continue
		}
		if p.Find == "" {
			report.Skipped = append(report.Skipped, &IntegrationError{
				Proposal: p,
				Reason:   "empty anchor",
			})
			continue
		}

		idx := strings.Index(content, p.Find)
		if idx < 0 {
			in.logger.Warn("fix anchor not found",
				zap.String("path", p.Path),
				zap.String("diagnostic", p.Diagnostic),
			)
			report.Skipped = append(report.Skipped, &IntegrationError{
				Proposal: p,
				Reason:   "anchor not found",
			})
			continue
		}

		end := idx + len(p.Find)
		newEnd := idx + len(p.Replace)
		content = content[:idx] + p.Replace + content[end:]
		delta := len(p.Replace) - len(p.Find)

		// Earlier edits overlapping the rewritten range are now gone from
		// the content; record them as superseded.
		var kept []span
		for _, s := range applied {
			if s.start < end && idx < s.end {
				report.Superseded = append(report.Superseded, s.proposal)
				report.Applied--
				continue
			}
			if s.start >= end {
				s.start += delta
				s.end += delta
			}
			kept = append(kept, s)
		}
		applied = append(kept, span{start: idx, end: newEnd, proposal: p})
		report.Applied++
	}

	art.SetContent(content)
	return art, report
}
