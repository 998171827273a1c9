// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

// renderer prints human-readable output. Colors are dropped automatically
// when out is not a terminal.
type renderer struct {
	out io.Writer

	title  lipgloss.Style
	label  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
}

func newRenderer(out io.Writer) *renderer {
	r := lipgloss.NewRenderer(out)
	return &renderer{
		out:    out,
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:  r.NewStyle().Width(14).Foreground(lipgloss.Color("8")),
		good:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		warn:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		bad:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header: r.NewStyle().Bold(true).Underline(true),
	}
}

func (r *renderer) line(label, value string) {
	fmt.Fprintf(r.out, "%s %s\n", r.label.Render(label), value)
}

// actionStyle colors an action by outcome.
func (r *renderer) actionStyle(a routing.Action) lipgloss.Style {
	switch a {
	case routing.ActionRoute:
		return r.good
	case routing.ActionRouteWithAlternatives, routing.ActionClarify:
		return r.warn
	default:
		return r.bad
	}
}

func (r *renderer) result(res *routing.RoutingResult) {
	fmt.Fprintln(r.out, r.title.Render("Routing decision"))
	r.line("action", r.actionStyle(res.Action).Render(string(res.Action)))

	endpoint := "none"
	if res.Endpoint != nil {
		endpoint = *res.Endpoint
	}
	r.line("endpoint", endpoint)
	r.line("confidence", fmt.Sprintf("%.2f", res.Confidence))
	r.line("scope", string(res.Scope))
	if res.Domain != "" {
		r.line("domain", res.Domain)
	}
	if res.TargetVariable != "" {
		r.line("target", res.TargetVariable)
	}
	if res.ErrorCode != "" {
		r.line("error", r.bad.Render(res.ErrorCode))
	}
	if sv := res.SemanticVerification; sv != nil {
		r.line("semantic", fmt.Sprintf("used=%t agreed=%t boost=%.2f", sv.Used, sv.Agreed, sv.ConfidenceBoost))
	}
	r.line("time", fmt.Sprintf("%.2fms", res.ProcessingTimeMs))

	if len(res.Alternatives) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.header.Render("Alternatives"))
		for _, alt := range res.Alternatives {
			fmt.Fprintf(r.out, "  %-28s %.2f\n", alt.Endpoint, alt.Confidence)
		}
	}
	if len(res.Suggestions) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.header.Render("Suggestions"))
		for _, s := range res.Suggestions {
			fmt.Fprintf(r.out, "  - %s\n", s)
		}
	}

	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, r.muted.Render(res.Reasoning))
}

func (r *renderer) endpoints(snap *config.Snapshot, eps []config.EndpointDefinition) {
	fmt.Fprintf(r.out, "%s %s\n\n",
		r.title.Render("Endpoint catalog"),
		r.muted.Render(fmt.Sprintf("v%s, %d endpoints, domain %s", strings.TrimPrefix(snap.Catalog.Version, "v"), len(eps), snap.ActiveDomain)),
	)

	width := len("endpoint")
	for _, ep := range eps {
		width = max(width, len(ep.ID))
	}
	fmt.Fprintf(r.out, "%s  %s  %s  %s\n",
		r.header.Render(fmt.Sprintf("%-*s", width, "endpoint")),
		r.header.Render(fmt.Sprintf("%-14s", "category")),
		r.header.Render("prio"),
		r.header.Render("threshold"),
	)
	for _, ep := range eps {
		fmt.Fprintf(r.out, "%-*s  %-14s  %4d  %9.2f\n", width, ep.ID, ep.Category, ep.Priority, ep.ConfidenceThreshold)
	}
}

func (r *renderer) valid(source string, snap *config.Snapshot, endpoints int) {
	fmt.Fprintf(r.out, "%s configuration from %s\n", r.good.Render("OK"), source)
	r.line("version", snap.Catalog.Version)
	r.line("endpoints", fmt.Sprintf("%d", endpoints))
	r.line("domains", strings.Join(snap.DomainOrder, ", "))
	r.line("active", snap.ActiveDomain)
}
