// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"testing"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

func TestBM25Index_Rank(t *testing.T) {
	idx := BuildBM25Index(loadDefaultSnapshot(t).Catalog)
	if idx.IsEmpty() {
		t.Fatal("index is empty")
	}

	ranked := idx.Rank("Show me income distribution across neighborhoods")
	if len(ranked) == 0 {
		t.Fatal("expected keyword matches")
	}
	if ranked[0].ID != "/demographic-insights" {
		t.Errorf("top = %s, want /demographic-insights", ranked[0].ID)
	}
	if ranked[0].Score != 1.0 {
		t.Errorf("top score = %v, want 1.0 after normalization", ranked[0].Score)
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Fatalf("ranking not descending at %d: %+v", i, ranked)
		}
	}
}

func TestBM25Index_EmptyInputs(t *testing.T) {
	idx := BuildBM25Index(loadDefaultSnapshot(t).Catalog)
	if got := idx.Score(""); len(got) != 0 {
		t.Errorf("empty query scored %v", got)
	}
	if got := idx.Score("the and of"); len(got) != 0 {
		t.Errorf("stopword-only query scored %v", got)
	}

	empty := BuildBM25Index(&config.Catalog{})
	if !empty.IsEmpty() {
		t.Error("index over an empty catalog should be empty")
	}
	if got := empty.Rank("income"); len(got) != 0 {
		t.Errorf("empty index ranked %v", got)
	}
}

func TestKeywordTerms(t *testing.T) {
	got := keywordTerms("The hotspots of a Market")
	for _, want := range []string{"hotspot", "market"} {
		if !got[want] {
			t.Errorf("missing %q in %v", want, got)
		}
	}
	for _, drop := range []string{"the", "of", "a"} {
		if got[drop] {
			t.Errorf("stopword or short token %q kept", drop)
		}
	}
}
