/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import "testing"

func TestDecideNoSelfUpdate(t *testing.T) {
	e := NewEngine()
	kinds := []Kind{KindPatch, KindMinor, KindMajor, KindAll, KindForce}
	for _, k := range kinds {
		p := Policy{Kind: k, Pattern: "*"}
		if got := e.Decide(p, "1.2.3", "1.2.3"); got != Reject {
			t.Errorf("Decide(%s, 1.2.3, 1.2.3) = %v, want Reject", k, got)
		}
	}
}

func TestDecidePatch(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindPatch}

	tests := []struct {
		current, candidate string
		want                Decision
	}{
		{"1.2.3", "1.2.4", Accept},
		{"1.2.3", "1.3.0", Reject},
		{"1.2.3", "2.0.0", Reject},
		{"1.2.3", "1.2.2", Reject},
	}
	for _, tt := range tests {
		if got := e.Decide(p, tt.current, tt.candidate); got != tt.want {
			t.Errorf("Decide(Patch, %s, %s) = %v, want %v", tt.current, tt.candidate, got, tt.want)
		}
	}
}

func TestDecideMinor(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindMinor}

	tests := []struct {
		current, candidate string
		want                Decision
	}{
		{"1.2.3", "1.3.0", Accept},
		{"1.2.3", "1.2.4", Accept},
		{"1.2.3", "2.0.0", Reject},
		{"1.2.3", "1.2.0", Reject},
	}
	for _, tt := range tests {
		if got := e.Decide(p, tt.current, tt.candidate); got != tt.want {
			t.Errorf("Decide(Minor, %s, %s) = %v, want %v", tt.current, tt.candidate, got, tt.want)
		}
	}
}

func TestDecideMajor(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindMajor}

	if got := e.Decide(p, "1.2.3", "2.0.0"); got != Accept {
		t.Errorf("Decide(Major, 1.2.3, 2.0.0) = %v, want Accept", got)
	}
	if got := e.Decide(p, "1.2.3", "1.3.0"); got != Accept {
		t.Errorf("Decide(Major, 1.2.3, 1.3.0) = %v, want Accept", got)
	}
	if got := e.Decide(p, "2.0.0", "1.9.9"); got != Reject {
		t.Errorf("Decide(Major, 2.0.0, 1.9.9) = %v, want Reject", got)
	}
}

func TestDecideGlob(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindGlob, Pattern: "release-*"}

	if got := e.Decide(p, "release-1", "release-2"); got != Accept {
		t.Errorf("Decide(Glob, release-1, release-2) = %v, want Accept", got)
	}
	if got := e.Decide(p, "release-1", "nightly-2"); got != Reject {
		t.Errorf("Decide(Glob, release-1, nightly-2) = %v, want Reject", got)
	}
}

func TestDecideForceAcceptsAnything(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindForce}

	if got := e.Decide(p, "1.2.3", "not-a-version"); got != Accept {
		t.Errorf("Decide(Force, ..., not-a-version) = %v, want Accept", got)
	}
}

func TestDecidePrereleaseGating(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindMinor}

	if got := e.Decide(p, "1.2.0", "1.3.0-rc.1"); got != Reject {
		t.Errorf("Decide(Minor, 1.2.0, 1.3.0-rc.1) = %v, want Reject", got)
	}
	if got := e.Decide(p, "1.3.0-rc.1", "1.3.0-rc.2"); got != Accept {
		t.Errorf("Decide(Minor, 1.3.0-rc.1, 1.3.0-rc.2) = %v, want Accept", got)
	}
}

func TestSelectBestPicksSemverMax(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindMinor}

	best, ok := e.SelectBest(p, "1.2.0", []string{"1.2.1", "1.3.0", "1.2.5"})
	if !ok {
		t.Fatal("expected a selection")
	}
	if best != "1.3.0" {
		t.Errorf("SelectBest = %s, want 1.3.0", best)
	}
}

func TestSelectBestNoneAcceptable(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindPatch}

	_, ok := e.SelectBest(p, "1.2.3", []string{"2.0.0", "1.3.0"})
	if ok {
		t.Error("expected no selection")
	}
}

func TestSelectBestMonotoneUnderAddedCandidate(t *testing.T) {
	e := NewEngine()
	p := Policy{Kind: KindMinor}

	base, _ := e.SelectBest(p, "1.0.0", []string{"1.1.0", "1.2.0"})
	withExtra, ok := e.SelectBest(p, "1.0.0", []string{"1.1.0", "1.2.0", "1.1.5"})
	if !ok {
		t.Fatal("expected a selection")
	}
	if withExtra != base && withExtra != "1.1.5" {
		t.Errorf("adding a candidate must only move selection forward or leave it unchanged, got %s (base %s)", withExtra, base)
	}
}
