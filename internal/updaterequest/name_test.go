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

package updaterequest

import (
	"strings"
	"testing"
)

func TestNameIsDeterministic(t *testing.T) {
	a := Name("Deployment", "web", "app", "v1.2.3")
	b := Name("Deployment", "web", "app", "v1.2.3")
	if a != b {
		t.Errorf("expected deterministic name, got %q and %q", a, b)
	}
}

func TestNameOmitsContainerForChartTargets(t *testing.T) {
	name := Name("HelmRelease", "redis", "", "17.0.0")
	if strings.Count(name, "-") < 1 {
		t.Fatalf("unexpected name shape: %q", name)
	}
	if strings.Contains(name, "--") {
		t.Errorf("expected no empty segment in %q", name)
	}
}

func TestNameSanitizesInvalidCharacters(t *testing.T) {
	name := Name("Deployment", "web_app", "main", "v1.0.0+build.5")
	for _, r := range name {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			t.Fatalf("name %q contains invalid character %q", name, r)
		}
	}
}

func TestNameTruncatesAndHashesOversizedInput(t *testing.T) {
	long := strings.Repeat("a", 300)
	name := Name("Deployment", long, "container", "tag")
	if len(name) > 253 {
		t.Fatalf("name exceeds kubernetes object name limit: %d chars", len(name))
	}
	if !strings.Contains(name, "-") {
		t.Errorf("expected truncated name to retain a hash suffix, got %q", name)
	}
}

func TestNameDiffersOnDistinctTuples(t *testing.T) {
	a := Name("Deployment", "web", "app", "v1.0.0")
	b := Name("Deployment", "web", "app", "v1.0.1")
	if a == b {
		t.Error("expected distinct tags to produce distinct names")
	}
}
