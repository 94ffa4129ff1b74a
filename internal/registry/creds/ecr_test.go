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

package creds

import "testing"

func TestParseECRRegion(t *testing.T) {
	cases := []struct {
		host       string
		wantRegion string
		wantOK     bool
	}{
		{"123456789012.dkr.ecr.us-east-1.amazonaws.com", "us-east-1", true},
		{"123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn", "cn-north-1", true},
		{"docker.io", "", false},
		{"quay.io", "", false},
		{"gcr.io/project/app", "", false},
		{"my-ecr-mirror.amazonaws.com", "", false},
	}
	for _, c := range cases {
		region, ok := ParseECRRegion(c.host)
		if ok != c.wantOK || region != c.wantRegion {
			t.Errorf("ParseECRRegion(%q) = (%q, %v), want (%q, %v)", c.host, region, ok, c.wantRegion, c.wantOK)
		}
	}
}
