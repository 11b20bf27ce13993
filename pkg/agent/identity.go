// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agent implements the multi-agent orchestration core: the
// round-based execution loop, the in-process message bus, the agent
// registry, and the per-invocation context.
package agent

import (
	"fmt"
	"strings"
)

// Identity names an agent within a domain. The composite key
// "domain:name" is used for registration and bus routing everywhere.
type Identity struct {
	Name   string `yaml:"name" json:"name"`
	Domain string `yaml:"domain" json:"domain"`
}

// Key returns the composite routing key "domain:name".
func (id Identity) Key() string {
	return id.Domain + ":" + id.Name
}

// String implements fmt.Stringer.
func (id Identity) String() string { return id.Key() }

// Validate checks that both parts are present and colon-free.
func (id Identity) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if id.Domain == "" {
		return fmt.Errorf("agent domain is required")
	}
	if strings.Contains(id.Name, ":") || strings.Contains(id.Domain, ":") {
		return fmt.Errorf("agent identity %q must not contain ':'", id.Key())
	}
	return nil
}
