// Copyright 2025 The WarDragon Authors
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

package registry

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the kits.yaml shape. Kits listed here union-merge into the
// registry at startup and on reload; entries already known to the registry
// win unless authoritative is set.
type ConfigFile struct {
	Authoritative bool        `yaml:"authoritative"`
	Kits          []ConfigKit `yaml:"kits"`
}

// ConfigKit is one configured kit. Enabled defaults to true when omitted.
type ConfigKit struct {
	ID       string `yaml:"id" validate:"omitempty,excludesall= "`
	URL      string `yaml:"url" validate:"required,url"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Enabled  *bool  `yaml:"enabled"`
}

var validate = validator.New()

// LoadConfig reads and validates a kits.yaml. A missing file is not an
// error: a fresh deployment starts with an empty registry and kits arrive
// through the admin API.
func LoadConfig(path string) ([]KitEntry, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading kits config %s: %w", path, err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, false, fmt.Errorf("parsing kits config %s: %w", path, err)
	}

	entries := make([]KitEntry, 0, len(cfg.Kits))
	for i, k := range cfg.Kits {
		if err := validate.Struct(k); err != nil {
			return nil, false, fmt.Errorf("kits config %s: entry %d invalid: %w", path, i, err)
		}
		enabled := true
		if k.Enabled != nil {
			enabled = *k.Enabled
		}
		entries = append(entries, KitEntry{
			ID:       k.ID,
			URL:      k.URL,
			Name:     k.Name,
			Location: k.Location,
			Enabled:  enabled,
		})
	}
	return entries, cfg.Authoritative, nil
}
