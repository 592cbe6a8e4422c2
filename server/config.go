/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package server

import (
	"fmt"
	"time"

	"github.com/lexachron/ntpspy/wire"
)

// DefaultIdleTimeout is the §4.3 IDLE_TIMEOUT default.
const DefaultIdleTimeout = 60 * time.Second

// Config is the server's configuration, validated once at startup the way
// ntp/responder/server.Config is.
type Config struct {
	StorageRoot    string
	Port           int
	Magic          wire.Magic
	Overwrite      bool
	IdleTimeout    time.Duration
	MonitoringPort int
}

// Validate checks the config is usable, failing fast at startup rather
// than partway through a transfer.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage root must be set")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if err := c.Magic.Validate(); err != nil {
		return fmt.Errorf("invalid magic: %w", err)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return nil
}
