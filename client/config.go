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

/*
Package client implements the sending side: the chunker, the sliding-window
send/retransmit loop, and the Start/End handshake backoff (§4.4).
*/
package client

import (
	"fmt"
	"time"

	"github.com/lexachron/ntpspy/wire"
)

// Defaults from §4.4/§6.
const (
	DefaultHandshakeRetries = 5
	DefaultRTTBase          = 500 * time.Millisecond
	DefaultRTTCap           = 8 * time.Second
	DefaultWindow           = 32
	DefaultPerChunkRetries  = 8
	DefaultMinInterval      = 0 * time.Second
)

// Config is the client engine's configuration.
type Config struct {
	Magic            wire.Magic
	HandshakeRetries int
	RTTBase          time.Duration
	RTTCap           time.Duration
	Window           int
	PerChunkRetries  int
	MinInterval      time.Duration
}

// Validate fills in defaults for anything left zero and rejects what can't
// be defaulted.
func (c *Config) Validate() error {
	if err := c.Magic.Validate(); err != nil {
		return fmt.Errorf("invalid magic: %w", err)
	}
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = DefaultHandshakeRetries
	}
	if c.RTTBase <= 0 {
		c.RTTBase = DefaultRTTBase
	}
	if c.RTTCap <= 0 {
		c.RTTCap = DefaultRTTCap
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PerChunkRetries <= 0 {
		c.PerChunkRetries = DefaultPerChunkRetries
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative")
	}
	return nil
}
