package cli

import "github.com/frobware/go-reuseport/config"

func (c *ServeCmd) Apply(cfg *config.Config) error { return c.apply(cfg) }

var FormatSlots = formatSlots
