package cli

import (
	"didimpute/internal/app"
)

// ServeCmd runs the HTTP API until interrupted.
type ServeCmd struct {
	Port int `help:"Listen port; overrides the configured port."`
}

func (c *ServeCmd) Run(ctx *Context) error {
	cfg := ctx.settings()
	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}
	a, err := app.NewApplication(cfg, ctx.log())
	if err != nil {
		return err
	}
	return a.Run(ctx.runCtx())
}
