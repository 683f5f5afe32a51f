/*
Package log wraps zerolog with the conventions the rest of PLB expects: a
global Logger set up once via Init, and WithComponent/WithCycle child
loggers so every subsystem's lines carry a component field and, within one
balancing cycle, a shared cycle_id.

	log.Init(log.Config{Level: log.ParseLevel(cfg.Service.LogLevel), JSONOutput: true})
	l := log.WithComponent("placement")
	l.Info().Int("guest_id", g.ID).Str("to", dest).Msg("selected move")
*/
package log
