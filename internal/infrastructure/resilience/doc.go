/*
Package resilience provides a circuit breaker for calls to slow or flaky
dependencies.

# Overview

The image resolver wraps registry pulls in a Breaker so that a registry that
keeps failing makes Start fail fast with ImageUnavailable instead of blocking
every start for the full pull timeout.

# Usage

	breaker := resilience.New("image-pull", resilience.Settings{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	err := breaker.Do(func() error {
		return catalog.PullImage(ctx, ref)
	})

# States

	Closed --[threshold failures]-> Open --[cooldown]-> Half-Open --[success]-> Closed
	                                                       |
	                                                   [failure]
	                                                       v
	                                                     Open
*/
package resilience
