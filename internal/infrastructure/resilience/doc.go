/*
Package resilience provides a circuit breaker.

Isolated extension processes are launched through a breaker per extension
file path, so an extension binary that keeps failing to start is not
relaunched on every processing run of a long-lived service. The breaker
reopens for a trial launch after the configured cooldown.

# Usage

	group := resilience.NewGroup(resilience.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: resilience.ConsecutiveFailures(3),
	})

	host, err := resilience.Execute(group.Get(path), func() (*Host, error) {
		return launch(path)
	})
*/
package resilience
